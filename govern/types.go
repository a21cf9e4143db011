package govern

import (
	"time"
)

// Rule describes one rate-limit rule. Rules are admin-configured at startup
// and never mutated per request; lower Priority evaluates first.
type Rule struct {
	Name        string
	Pattern     string // route glob, "*" matches everything
	Window      time.Duration
	MaxRequests int
	Priority    int
}

// Decision reports the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration // zero when allowed
	Rule       string        // matched rule name, empty when unrestricted
}

// Signals carries the per-request observations fed to the scoring policy.
type Signals struct {
	Identifier string
	Route      string
	Timestamp  time.Time
	UserAgent  string
	PayloadLen int
	WasError   bool // the request later produced an error
}

// ScorePolicy estimates how likely an identifier's traffic is abusive.
// Scores are in [0, 1]; the governor steps the effective limit down above
// HighThreshold and back up below LowThreshold. The shipped default looks at
// request-interval uniformity and recent error rate only.
type ScorePolicy interface {
	// Observe records one request's signals.
	Observe(sig Signals)

	// Score returns the current suspicion score for an identifier.
	Score(identifier string) float64

	// Thresholds returns (low, high) score bounds for stepping the limit.
	Thresholds() (low, high float64)
}
