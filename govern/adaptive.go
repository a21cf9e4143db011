package govern

import (
	"math"
	"sync"
	"time"
)

// behaviorSample keeps the recent request history the default policy scores
// against. Bounded so one identifier can never grow unchecked.
const behaviorSampleSize = 50

// IntervalPolicy is the default ScorePolicy. It scores identifiers on the
// regularity of their request intervals and their error rate: machine-like
// evenly-spaced traffic with a high error share scores high, bursty human
// traffic scores low. It never inspects user agents or payload contents.
type IntervalPolicy struct {
	mu      sync.Mutex
	history map[string]*behaviorHistory

	lowThreshold  float64
	highThreshold float64
}

type behaviorHistory struct {
	intervals []float64 // seconds between consecutive requests
	lastSeen  time.Time
	requests  int
	errors    int
}

// NewIntervalPolicy builds the policy with the given score thresholds.
// Scores below low restore the nominal limit, scores above high step the
// effective limit down.
func NewIntervalPolicy(low, high float64) *IntervalPolicy {
	if low <= 0 {
		low = 0.3
	}
	if high <= low {
		high = 0.7
	}
	return &IntervalPolicy{
		history:       make(map[string]*behaviorHistory),
		lowThreshold:  low,
		highThreshold: high,
	}
}

func (p *IntervalPolicy) Observe(sig Signals) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.history[sig.Identifier]
	if !ok {
		h = &behaviorHistory{}
		p.history[sig.Identifier] = h
	}

	if !h.lastSeen.IsZero() {
		interval := sig.Timestamp.Sub(h.lastSeen).Seconds()
		if interval >= 0 {
			h.intervals = append(h.intervals, interval)
			if len(h.intervals) > behaviorSampleSize {
				h.intervals = h.intervals[1:]
			}
		}
	}
	h.lastSeen = sig.Timestamp
	h.requests++
	if sig.WasError {
		h.errors++
	}
	if h.requests > behaviorSampleSize*4 {
		// Decay counters so old behavior stops dominating the error rate.
		h.requests /= 2
		h.errors /= 2
	}
}

// Score returns a suspicion score in [0, 1]. Identifiers with too little
// history score zero.
func (p *IntervalPolicy) Score(identifier string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.history[identifier]
	if !ok || len(h.intervals) < 10 {
		return 0
	}

	regularity := intervalRegularity(h.intervals)
	errorRate := 0.0
	if h.requests > 0 {
		errorRate = float64(h.errors) / float64(h.requests)
	}

	score := 0.6*regularity + 0.4*math.Min(errorRate*2, 1)
	return math.Min(score, 1)
}

func (p *IntervalPolicy) Thresholds() (low, high float64) {
	return p.lowThreshold, p.highThreshold
}

// Forget drops history for an identifier, freeing its sample memory.
func (p *IntervalPolicy) Forget(identifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, identifier)
}

// intervalRegularity maps the coefficient of variation of the intervals to
// [0, 1]: perfectly even spacing scores 1, highly variable spacing scores 0.
func intervalRegularity(intervals []float64) float64 {
	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return 1
	}

	variance := 0.0
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	cv := math.Sqrt(variance) / mean
	// cv near 0 is metronomic, cv above 1 is organic.
	if cv >= 1 {
		return 0
	}
	return 1 - cv
}

// effectiveLimits tracks the per-identifier adaptive limit. Limits only move
// one step at a time and never exceed the rule's nominal limit.
type effectiveLimits struct {
	mu     sync.Mutex
	limits map[string]int
}

func newEffectiveLimits() *effectiveLimits {
	return &effectiveLimits{limits: make(map[string]int)}
}

// forget drops the tracked limit for an identifier.
func (e *effectiveLimits) forget(identifier string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.limits, identifier)
}

// current returns the effective limit for identifier under a rule with the
// given nominal limit.
func (e *effectiveLimits) current(identifier string, nominal int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit, ok := e.limits[identifier]; ok && limit < nominal {
		return limit
	}
	return nominal
}

// adjust moves the effective limit one step based on the score: above high it
// steps down by a quarter of nominal (floored at one step), below low it
// steps back up, clamped to nominal. Returns -1, 0, or +1 for the direction
// the limit moved.
func (e *effectiveLimits) adjust(identifier string, nominal int, score, low, high float64) int {
	step := nominal / 4
	if step < 1 {
		step = 1
	}
	floor := step

	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.limits[identifier]
	if !ok {
		current = nominal
	}

	switch {
	case score >= high:
		if current <= floor {
			return 0
		}
		current -= step
		if current < floor {
			current = floor
		}
		e.limits[identifier] = current
		return -1
	case score <= low:
		if !ok {
			return 0
		}
		current += step
		if current >= nominal {
			delete(e.limits, identifier)
		} else {
			e.limits[identifier] = current
		}
		return 1
	default:
		return 0
	}
}
