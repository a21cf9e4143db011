package connpool

import (
	"context"
	"encoding/json"

	"github.com/c360/seatstream/govern"
)

// Credentials is the result of a successful auth handshake.
type Credentials struct {
	UserID string
	Scope  []string
}

// ScopeSubscribe is the permission required to create topic subscriptions.
const ScopeSubscribe = "seats:read"

// AuthVerifier validates handshake tokens and answers permission checks.
// Implementations are provided by the embedding application; the pool only
// cares about the verdict.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (Credentials, error)
	HasPermission(creds Credentials, scope string) bool
}

// Admitter rate-limits inbound frames before any other processing and
// receives outcome feedback for suspicion scoring. *govern.Governor
// satisfies it.
type Admitter interface {
	Check(ctx context.Context, identifier, route string) govern.Decision
	ReportViolation(identifier string)
	RecordOutcome(identifier, route string, wasError bool)
	Forget(identifier string)
}

// SubscriptionHandler receives subscribe/unsubscribe frames and connection
// teardown notifications. The router satisfies it.
type SubscriptionHandler interface {
	Subscribe(userID, connID string, topics []string, filters map[string]json.RawMessage) (string, error)
	Unsubscribe(subscriptionID string) error
	DropConnection(connID string)
}

// PoolHealth is the healthCheck summary for the pool.
type PoolHealth struct {
	Status      string  `json:"status"`
	ActiveCount int     `json:"active_count"`
	MaxCount    int     `json:"max_count"`
	ErrorRate   float64 `json:"error_rate"`
}
