package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders the dispatcher's queues. Lower values flush first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	priorityCount = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// TargetKind selects which connections a message is destined for.
type TargetKind string

const (
	TargetBroadcast   TargetKind = "broadcast"
	TargetUsers       TargetKind = "users"
	TargetGroups      TargetKind = "groups"
	TargetConnections TargetKind = "connections"
)

// Target describes the destination set for a message.
type Target struct {
	Kind TargetKind `json:"kind"`
	IDs  []string   `json:"ids,omitempty"` // user, group, or connection ids
}

// key returns a stable textual form used in content hashes and merge keys.
func (t Target) key() string {
	if t.Kind == TargetBroadcast {
		return string(TargetBroadcast)
	}
	ids := make([]string, len(t.IDs))
	copy(ids, t.IDs)
	sort.Strings(ids)
	return string(t.Kind) + ":" + strings.Join(ids, ",")
}

// Message is one outbound unit owned by the dispatcher until delivery or
// death. RetryCount never exceeds MaxRetries; past that the message turns
// dead and is never re-queued.
type Message struct {
	ID        string
	Type      string
	Priority  Priority
	Target    Target
	Payload   json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry

	RetryCount int
	MaxRetries int
}

// NewMessage builds a message with a fresh id.
func NewMessage(msgType string, priority Priority, target Target, payload json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Priority:  priority,
		Target:    target,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Expired reports whether the message's optional expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// ContentHash fingerprints type + target + payload for deduplication.
func (m *Message) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(m.Type))
	h.Write([]byte{0})
	h.Write([]byte(m.Target.key()))
	h.Write([]byte{0})
	h.Write(m.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// mergeKey groups messages that may be combined in one flush cycle.
func (m *Message) mergeKey() string {
	return m.Type + "\x00" + m.Target.key() + "\x00" + m.Priority.String()
}

// DeadEvent is emitted when a message exhausts its retry budget.
type DeadEvent struct {
	MessageID  string
	Type       string
	Target     Target
	RetryCount int
	Reason     string
	At         time.Time
}
