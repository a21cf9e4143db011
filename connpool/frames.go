package connpool

import (
	"encoding/json"
	"time"
)

// Frame is the wire envelope for every message exchanged with a client.
// Inbound types: auth, ping, pong, subscribe, unsubscribe. Outbound types
// add auth_success, subscribed, unsubscribed, push, error.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame type discriminators.
const (
	FrameAuth        = "auth"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"

	FrameAuthSuccess  = "auth_success"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePush         = "push"
	FrameError        = "error"
)

// AuthPayload is the client half of the one-time auth handshake.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// AuthSuccessPayload acknowledges a successful handshake with the session's
// permission scope.
type AuthSuccessPayload struct {
	UserID string   `json:"userId"`
	Scope  []string `json:"scope"`
}

// SubscribePayload asks for topic subscriptions with optional field filters.
type SubscribePayload struct {
	Topics  []string                   `json:"topics"`
	Filters map[string]json.RawMessage `json:"filters,omitempty"` // field -> operator spec
}

// SubscribedPayload returns the created subscription's id.
type SubscribedPayload struct {
	SubscriptionID string   `json:"subscriptionId"`
	Topics         []string `json:"topics"`
}

// UnsubscribePayload names a subscription to remove.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ErrorPayload is echoed back on any recoverable failure. The connection
// stays open; only transport-fatal errors close it.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeAuthRequired   = "auth_required"
	CodeAuthFailed     = "auth_failed"
	CodeRateLimited    = "rate_limited"
	CodeMalformed      = "malformed_frame"
	CodeUnknownType    = "unknown_frame_type"
	CodeSubscribeError = "subscribe_failed"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
)

// PushEnvelope is the outbound data frame delivered for matched events.
type PushEnvelope struct {
	Type          string          `json:"type"` // always "push"
	Topic         string          `json:"topic"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"` // Unix milliseconds
	Subscriptions []string        `json:"subscriptions"`
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

func errorFrame(code, message string, retryAfter time.Duration) []byte {
	payload := ErrorPayload{Code: code, Message: message}
	if retryAfter > 0 {
		seconds := int(retryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		payload.RetryAfter = seconds
	}
	data, _ := encodeFrame(FrameError, payload)
	return data
}
