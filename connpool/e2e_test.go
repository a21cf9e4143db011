package connpool_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/seatstream/connpool"
	"github.com/c360/seatstream/dispatch"
	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/router"
)

// tokenVerifier accepts "user:<id>" tokens, matching the format the unit
// tests use.
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (connpool.Credentials, error) {
	userID, ok := strings.CutPrefix(token, "user:")
	if !ok {
		return connpool.Credentials{}, errors.ErrAuthFailed
	}
	return connpool.Credentials{UserID: userID, Scope: []string{connpool.ScopeSubscribe}}, nil
}

func (tokenVerifier) HasPermission(creds connpool.Credentials, scope string) bool {
	for _, s := range creds.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// stack wires pool, dispatcher, and router the way seatstreamd does.
type stack struct {
	pool       *connpool.Pool
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	server     *httptest.Server
}

func startStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	poolCfg := connpool.DefaultConfig()
	poolCfg.HeartbeatInterval = 50 * time.Millisecond
	poolCfg.HeartbeatTimeout = 2 * time.Second

	pool := connpool.NewPool(poolCfg, connpool.WithVerifier(tokenVerifier{}))

	dispCfg := dispatch.DefaultConfig()
	dispCfg.FlushTimeout = 20 * time.Millisecond
	dispCfg.Workers = 2
	dispatcher := dispatch.NewDispatcher(dispCfg, pool)

	r := router.NewRouter(router.DefaultConfig(), dispatcher)
	pool.SetSubscriptionHandler(r)

	require.NoError(t, pool.Start(ctx))
	require.NoError(t, dispatcher.Start(ctx))
	require.NoError(t, r.Start(ctx))

	server := httptest.NewServer(pool)

	s := &stack{pool: pool, dispatcher: dispatcher, router: r, server: server}
	t.Cleanup(func() {
		server.Close()
		_ = r.Stop()
		_ = dispatcher.Stop(2 * time.Second)
		_ = pool.Stop(2 * time.Second)
	})
	return s
}

func (s *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(connpool.Frame{Type: frameType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// nextFrame reads until a non-ping frame arrives.
func nextFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) connpool.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame connpool.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == connpool.FramePing {
			writeFrame(t, conn, connpool.FramePong, nil)
			continue
		}
		return frame
	}
}

func authAndSubscribe(t *testing.T, conn *websocket.Conn, userID string, filters map[string]json.RawMessage) string {
	t.Helper()

	writeFrame(t, conn, connpool.FrameAuth, connpool.AuthPayload{Token: "user:" + userID})
	frame := nextFrame(t, conn, time.Second)
	require.Equal(t, connpool.FrameAuthSuccess, frame.Type)

	writeFrame(t, conn, connpool.FrameSubscribe, connpool.SubscribePayload{
		Topics:  []string{"seat_changes"},
		Filters: filters,
	})
	frame = nextFrame(t, conn, time.Second)
	require.Equal(t, connpool.FrameSubscribed, frame.Type)

	var ack connpool.SubscribedPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	require.NotEmpty(t, ack.SubscriptionID)
	return ack.SubscriptionID
}

func seatEvent(data string) router.ChangeEvent {
	return router.ChangeEvent{
		Table:     "seats",
		Operation: "update",
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestSubscribeThenReceivePush(t *testing.T) {
	s := startStack(t)
	conn := s.dial(t)
	subID := authAndSubscribe(t, conn, "alice", nil)

	matched := s.router.Publish("seat_changes", seatEvent(`{"seatId": "S1", "status": "occupied"}`))
	assert.Equal(t, 1, matched)

	frame := nextFrame(t, conn, 2*time.Second)
	require.Equal(t, connpool.FramePush, frame.Type)

	// The push payload is the envelope itself, not wrapped in another frame.
	var envelope connpool.PushEnvelope
	require.NoError(t, json.Unmarshal(frame.Payload, &envelope))
	assert.Equal(t, "seat_changes", envelope.Topic)
	assert.Equal(t, "update", envelope.Event)
	assert.Contains(t, envelope.Subscriptions, subID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, "S1", data["seatId"])
}

func TestFilteredSubscriptionOnlySeesMatches(t *testing.T) {
	s := startStack(t)
	conn := s.dial(t)
	authAndSubscribe(t, conn, "bob", map[string]json.RawMessage{
		"status": json.RawMessage(`"occupied"`),
	})

	assert.Equal(t, 0, s.router.Publish("seat_changes", seatEvent(`{"seatId": "S2", "status": "available"}`)))
	assert.Equal(t, 1, s.router.Publish("seat_changes", seatEvent(`{"seatId": "S3", "status": "occupied"}`)))

	frame := nextFrame(t, conn, 2*time.Second)
	require.Equal(t, connpool.FramePush, frame.Type)

	var envelope connpool.PushEnvelope
	require.NoError(t, json.Unmarshal(frame.Payload, &envelope))
	var data map[string]any
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, "S3", data["seatId"], "the non-matching event must never arrive")
}

func TestCloseCleansUpSubscriptions(t *testing.T) {
	s := startStack(t)
	conn := s.dial(t)
	authAndSubscribe(t, conn, "carol", nil)

	require.NoError(t, conn.Close())

	// The read loop notices the closed transport and drops the
	// subscription, after which publishes match nothing.
	assert.Eventually(t, func() bool {
		return s.router.Publish("seat_changes", seatEvent(`{"seatId": "S4"}`)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
