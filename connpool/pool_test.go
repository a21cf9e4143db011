package connpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/govern"
)

// staticVerifier accepts tokens of the form "user:<id>".
type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, token string) (Credentials, error) {
	if id, ok := strings.CutPrefix(token, "user:"); ok {
		return Credentials{UserID: id, Scope: []string{ScopeSubscribe}}, nil
	}
	return Credentials{}, errors.ErrAuthFailed
}

func (staticVerifier) HasPermission(creds Credentials, scope string) bool {
	for _, s := range creds.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// recordingSubs records subscription calls for assertions.
type recordingSubs struct {
	mu      sync.Mutex
	dropped []string
}

func (s *recordingSubs) Subscribe(_, _ string, topics []string, _ map[string]json.RawMessage) (string, error) {
	if len(topics) == 0 {
		return "", errors.ErrInvalidFilter
	}
	return "sub-1", nil
}

func (s *recordingSubs) Unsubscribe(string) error { return nil }

func (s *recordingSubs) DropConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, connID)
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *httptest.Server) {
	t.Helper()

	opts = append([]Option{WithVerifier(staticVerifier{})}, opts...)
	pool := NewPool(cfg, opts...)
	require.NoError(t, pool.Start(context.Background()))

	server := httptest.NewServer(pool)
	t.Cleanup(func() {
		server.Close()
		_ = pool.Stop(2 * time.Second)
	})
	return pool, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()

	data, err := encodeFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == FramePing {
			continue
		}
		return frame
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()

	sendFrame(t, conn, FrameAuth, AuthPayload{Token: "user:" + userID})
	frame := readFrame(t, conn)
	require.Equal(t, FrameAuthSuccess, frame.Type)
}

func TestCapacityCapUnderAcceptStorm(t *testing.T) {
	const maxConns = 8
	pool, server := newTestPool(t, Config{MaxConnections: maxConns})

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < maxConns*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
			t.Cleanup(func() { _ = conn.Close() })
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.ActiveCount(), maxConns)
	assert.LessOrEqual(t, accepted, maxConns)
	assert.Greater(t, accepted, 0)
}

func TestAuthHandshake(t *testing.T) {
	_, server := newTestPool(t, Config{MaxConnections: 4})
	conn := dial(t, server)

	sendFrame(t, conn, FrameAuth, AuthPayload{Token: "user:alice"})
	frame := readFrame(t, conn)
	require.Equal(t, FrameAuthSuccess, frame.Type)

	var payload AuthSuccessPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "alice", payload.UserID)
	assert.Contains(t, payload.Scope, "read")
}

func TestAuthFailureLeavesConnectionOpen(t *testing.T) {
	_, server := newTestPool(t, Config{MaxConnections: 4})
	conn := dial(t, server)

	sendFrame(t, conn, FrameAuth, AuthPayload{Token: "bogus"})
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, CodeAuthFailed, payload.Code)

	// The connection survives the failure and can retry.
	sendFrame(t, conn, FrameAuth, AuthPayload{Token: "user:alice"})
	frame = readFrame(t, conn)
	assert.Equal(t, FrameAuthSuccess, frame.Type)
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	_, server := newTestPool(t, Config{MaxConnections: 4})
	conn := dial(t, server)

	sendFrame(t, conn, FrameSubscribe, SubscribePayload{Topics: []string{"seat_changes"}})
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, CodeAuthRequired, payload.Code)

	// Ping is allowed pre-auth.
	sendFrame(t, conn, FramePing, nil)
	frame = readFrame(t, conn)
	assert.Equal(t, FramePong, frame.Type)
}

func TestSupersededSessionEviction(t *testing.T) {
	pool, server := newTestPool(t, Config{MaxConnections: 4, SingleSession: true})

	first := dial(t, server)
	authenticate(t, first, "alice")

	second := dial(t, server)
	authenticate(t, second, "alice")

	// The first connection is closed with the superseded reason.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, ReasonSuperseded, closeErr.Text)
			break
		}
	}

	assert.Eventually(t, func() bool {
		return len(pool.ConnectionsForUser("alice")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMultiSessionAllowedWhenConfigured(t *testing.T) {
	pool, server := newTestPool(t, Config{MaxConnections: 4, SingleSession: false})

	first := dial(t, server)
	authenticate(t, first, "alice")
	second := dial(t, server)
	authenticate(t, second, "alice")

	assert.Len(t, pool.ConnectionsForUser("alice"), 2)
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	subs := &recordingSubs{}
	pool, server := newTestPool(t, Config{MaxConnections: 4})
	pool.SetSubscriptionHandler(subs)

	conn := dial(t, server)
	authenticate(t, conn, "alice")

	sendFrame(t, conn, FrameSubscribe, SubscribePayload{Topics: []string{"seat_changes"}})
	frame := readFrame(t, conn)
	require.Equal(t, FrameSubscribed, frame.Type)

	var sub SubscribedPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &sub))
	assert.Equal(t, "sub-1", sub.SubscriptionID)

	sendFrame(t, conn, FrameUnsubscribe, UnsubscribePayload{SubscriptionID: sub.SubscriptionID})
	frame = readFrame(t, conn)
	assert.Equal(t, FrameUnsubscribed, frame.Type)
}

// unscopedVerifier authenticates everybody but grants no permissions.
type unscopedVerifier struct{ staticVerifier }

func (unscopedVerifier) HasPermission(Credentials, string) bool { return false }

func TestSubscribeRequiresScope(t *testing.T) {
	subs := &recordingSubs{}
	pool, server := newTestPool(t, Config{MaxConnections: 4}, WithVerifier(unscopedVerifier{}))
	pool.SetSubscriptionHandler(subs)

	conn := dial(t, server)
	authenticate(t, conn, "alice")

	sendFrame(t, conn, FrameSubscribe, SubscribePayload{Topics: []string{"seat_changes"}})
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, CodeForbidden, payload.Code)
}

func TestMalformedFrameEchoesErrorWithoutClosing(t *testing.T) {
	_, server := newTestPool(t, Config{MaxConnections: 4})
	conn := dial(t, server)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, CodeMalformed, payload.Code)

	// Still usable afterwards.
	sendFrame(t, conn, FramePing, nil)
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
}

func TestMalformedFramesCountTowardViolations(t *testing.T) {
	gov := govern.NewGovernor(nil, govern.WithViolationPolicy(3, time.Hour, time.Minute))
	_, server := newTestPool(t, Config{MaxConnections: 4}, WithAdmitter(gov))

	conn := dial(t, server)
	authenticate(t, conn, "alice")

	for i := 0; i < 4; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("junk")))
		frame := readFrame(t, conn)
		require.Equal(t, FrameError, frame.Type)
	}

	// The identifier is now auto-blacklisted; well-formed frames are refused.
	sendFrame(t, conn, FramePing, nil)
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, CodeRateLimited, payload.Code)
}

func TestSendBroadcastAndClose(t *testing.T) {
	pool, server := newTestPool(t, Config{MaxConnections: 4})

	alice := dial(t, server)
	authenticate(t, alice, "alice")
	bob := dial(t, server)
	authenticate(t, bob, "bob")

	aliceConns := pool.ConnectionsForUser("alice")
	require.Len(t, aliceConns, 1)

	// Targeted send.
	push, _ := encodeFrame(FramePush, map[string]string{"hello": "alice"})
	require.NoError(t, pool.Send(aliceConns[0], push))
	assert.Equal(t, FramePush, readFrame(t, alice).Type)

	// SendToUser through the reverse index.
	require.NoError(t, pool.SendToUser("bob", push))
	assert.Equal(t, FramePush, readFrame(t, bob).Type)

	// Unknown targets fail fast.
	err := pool.SendToUser("nobody", push)
	assert.ErrorIs(t, err, errors.ErrUnknownTarget)

	// Broadcast reaches both.
	delivered := pool.Broadcast(push)
	assert.Equal(t, 2, delivered)
}

func TestCloseIsIdempotent(t *testing.T) {
	subs := &recordingSubs{}
	pool, server := newTestPool(t, Config{MaxConnections: 4})
	pool.SetSubscriptionHandler(subs)

	conn := dial(t, server)
	authenticate(t, conn, "alice")

	ids := pool.ConnectionsForUser("alice")
	require.Len(t, ids, 1)

	require.NoError(t, pool.Close(ids[0], ReasonRequested))
	require.NoError(t, pool.Close(ids[0], ReasonRequested))
	require.NoError(t, pool.Close("never-existed", ReasonRequested))

	// Subscriptions were dropped exactly once.
	subs.mu.Lock()
	defer subs.mu.Unlock()
	assert.Equal(t, []string{ids[0]}, subs.dropped)
}

// recordingAdmitter admits everything and records the feedback calls.
type recordingAdmitter struct {
	mu        sync.Mutex
	outcomes  []string // "route:wasError"
	forgotten []string
}

func (a *recordingAdmitter) Check(context.Context, string, string) govern.Decision {
	return govern.Decision{Allowed: true, Remaining: -1}
}

func (a *recordingAdmitter) ReportViolation(string) {}

func (a *recordingAdmitter) RecordOutcome(_, route string, wasError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, fmt.Sprintf("%s:%t", route, wasError))
}

func (a *recordingAdmitter) Forget(identifier string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgotten = append(a.forgotten, identifier)
}

func TestFrameErrorsFeedOutcomeScoring(t *testing.T) {
	admitter := &recordingAdmitter{}
	pool, server := newTestPool(t, Config{MaxConnections: 4}, WithAdmitter(admitter))

	conn := dial(t, server)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, FrameError, readFrame(t, conn).Type)

	sendFrame(t, conn, FrameSubscribe, SubscribePayload{Topics: []string{"seat_changes"}})
	require.Equal(t, FrameError, readFrame(t, conn).Type) // auth required

	assert.Eventually(t, func() bool {
		admitter.mu.Lock()
		defer admitter.mu.Unlock()
		return len(admitter.outcomes) == 2
	}, time.Second, 10*time.Millisecond)

	admitter.mu.Lock()
	assert.Equal(t, []string{"malformed:true", "subscribe:true"}, admitter.outcomes)
	admitter.mu.Unlock()

	// Closing the connection releases its scoring state.
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		admitter.mu.Lock()
		defer admitter.mu.Unlock()
		return len(admitter.forgotten) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_ = pool
}

func TestConnectionOutlivesAcceptRequest(t *testing.T) {
	pool, server := newTestPool(t, Config{MaxConnections: 4})
	conn := dial(t, server)

	// The upgrade's request context is long canceled by now; the
	// connection must still be registered and serving frames.
	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, pool.ActiveCount())

	sendFrame(t, conn, FramePing, nil)
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestWriteFailureClosesConnection(t *testing.T) {
	subs := &recordingSubs{}
	pool, server := newTestPool(t, Config{
		MaxConnections: 4,
		WriteTimeout:   time.Nanosecond, // every server write times out
	})
	pool.SetSubscriptionHandler(subs)

	conn := dial(t, server)
	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The pong reply fails to write, which must tear the connection down
	// rather than leave it to the heartbeat sweep.
	sendFrame(t, conn, FramePing, nil)
	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Positive(t, pool.HealthCheck().ErrorRate)
	subs.mu.Lock()
	defer subs.mu.Unlock()
	assert.Len(t, subs.dropped, 1)
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	pool, server := newTestPool(t, Config{
		MaxConnections:    4,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
	})

	conn := dial(t, server)
	authenticate(t, conn, "alice")

	// Stop reading and writing; the server should drop the connection.
	assert.Eventually(t, func() bool {
		return pool.ActiveCount() == 0
	}, 3*time.Second, 25*time.Millisecond)
	_ = conn
}

func TestHealthCheck(t *testing.T) {
	pool, server := newTestPool(t, Config{MaxConnections: 2})

	check := pool.HealthCheck()
	assert.Equal(t, "healthy", check.Status)
	assert.Zero(t, check.ActiveCount)

	dial(t, server)
	dial(t, server)
	assert.Eventually(t, func() bool {
		return pool.HealthCheck().ActiveCount == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "degraded", pool.HealthCheck().Status)

	status := pool.Health()
	assert.True(t, status.IsDegraded())
}

func TestLifecycleGuards(t *testing.T) {
	pool := NewPool(Config{MaxConnections: 4})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), errors.ErrAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	assert.NoError(t, pool.Stop(time.Second))
}
