// Package connpool owns the set of live WebSocket connections, their
// lifecycle, heartbeats, and per-connection sends. Everything else in the
// control plane references connections by id through this package.
package connpool

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/health"
	"github.com/c360/seatstream/metric"
)

// Config holds pool tunables.
type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SingleSession     bool // a later auth for the same user evicts the prior connection
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    1024,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		WriteTimeout:      10 * time.Second,
		SingleSession:     true,
	}
}

// Pool manages live connections. Construct with NewPool, wire collaborators,
// then Start before serving.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *poolMetrics

	upgrader websocket.Upgrader
	verifier AuthVerifier
	admitter Admitter
	subs     SubscriptionHandler

	connsMu      sync.RWMutex
	conns        map[string]*Connection
	userConns    map[string]map[string]struct{} // userID -> set of connIDs
	pendingSlots int                            // accepts reserved but not yet upgraded

	frameCount atomic.Int64
	errorCount atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.With("component", "pool")
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Pool) {
		p.metrics = newPoolMetrics(registry)
	}
}

// WithVerifier sets the auth token verifier. Without one every auth frame
// fails with auth_failed.
func WithVerifier(verifier AuthVerifier) Option {
	return func(p *Pool) {
		p.verifier = verifier
	}
}

// WithAdmitter sets the rate governor consulted before frame processing.
func WithAdmitter(admitter Admitter) Option {
	return func(p *Pool) {
		p.admitter = admitter
	}
}

// NewPool builds a pool.
func NewPool(cfg Config, opts ...Option) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	p := &Pool{
		cfg:    cfg,
		logger: slog.Default().With("component", "pool"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetSubscriptionHandler wires the router. Called once during assembly,
// before Start.
func (p *Pool) SetSubscriptionHandler(subs SubscriptionHandler) {
	p.subs = subs
}

// Start launches the heartbeat loop.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.ErrAlreadyStarted
	}
	p.shutdown = make(chan struct{})
	p.started = true
	p.startTime = time.Now()

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	p.logger.Info("connection pool started", "max_connections", p.cfg.MaxConnections)
	return nil
}

// Stop closes every connection and waits for goroutines, up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return nil
	}
	close(p.shutdown)

	p.connsMu.RLock()
	open := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		open = append(open, c)
	}
	p.connsMu.RUnlock()
	for _, c := range open {
		p.closeConnection(c, ReasonShutdown)
	}

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		p.logger.Warn("pool stop timed out waiting for goroutines")
	}

	p.started = false
	p.logger.Info("connection pool stopped")
	return nil
}

// ServeHTTP accepts a WebSocket upgrade. Beyond the connection cap the
// request is rejected with 503 before the upgrade is attempted.
func (p *Pool) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.reserveSlot() {
		p.metrics.recordReject("capacity")
		p.logger.Warn("connection rejected at capacity", "remote", r.RemoteAddr)
		http.Error(w, errors.ErrCapacityExceeded.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.releaseSlot()
		p.metrics.recordReject("upgrade")
		p.errorCount.Add(1)
		return
	}

	c := newConnection(uuid.New().String(), conn)
	p.connsMu.Lock()
	p.pendingSlots--
	p.conns[c.id] = c
	count := len(p.conns)
	p.connsMu.Unlock()

	p.metrics.recordAccept()
	p.metrics.setConnected(count)
	p.logger.Debug("connection accepted", "conn_id", c.id, "remote", r.RemoteAddr)

	// The request context is canceled as soon as ServeHTTP returns on a
	// hijacked connection; the read loop must outlive it.
	p.wg.Add(1)
	go p.handleConnection(context.WithoutCancel(r.Context()), c)
}

// reserveSlot claims a connection slot under the cap. The slot is held by a
// placeholder until the upgrade resolves so a concurrent accept storm cannot
// overshoot the cap.
func (p *Pool) reserveSlot() bool {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	if len(p.conns)+p.pendingSlots >= p.cfg.MaxConnections {
		return false
	}
	p.pendingSlots++
	return true
}

func (p *Pool) releaseSlot() {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if p.pendingSlots > 0 {
		p.pendingSlots--
	}
}

// handleConnection is the per-connection read loop.
func (p *Pool) handleConnection(ctx context.Context, c *Connection) {
	defer p.wg.Done()
	defer p.closeConnection(c, ReasonTransport)

	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(p.cfg.HeartbeatTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.messagesIn.Add(1)
		p.frameCount.Add(1)

		p.handleFrame(ctx, c, data)
	}
}

// handleFrame runs one inbound frame through rate limiting, the auth gate,
// and type dispatch. Recoverable failures are echoed as error frames; the
// connection stays open.
func (p *Pool) handleFrame(ctx context.Context, c *Connection, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		p.metrics.recordError("malformed_frame")
		p.reportViolation(c)
		p.recordOutcome(c, "malformed", true)
		p.sendFrame(c, errorFrame(CodeMalformed, "frame could not be parsed", 0))
		return
	}
	p.metrics.recordFrameIn(frame.Type)

	if p.admitter != nil {
		decision := p.admitter.Check(ctx, p.identifier(c), frame.Type)
		if !decision.Allowed {
			p.sendFrame(c, errorFrame(CodeRateLimited, "rate limit exceeded", decision.RetryAfter))
			return
		}
	}

	if !c.Authenticated() {
		switch frame.Type {
		case FrameAuth, FramePing, FramePong:
		default:
			p.recordOutcome(c, frame.Type, true)
			p.sendFrame(c, errorFrame(CodeAuthRequired, "authenticate before sending "+frame.Type, 0))
			return
		}
	}

	switch frame.Type {
	case FrameAuth:
		p.handleAuth(ctx, c, frame.Payload)
	case FramePing:
		pong, _ := encodeFrame(FramePong, nil)
		p.sendFrame(c, pong)
	case FramePong:
		// lastActivity already touched by the read loop
	case FrameSubscribe:
		p.handleSubscribe(c, frame.Payload)
	case FrameUnsubscribe:
		p.handleUnsubscribe(c, frame.Payload)
	default:
		p.metrics.recordError("unknown_frame")
		p.reportViolation(c)
		p.recordOutcome(c, frame.Type, true)
		p.sendFrame(c, errorFrame(CodeUnknownType, "unknown frame type "+frame.Type, 0))
	}
}

// handleAuth runs the one-time handshake. Failure leaves the connection
// open and unauthenticated.
func (p *Pool) handleAuth(ctx context.Context, c *Connection, payload json.RawMessage) {
	var auth AuthPayload
	if err := json.Unmarshal(payload, &auth); err != nil || auth.Token == "" {
		p.metrics.recordAuth(false)
		p.sendFrame(c, errorFrame(CodeAuthFailed, "auth payload requires a token", 0))
		return
	}

	c.setState(StateAuthenticating)

	if p.verifier == nil {
		c.setState(StateOpen)
		p.metrics.recordAuth(false)
		p.sendFrame(c, errorFrame(CodeAuthFailed, "authentication is not configured", 0))
		return
	}

	creds, err := p.verifier.Verify(ctx, auth.Token)
	if err != nil {
		c.setState(StateOpen)
		p.metrics.recordAuth(false)
		p.errorCount.Add(1)
		p.recordOutcome(c, FrameAuth, true)
		p.logger.Debug("auth failed", "conn_id", c.id, "error", err)
		p.sendFrame(c, errorFrame(CodeAuthFailed, "token rejected", 0))
		return
	}

	p.bindUser(c, creds.UserID)
	c.creds.Store(creds)
	c.setState(StateAuthenticated)
	p.metrics.recordAuth(true)
	p.logger.Info("connection authenticated", "conn_id", c.id, "user_id", creds.UserID)

	reply, _ := encodeFrame(FrameAuthSuccess, AuthSuccessPayload{
		UserID: creds.UserID,
		Scope:  creds.Scope,
	})
	p.sendFrame(c, reply)
}

// bindUser records the userID -> connection index. Under the single-session
// policy any prior connection for the user is evicted as superseded.
func (p *Pool) bindUser(c *Connection, userID string) {
	var evict []*Connection

	p.connsMu.Lock()
	if p.cfg.SingleSession {
		for id := range p.userConns[userID] {
			if id == c.id {
				continue
			}
			if prior, ok := p.conns[id]; ok {
				evict = append(evict, prior)
			}
		}
	}
	set, ok := p.userConns[userID]
	if !ok {
		set = make(map[string]struct{})
		p.userConns[userID] = set
	}
	set[c.id] = struct{}{}
	p.connsMu.Unlock()

	c.userID.Store(userID)

	for _, prior := range evict {
		p.logger.Info("prior session superseded", "user_id", userID, "conn_id", prior.id)
		p.closeConnection(prior, ReasonSuperseded)
	}
}

func (p *Pool) handleSubscribe(c *Connection, payload json.RawMessage) {
	var req SubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Topics) == 0 {
		p.sendFrame(c, errorFrame(CodeMalformed, "subscribe payload requires topics", 0))
		return
	}
	if p.subs == nil {
		p.sendFrame(c, errorFrame(CodeSubscribeError, "subscriptions are not available", 0))
		return
	}
	if p.verifier != nil && !p.verifier.HasPermission(c.Credentials(), ScopeSubscribe) {
		p.sendFrame(c, errorFrame(CodeForbidden, "missing "+ScopeSubscribe+" scope", 0))
		return
	}

	subID, err := p.subs.Subscribe(c.UserID(), c.id, req.Topics, req.Filters)
	if err != nil {
		p.errorCount.Add(1)
		p.recordOutcome(c, FrameSubscribe, true)
		p.sendFrame(c, errorFrame(CodeSubscribeError, err.Error(), 0))
		return
	}

	reply, _ := encodeFrame(FrameSubscribed, SubscribedPayload{
		SubscriptionID: subID,
		Topics:         req.Topics,
	})
	p.sendFrame(c, reply)
}

func (p *Pool) handleUnsubscribe(c *Connection, payload json.RawMessage) {
	var req UnsubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.SubscriptionID == "" {
		p.sendFrame(c, errorFrame(CodeMalformed, "unsubscribe payload requires subscriptionId", 0))
		return
	}
	if p.subs == nil {
		p.sendFrame(c, errorFrame(CodeNotFound, "subscriptions are not available", 0))
		return
	}

	if err := p.subs.Unsubscribe(req.SubscriptionID); err != nil {
		p.sendFrame(c, errorFrame(CodeNotFound, err.Error(), 0))
		return
	}

	reply, _ := encodeFrame(FrameUnsubscribed, UnsubscribePayload{
		SubscriptionID: req.SubscriptionID,
	})
	p.sendFrame(c, reply)
}

// identifier picks the rate-limit identity: the user once authenticated,
// the connection id before that.
func (p *Pool) identifier(c *Connection) string {
	if userID := c.UserID(); userID != "" {
		return userID
	}
	return c.id
}

func (p *Pool) reportViolation(c *Connection) {
	if p.admitter != nil {
		p.admitter.ReportViolation(p.identifier(c))
	}
}

// recordOutcome feeds frame-level errors back to the governor's suspicion
// scoring.
func (p *Pool) recordOutcome(c *Connection, route string, wasError bool) {
	if p.admitter != nil {
		p.admitter.RecordOutcome(p.identifier(c), route, wasError)
	}
}

// Send delivers one prepared frame to a connection. Transport errors close
// the connection; payload retry is the dispatcher's job, not the pool's.
func (p *Pool) Send(connID string, data []byte) error {
	p.connsMu.RLock()
	c, ok := p.conns[connID]
	p.connsMu.RUnlock()
	if !ok {
		return errors.WrapTransient(errors.ErrConnectionGone, "Pool", "Send", "send to "+connID)
	}

	if err := p.sendFrame(c, data); err != nil {
		return errors.WrapTransient(errors.ErrDeliveryFailed, "Pool", "Send", "write to "+connID)
	}
	return nil
}

// Broadcast delivers a frame to every open connection except the excluded
// ids. Returns the number of successful writes.
func (p *Pool) Broadcast(data []byte, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	p.connsMu.RLock()
	targets := make([]*Connection, 0, len(p.conns))
	for id, c := range p.conns {
		if _, excluded := skip[id]; excluded {
			continue
		}
		targets = append(targets, c)
	}
	p.connsMu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := p.sendFrame(c, data); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendToUser delivers a frame to every connection authenticated as userID.
func (p *Pool) SendToUser(userID string, data []byte) error {
	conns := p.ConnectionsForUser(userID)
	if len(conns) == 0 {
		return errors.WrapTransient(errors.ErrUnknownTarget, "Pool", "SendToUser", "resolve user "+userID)
	}

	var lastErr error
	delivered := 0
	for _, connID := range conns {
		if err := p.Send(connID, data); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}

// ConnectionsForUser returns the connection ids authenticated as userID.
func (p *Pool) ConnectionsForUser(userID string) []string {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()

	set := p.userConns[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ActiveCount returns the number of open connections.
func (p *Pool) ActiveCount() int {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()
	return len(p.conns)
}

// Close closes a connection by id. Closing an unknown or already-closed
// connection is a no-op.
func (p *Pool) Close(connID, reason string) error {
	p.connsMu.RLock()
	c, ok := p.conns[connID]
	p.connsMu.RUnlock()
	if !ok {
		return nil
	}
	p.closeConnection(c, reason)
	return nil
}

// closeConnection tears one connection down exactly once: close frame,
// transport close, index removal, subscription drop.
func (p *Pool) closeConnection(c *Connection, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.closed.Store(true)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.writeControl(websocket.CloseMessage, msg, p.cfg.WriteTimeout)
		_ = c.conn.Close()

		// An identifier with no remaining connections has no further
		// traffic to score; release its governor state.
		idle := c.id
		p.connsMu.Lock()
		delete(p.conns, c.id)
		if userID := c.UserID(); userID != "" {
			idle = ""
			if set, ok := p.userConns[userID]; ok {
				delete(set, c.id)
				if len(set) == 0 {
					delete(p.userConns, userID)
					idle = userID
				}
			}
		}
		count := len(p.conns)
		p.connsMu.Unlock()

		if idle != "" && p.admitter != nil {
			p.admitter.Forget(idle)
		}

		c.setState(StateClosed)
		p.metrics.recordClose(reason)
		p.metrics.setConnected(count)
		if reason == ReasonTransport {
			p.errorCount.Add(1)
		}
		p.logger.Debug("connection closed", "conn_id", c.id, "reason", reason)

		if p.subs != nil {
			p.subs.DropConnection(c.id)
		}
	})
}

// heartbeatLoop pings open connections and drops the ones that have gone
// quiet past the timeout.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := encodeFrame(FramePing, nil)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.sweepConnections(ping)
		}
	}
}

func (p *Pool) sweepConnections(ping []byte) {
	p.connsMu.RLock()
	open := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if !c.closed.Load() {
			open = append(open, c)
		}
	}
	p.connsMu.RUnlock()

	now := time.Now()
	for _, c := range open {
		if now.Sub(c.LastActivity()) > p.cfg.HeartbeatTimeout {
			p.metrics.recordHeartbeatDrop()
			p.logger.Info("heartbeat timeout", "conn_id", c.id,
				"last_activity", c.LastActivity())
			p.closeConnection(c, ReasonHeartbeat)
			continue
		}
		_ = p.sendFrame(c, ping)
	}
}

// sendFrame writes one frame. A failed write poisons the websocket write
// side for good, so the connection is closed rather than left to linger
// until the heartbeat sweep.
func (p *Pool) sendFrame(c *Connection, data []byte) error {
	if err := c.write(data, p.cfg.WriteTimeout); err != nil {
		p.metrics.recordError("write")
		p.closeConnection(c, ReasonTransport)
		return err
	}
	p.metrics.recordWrite(len(data))
	return nil
}

// HealthCheck summarizes pool state for the health endpoint.
func (p *Pool) HealthCheck() PoolHealth {
	active := p.ActiveCount()
	frames := p.frameCount.Load()
	errs := p.errorCount.Load()

	rate := 0.0
	if frames > 0 {
		rate = float64(errs) / float64(frames)
	}

	status := "healthy"
	if active >= p.cfg.MaxConnections {
		status = "degraded"
	}
	return PoolHealth{
		Status:      status,
		ActiveCount: active,
		MaxCount:    p.cfg.MaxConnections,
		ErrorRate:   rate,
	}
}

// Health implements the monitor Checker interface.
func (p *Pool) Health() health.Status {
	check := p.HealthCheck()
	metrics := &health.Metrics{
		Uptime:            time.Since(p.startTime),
		ErrorCount:        int(p.errorCount.Load()),
		ErrorRate:         check.ErrorRate,
		ActiveConnections: check.ActiveCount,
	}

	if check.Status == "degraded" {
		return health.NewDegraded("pool", "connection capacity reached").WithMetrics(metrics)
	}
	return health.NewHealthy("pool", "accepting connections").WithMetrics(metrics)
}
