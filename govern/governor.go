// Package govern admits or rejects inbound operations per identifier and
// route before any other processing. Counting uses sliding windows with a
// fast in-memory mirror backed by an authoritative store; losing the store
// degrades the governor to memory-only operation instead of failing traffic.
package govern

import (
	"context"
	stderrors "errors"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/health"
	"github.com/c360/seatstream/metric"
	"github.com/c360/seatstream/pkg/cache"
)

const (
	defaultMirrorSize         = 4096
	defaultViolationThreshold = 10
	defaultViolationWindow    = time.Hour
	defaultBlacklistDuration  = 15 * time.Minute
	sweepInterval             = 30 * time.Second
)

// Governor is the rate-limiting front door. Construct with NewGovernor, then
// Start before serving traffic and Stop on shutdown.
type Governor struct {
	logger  *slog.Logger
	metrics *governorMetrics

	rules  []Rule // sorted by Priority ascending
	store  Store
	mirror cache.Cache[*windowState]
	policy ScorePolicy
	limits *effectiveLimits

	whitelist map[string]bool
	blacklist map[string]bool

	violationThreshold int
	violationWindow    time.Duration
	blacklistDuration  time.Duration

	mu            sync.Mutex
	violations    map[string]*windowState
	autoBlacklist map[string]time.Time // identifier -> expiry

	degraded atomic.Bool
	now      func() time.Time

	lifecycleMu sync.Mutex
	started     bool
	shutdown    chan struct{}
	done        chan struct{}
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger.With("component", "governor")
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(g *Governor) {
		g.metrics = newGovernorMetrics(registry)
	}
}

// WithStore sets the authoritative window store. Without one the governor
// runs memory-only from the start.
func WithStore(store Store) Option {
	return func(g *Governor) {
		g.store = store
	}
}

// WithScorePolicy replaces the default interval-based scoring policy.
func WithScorePolicy(policy ScorePolicy) Option {
	return func(g *Governor) {
		if policy != nil {
			g.policy = policy
		}
	}
}

// WithWhitelist sets identifiers that always pass.
func WithWhitelist(identifiers []string) Option {
	return func(g *Governor) {
		for _, id := range identifiers {
			g.whitelist[id] = true
		}
	}
}

// WithBlacklist sets identifiers that always fail.
func WithBlacklist(identifiers []string) Option {
	return func(g *Governor) {
		for _, id := range identifiers {
			g.blacklist[id] = true
		}
	}
}

// WithViolationPolicy tunes automatic blacklisting: more than threshold
// rejections inside window blacklists the identifier for duration.
func WithViolationPolicy(threshold int, window, duration time.Duration) Option {
	return func(g *Governor) {
		if threshold > 0 {
			g.violationThreshold = threshold
		}
		if window > 0 {
			g.violationWindow = window
		}
		if duration > 0 {
			g.blacklistDuration = duration
		}
	}
}

// WithMirrorSize bounds the in-memory window mirror.
func WithMirrorSize(size int) Option {
	return func(g *Governor) {
		if size > 0 {
			g.mirror = cache.NewLRU[*windowState](size)
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGovernor builds a governor over the given rules. Rules are evaluated
// lowest Priority value first; routes matching no rule pass unrestricted.
func NewGovernor(rules []Rule, opts ...Option) *Governor {
	g := &Governor{
		logger:             slog.Default().With("component", "governor"),
		rules:              make([]Rule, len(rules)),
		mirror:             cache.NewLRU[*windowState](defaultMirrorSize),
		policy:             NewIntervalPolicy(0.3, 0.7),
		limits:             newEffectiveLimits(),
		whitelist:          make(map[string]bool),
		blacklist:          make(map[string]bool),
		violationThreshold: defaultViolationThreshold,
		violationWindow:    defaultViolationWindow,
		blacklistDuration:  defaultBlacklistDuration,
		violations:         make(map[string]*windowState),
		autoBlacklist:      make(map[string]time.Time),
		now:                time.Now,
	}
	copy(g.rules, rules)
	sort.SliceStable(g.rules, func(i, j int) bool {
		return g.rules[i].Priority < g.rules[j].Priority
	})

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the background sweep that expires auto-blacklist entries
// and probes the store for recovery from degraded mode.
func (g *Governor) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started {
		return errors.ErrAlreadyStarted
	}
	g.shutdown = make(chan struct{})
	g.done = make(chan struct{})
	g.started = true

	go g.sweepLoop(ctx)

	g.logger.Info("governor started",
		"rules", len(g.rules),
		"whitelist", len(g.whitelist),
		"blacklist", len(g.blacklist))
	return nil
}

// Stop halts the background sweep. Safe to call more than once.
func (g *Governor) Stop() error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started {
		return nil
	}
	close(g.shutdown)
	<-g.done
	g.started = false

	g.logger.Info("governor stopped")
	return nil
}

// Check decides whether one request from identifier on route is admitted.
// The decision itself never returns an error: store trouble degrades the
// governor, it does not reject traffic.
func (g *Governor) Check(ctx context.Context, identifier, route string) Decision {
	now := g.now()

	g.policy.Observe(Signals{
		Identifier: identifier,
		Route:      route,
		Timestamp:  now,
	})

	if g.whitelist[identifier] {
		g.metrics.recordDecision("whitelist", true)
		return Decision{Allowed: true, Remaining: -1}
	}

	if retryAfter, blocked := g.isBlacklisted(identifier, now); blocked {
		g.metrics.recordDecision("blacklist", false)
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter,
			ResetTime:  now.Add(retryAfter),
		}
	}

	rule, matched := g.matchRule(route)
	if !matched {
		g.metrics.recordDecision("unmatched", true)
		return Decision{Allowed: true, Remaining: -1}
	}

	limit := g.adaptiveLimit(identifier, rule)
	decision := g.checkWindow(ctx, identifier, rule, limit, now)
	g.metrics.recordDecision(rule.Name, decision.Allowed)

	if !decision.Allowed {
		g.recordViolation(identifier, now)
	}
	return decision
}

// RecordOutcome feeds a request's eventual result back into the scoring
// policy. Callers invoke it when a previously admitted request errors.
func (g *Governor) RecordOutcome(identifier, route string, wasError bool) {
	g.policy.Observe(Signals{
		Identifier: identifier,
		Route:      route,
		Timestamp:  g.now(),
		WasError:   wasError,
	})
}

// Forget drops scoring history and adaptive-limit state for an identifier,
// typically when its connection closes.
func (g *Governor) Forget(identifier string) {
	if f, ok := g.policy.(interface{ Forget(string) }); ok {
		f.Forget(identifier)
	}
	g.limits.forget(identifier)
}

// Degraded reports whether the governor is running memory-only.
func (g *Governor) Degraded() bool {
	return g.degraded.Load()
}

// Health implements the monitor Checker interface.
func (g *Governor) Health() health.Status {
	g.mu.Lock()
	blacklisted := len(g.autoBlacklist)
	g.mu.Unlock()

	metrics := &health.Metrics{ActiveConnections: blacklisted}
	if g.degraded.Load() {
		return health.NewDegraded("governor", "window store unreachable, counts are memory-only").
			WithMetrics(metrics)
	}
	return health.NewHealthy("governor", "rate limiting operational").WithMetrics(metrics)
}

// matchRule returns the lowest-priority rule whose pattern matches route.
func (g *Governor) matchRule(route string) (Rule, bool) {
	for _, rule := range g.rules {
		if rule.Pattern == "*" {
			return rule, true
		}
		if ok, err := path.Match(rule.Pattern, route); err == nil && ok {
			return rule, true
		}
	}
	return Rule{}, false
}

// adaptiveLimit steps the effective limit per the policy score and returns
// the limit to enforce for this request.
func (g *Governor) adaptiveLimit(identifier string, rule Rule) int {
	score := g.policy.Score(identifier)
	low, high := g.policy.Thresholds()

	switch g.limits.adjust(identifier, rule.MaxRequests, score, low, high) {
	case -1:
		g.metrics.recordAdaptiveStep(true)
		g.logger.Debug("effective limit stepped down",
			"identifier", identifier, "rule", rule.Name, "score", score)
	case 1:
		g.metrics.recordAdaptiveStep(false)
	}
	return g.limits.current(identifier, rule.MaxRequests)
}

// checkWindow runs the sliding-window count for one (identifier, rule) pair.
func (g *Governor) checkWindow(ctx context.Context, identifier string, rule Rule, limit int, now time.Time) Decision {
	key := identifier + "|" + rule.Name
	state := g.mirrorState(ctx, key)

	count := state.count(now, rule.Window)

	// Borderline counts get confirmed against the authoritative store so a
	// peer instance's hits are not missed. Clearly-under-limit requests are
	// decided from the mirror alone.
	if count*2 >= limit && !g.degraded.Load() && g.store != nil {
		if hits, err := g.store.Load(ctx, key); err == nil {
			state.merge(hits)
			count = state.count(now, rule.Window)
			g.markHealthy()
		} else if !stderrors.Is(err, errors.ErrKeyNotFound) {
			g.markDegraded(err)
		}
	}

	count, admitted := state.tryAdmit(now, rule.Window, limit)
	if !admitted {
		reset := state.oldest().Add(rule.Window)
		retryAfter := reset.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: retryAfter,
			Rule:       rule.Name,
		}
	}

	g.persist(ctx, key, state)

	return Decision{
		Allowed:   true,
		Remaining: limit - count,
		ResetTime: state.oldest().Add(rule.Window),
		Rule:      rule.Name,
	}
}

// mirrorState returns the mirror entry for key, loading it from the store on
// a miss so counts survive restarts.
func (g *Governor) mirrorState(ctx context.Context, key string) *windowState {
	if state, ok := g.mirror.Get(key); ok {
		return state
	}

	state := newWindowState()
	if g.store != nil && !g.degraded.Load() {
		if hits, err := g.store.Load(ctx, key); err == nil {
			state.merge(hits)
		} else if !stderrors.Is(err, errors.ErrKeyNotFound) {
			g.markDegraded(err)
		}
	}
	_, _ = g.mirror.Set(key, state)
	return state
}

// persist writes the window back to the store, best effort. Failures flip
// the governor to degraded mode; the admitted decision stands either way.
func (g *Governor) persist(ctx context.Context, key string, state *windowState) {
	if g.store == nil || g.degraded.Load() {
		return
	}
	if err := g.store.Save(ctx, key, state.snapshot()); err != nil {
		g.markDegraded(err)
	}
}

func (g *Governor) markDegraded(err error) {
	g.metrics.recordStoreFailure()
	if g.degraded.CompareAndSwap(false, true) {
		g.metrics.setDegraded(true)
		g.logger.Warn("window store unreachable, degrading to memory-only counts", "error", err)
	}
}

func (g *Governor) markHealthy() {
	if g.degraded.CompareAndSwap(true, false) {
		g.metrics.setDegraded(false)
		g.logger.Info("window store reachable again, resuming authoritative counts")
	}
}

// isBlacklisted checks the static and automatic blacklists. Expired auto
// entries are removed on access.
func (g *Governor) isBlacklisted(identifier string, now time.Time) (time.Duration, bool) {
	if g.blacklist[identifier] {
		return g.blacklistDuration, true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.autoBlacklist[identifier]
	if !ok {
		return 0, false
	}
	if now.After(expiry) {
		delete(g.autoBlacklist, identifier)
		g.metrics.setBlacklisted(len(g.autoBlacklist))
		return 0, false
	}
	return expiry.Sub(now), true
}

// recordViolation counts a rejection and auto-blacklists the identifier once
// rejections exceed the threshold inside the violation window.
func (g *Governor) recordViolation(identifier string, now time.Time) {
	g.metrics.recordViolation()

	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.violations[identifier]
	if !ok {
		state = newWindowState()
		g.violations[identifier] = state
	}

	if state.record(now, g.violationWindow) > g.violationThreshold {
		if _, already := g.autoBlacklist[identifier]; !already {
			g.autoBlacklist[identifier] = now.Add(g.blacklistDuration)
			g.metrics.setBlacklisted(len(g.autoBlacklist))
			g.logger.Warn("identifier auto-blacklisted",
				"identifier", identifier,
				"until", now.Add(g.blacklistDuration))
		}
	}
}

// ReportViolation lets collaborators count offenses that never reach Check,
// such as repeated malformed frames on a connection.
func (g *Governor) ReportViolation(identifier string) {
	g.recordViolation(identifier, g.now())
}

// sweepLoop expires auto-blacklist entries, prunes idle violation state, and
// probes the store so degraded mode clears once it recovers.
func (g *Governor) sweepLoop(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Governor) sweep(ctx context.Context) {
	now := g.now()

	g.mu.Lock()
	for id, expiry := range g.autoBlacklist {
		if now.After(expiry) {
			delete(g.autoBlacklist, id)
			g.logger.Info("auto-blacklist expired", "identifier", id)
		}
	}
	g.metrics.setBlacklisted(len(g.autoBlacklist))
	for id, state := range g.violations {
		if state.count(now, g.violationWindow) == 0 {
			delete(g.violations, id)
		}
	}
	g.mu.Unlock()

	if g.store != nil && g.degraded.Load() {
		if _, err := g.store.Load(ctx, "probe"); err == nil || stderrors.Is(err, errors.ErrKeyNotFound) {
			g.markHealthy()
		}
	}
}
