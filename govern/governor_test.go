package govern

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/seatstream/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingStore simulates an unreachable KV bucket.
type failingStore struct{}

func (failingStore) Load(context.Context, string) ([]time.Time, error) {
	return nil, errors.WrapTransient(errors.ErrStoreUnavailable, "failingStore", "Load", "load")
}

func (failingStore) Save(context.Context, string, []time.Time) error {
	return errors.WrapTransient(errors.ErrStoreUnavailable, "failingStore", "Save", "save")
}

func (failingStore) Remove(context.Context, string) error {
	return errors.WrapTransient(errors.ErrStoreUnavailable, "failingStore", "Remove", "remove")
}

func burstRule() []Rule {
	return []Rule{{
		Name:        "burst",
		Pattern:     "*",
		Window:      time.Second,
		MaxRequests: 5,
		Priority:    10,
	}}
}

func TestSlidingWindowAllowsThenRejects(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := g.Check(ctx, "client-1", "subscribe")
		require.True(t, d.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 4-i, d.Remaining)
		clock.Advance(50 * time.Millisecond)
	}

	d := g.Check(ctx, "client-1", "subscribe")
	require.False(t, d.Allowed)
	assert.Equal(t, "burst", d.Rule)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Once the window slides past the oldest hit the client is admitted again.
	clock.Advance(2 * time.Second)
	d = g.Check(ctx, "client-1", "subscribe")
	assert.True(t, d.Allowed)
}

func TestWhitelistAlwaysPasses(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(),
		WithClock(clock.Now),
		WithWhitelist([]string{"admin"}))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d := g.Check(ctx, "admin", "subscribe")
		require.True(t, d.Allowed)
		assert.Equal(t, -1, d.Remaining)
	}
}

func TestStaticBlacklistAlwaysRejects(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(),
		WithClock(clock.Now),
		WithBlacklist([]string{"banned"}))

	d := g.Check(context.Background(), "banned", "subscribe")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestUnmatchedRoutePasses(t *testing.T) {
	clock := newFakeClock()
	rules := []Rule{{
		Name:        "subscribes",
		Pattern:     "subscribe",
		Window:      time.Second,
		MaxRequests: 1,
		Priority:    10,
	}}
	g := NewGovernor(rules, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := g.Check(ctx, "client-1", "ping")
		require.True(t, d.Allowed)
		assert.Empty(t, d.Rule)
	}
}

func TestLowestPriorityRuleWins(t *testing.T) {
	clock := newFakeClock()
	rules := []Rule{
		{Name: "catchall", Pattern: "*", Window: time.Minute, MaxRequests: 100, Priority: 100},
		{Name: "strict", Pattern: "auth", Window: time.Minute, MaxRequests: 3, Priority: 1},
	}
	g := NewGovernor(rules, WithClock(clock.Now))

	d := g.Check(context.Background(), "client-1", "auth")
	require.True(t, d.Allowed)
	assert.Equal(t, "strict", d.Rule)
}

func TestAutoBlacklistAfterRepeatedViolations(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(),
		WithClock(clock.Now),
		WithViolationPolicy(10, time.Hour, 15*time.Minute))
	ctx := context.Background()

	// Exhaust the window, then keep hammering to pile up violations.
	for i := 0; i < 5; i++ {
		g.Check(ctx, "abuser", "subscribe")
	}
	for i := 0; i < 11; i++ {
		d := g.Check(ctx, "abuser", "subscribe")
		require.False(t, d.Allowed)
	}

	// Blacklisted now, regardless of window state.
	clock.Advance(5 * time.Second)
	d := g.Check(ctx, "abuser", "subscribe")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Other identifiers are unaffected.
	d = g.Check(ctx, "bystander", "subscribe")
	assert.True(t, d.Allowed)

	// The blacklist is time-boxed.
	clock.Advance(16 * time.Minute)
	d = g.Check(ctx, "abuser", "subscribe")
	assert.True(t, d.Allowed)
}

func TestReportedViolationsCountTowardBlacklist(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(),
		WithClock(clock.Now),
		WithViolationPolicy(3, time.Hour, time.Minute))

	for i := 0; i < 4; i++ {
		g.ReportViolation("malformed-sender")
	}

	d := g.Check(context.Background(), "malformed-sender", "subscribe")
	assert.False(t, d.Allowed)
}

func TestStoreFailureDegradesButStillDecides(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(burstRule(),
		WithClock(clock.Now),
		WithStore(failingStore{}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := g.Check(ctx, "client-1", "subscribe")
		require.True(t, d.Allowed)
	}
	d := g.Check(ctx, "client-1", "subscribe")
	assert.False(t, d.Allowed)
	assert.True(t, g.Degraded())

	status := g.Health()
	assert.True(t, status.IsDegraded())
}

func TestBorderlineCountConsultsStore(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryWindowStore()
	ctx := context.Background()

	// A peer instance already recorded three hits for this client.
	now := clock.Now()
	peerHits := []time.Time{
		now.Add(-300 * time.Millisecond),
		now.Add(-200 * time.Millisecond),
		now.Add(-100 * time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, "client-1|burst", peerHits))

	g := NewGovernor(burstRule(), WithClock(clock.Now), WithStore(store))

	// Local mirror starts from the persisted hits, so only two more pass.
	d := g.Check(ctx, "client-1", "subscribe")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d = g.Check(ctx, "client-1", "subscribe")
	require.True(t, d.Allowed)

	d = g.Check(ctx, "client-1", "subscribe")
	assert.False(t, d.Allowed)
}

func TestStorePersistsAcrossGovernors(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryWindowStore()
	ctx := context.Background()

	g1 := NewGovernor(burstRule(), WithClock(clock.Now), WithStore(store))
	for i := 0; i < 5; i++ {
		require.True(t, g1.Check(ctx, "client-1", "subscribe").Allowed)
	}

	// A fresh instance sees the persisted counts and rejects immediately.
	g2 := NewGovernor(burstRule(), WithClock(clock.Now), WithStore(store))
	d := g2.Check(ctx, "client-1", "subscribe")
	assert.False(t, d.Allowed)
}

func TestCheckIsConcurrencySafe(t *testing.T) {
	g := NewGovernor([]Rule{{
		Name:        "wide",
		Pattern:     "*",
		Window:      time.Minute,
		MaxRequests: 1000,
		Priority:    10,
	}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids := []string{"a", "b", "c", "d"}
			for j := 0; j < 100; j++ {
				g.Check(ctx, ids[(n+j)%len(ids)], "subscribe")
			}
		}(i)
	}
	wg.Wait()
}

// recordingPolicy captures the signals and forget calls it receives.
type recordingPolicy struct {
	mu      sync.Mutex
	signals []Signals
	forgot  []string
}

func (p *recordingPolicy) Observe(s Signals) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, s)
}

func (p *recordingPolicy) Score(string) float64 { return 0 }

func (p *recordingPolicy) Thresholds() (low, high float64) { return 0.3, 0.7 }

func (p *recordingPolicy) Forget(identifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgot = append(p.forgot, identifier)
}

func TestRecordOutcomeAndForgetReachPolicy(t *testing.T) {
	policy := &recordingPolicy{}
	g := NewGovernor(burstRule(), WithScorePolicy(policy))
	ctx := context.Background()

	g.Check(ctx, "client-1", "subscribe")
	g.RecordOutcome("client-1", "subscribe", true)

	policy.mu.Lock()
	require.Len(t, policy.signals, 2)
	assert.False(t, policy.signals[0].WasError)
	assert.True(t, policy.signals[1].WasError)
	policy.mu.Unlock()

	g.Forget("client-1")
	policy.mu.Lock()
	assert.Equal(t, []string{"client-1"}, policy.forgot)
	policy.mu.Unlock()
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	const limit = 50
	g := NewGovernor([]Rule{{
		Name:        "strict",
		Pattern:     "*",
		Window:      time.Minute,
		MaxRequests: limit,
		Priority:    10,
	}})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if g.Check(ctx, "client-1", "subscribe").Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// Exactly the limit: two racing checks must never both take the last
	// slot.
	assert.Equal(t, int64(limit), allowed.Load())
}

func TestLifecycle(t *testing.T) {
	g := NewGovernor(burstRule())
	ctx := context.Background()

	require.NoError(t, g.Start(ctx))
	assert.ErrorIs(t, g.Start(ctx), errors.ErrAlreadyStarted)
	require.NoError(t, g.Stop())
	assert.NoError(t, g.Stop())
}
