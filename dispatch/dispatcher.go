// Package dispatch accumulates outbound messages into priority-ordered
// batches, deduplicates and merges them, delivers through the connection
// pool with bounded retries, and dead-letters what cannot be delivered.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/health"
	"github.com/c360/seatstream/metric"
	"github.com/c360/seatstream/natsclient"
	"github.com/c360/seatstream/pkg/retry"
	"github.com/c360/seatstream/pkg/worker"
)

// Deliverer sends prepared frames. *connpool.Pool satisfies it.
type Deliverer interface {
	Send(connID string, data []byte) error
	Broadcast(data []byte, exclude ...string) int
	SendToUser(userID string, data []byte) error
	ConnectionsForUser(userID string) []string
}

// GroupResolver expands a group id into member user ids.
type GroupResolver interface {
	Resolve(groupID string) []string
}

// StaticGroups is a GroupResolver over a fixed membership map.
type StaticGroups map[string][]string

func (g StaticGroups) Resolve(groupID string) []string {
	return g[groupID]
}

// Config holds dispatcher tunables.
type Config struct {
	MaxBatchSize  int
	MaxQueueDepth int
	FlushTimeout  time.Duration
	DedupWindow   time.Duration
	MaxRetries    int
	RetryBaseWait time.Duration
	Workers       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  64,
		MaxQueueDepth: 8192,
		FlushTimeout:  100 * time.Millisecond,
		DedupWindow:   2 * time.Second,
		MaxRetries:    3,
		RetryBaseWait: 200 * time.Millisecond,
		Workers:       8,
	}
}

// Dispatcher owns the four priority queues. Construct with NewDispatcher,
// then Start before enqueueing.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *dispatcherMetrics

	deliverer Deliverer
	groups    GroupResolver

	queues  [priorityCount]*messageQueue
	delayed *delayHeap
	dedup   deduper
	dedupKV *natsclient.KVStore
	backoff retry.Config
	pool    *worker.Pool[*Message]

	deadHandler func(DeadEvent)
	flushSignal chan Priority

	lifecycleMu sync.Mutex
	started     bool
	shutdown    chan struct{}
	done        chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "dispatcher")
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		d.metrics = newDispatcherMetrics(registry)
	}
}

// WithGroupResolver sets the group membership lookup used for group
// targets. Without one, group targets resolve to nothing.
func WithGroupResolver(groups GroupResolver) Option {
	return func(d *Dispatcher) {
		if groups != nil {
			d.groups = groups
		}
	}
}

// WithDeadLetterHandler observes messages that exhaust their retry budget.
func WithDeadLetterHandler(handler func(DeadEvent)) Option {
	return func(d *Dispatcher) {
		d.deadHandler = handler
	}
}

// WithDedupStore backs the dedup window with a JetStream KV bucket so the
// window is shared across instances. The bucket's TTL should equal the
// dedup window. Store trouble degrades to the in-process window.
func WithDedupStore(kv *natsclient.KVStore) Option {
	return func(d *Dispatcher) {
		d.dedupKV = kv
	}
}

// NewDispatcher builds a dispatcher delivering through deliverer.
func NewDispatcher(cfg Config, deliverer Deliverer, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = def.RetryBaseWait
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	d := &Dispatcher{
		cfg:         cfg,
		logger:      slog.Default().With("component", "dispatcher"),
		deliverer:   deliverer,
		groups:      StaticGroups{},
		delayed:     &delayHeap{},
		flushSignal: make(chan Priority, priorityCount*4),
		backoff: retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.RetryBaseWait,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
	for i := range d.queues {
		d.queues[i] = &messageQueue{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the flush loop, the retry pump, and the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.started {
		return errors.ErrAlreadyStarted
	}

	if d.dedupKV != nil {
		d.dedup = newKVDeduper(ctx, d.dedupKV, d.cfg.DedupWindow, d.logger)
	} else {
		d.dedup = newMemoryDeduper(ctx, d.cfg.DedupWindow)
	}

	d.pool = worker.NewPool(d.cfg.Workers, d.cfg.MaxQueueDepth, d.deliver)
	if err := d.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Dispatcher", "Start", "start delivery workers")
	}

	d.shutdown = make(chan struct{})
	d.done = make(chan struct{})
	d.started = true

	go d.flushLoop(ctx)
	go d.retryPump(ctx)

	d.logger.Info("dispatcher started",
		"max_batch_size", d.cfg.MaxBatchSize,
		"flush_timeout", d.cfg.FlushTimeout,
		"workers", d.cfg.Workers)
	return nil
}

// Stop flushes what is queued and halts the loops and workers.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.started {
		return nil
	}

	d.Flush()
	close(d.shutdown)
	<-d.done

	if err := d.pool.Stop(timeout); err != nil {
		d.logger.Warn("delivery workers did not drain in time", "error", err)
	}
	d.started = false

	d.logger.Info("dispatcher stopped")
	return nil
}

// Enqueue admits a message to its priority queue. Duplicates inside the
// dedup window are dropped without error. A full queue fails fast with
// ErrQueueFull.
func (d *Dispatcher) Enqueue(msg *Message) (string, error) {
	if msg == nil || len(msg.Payload) == 0 {
		return "", errors.WrapInvalid(errors.ErrMalformedFrame, "Dispatcher", "Enqueue", "enqueue empty message")
	}
	if !msg.Priority.valid() {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Enqueue",
			"enqueue with priority "+msg.Priority.String())
	}
	if msg.Expired(time.Now()) {
		d.metrics.recordExpired()
		return "", errors.WrapInvalid(errors.ErrMessageExpired, "Dispatcher", "Enqueue", "enqueue "+msg.ID)
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = d.cfg.MaxRetries
	}

	queue := d.queues[msg.Priority]
	if queue.depth() >= d.cfg.MaxQueueDepth {
		d.metrics.recordQueueFull()
		return "", errors.WrapTransient(errors.ErrQueueFull, "Dispatcher", "Enqueue",
			"enqueue at "+msg.Priority.String())
	}

	if d.dedup != nil && d.dedup.seen(context.Background(), msg.ContentHash()) {
		d.metrics.recordDedupHit()
		return msg.ID, nil
	}

	queue.pushBack(msg)
	depth := queue.depth()
	d.metrics.recordEnqueue(msg.Priority, depth)

	if depth >= d.cfg.MaxBatchSize {
		d.signalFlush(msg.Priority)
	}
	return msg.ID, nil
}

// QueueDepth returns the number of messages waiting at a priority.
func (d *Dispatcher) QueueDepth(p Priority) int {
	if !p.valid() {
		return 0
	}
	return d.queues[p].depth()
}

// Flush drains the given priorities now, highest first. With no arguments
// every queue is flushed.
func (d *Dispatcher) Flush(priorities ...Priority) {
	if len(priorities) == 0 {
		priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	}
	for _, p := range priorities {
		if p.valid() {
			d.flushQueue(p, "manual")
		}
	}
}

func (d *Dispatcher) signalFlush(p Priority) {
	select {
	case d.flushSignal <- p:
	default:
	}
}

// flushQueue drains one priority in batch-sized chunks, merging compatible
// messages inside each chunk before handing them to the workers.
func (d *Dispatcher) flushQueue(p Priority, trigger string) {
	queue := d.queues[p]
	for {
		batch := queue.drain(d.cfg.MaxBatchSize)
		if len(batch) == 0 {
			break
		}
		d.metrics.recordFlush(trigger)

		merged := d.mergeBatch(batch)
		for i, msg := range merged {
			if err := d.pool.Submit(msg); err != nil {
				// Workers saturated; put the remainder back at the front
				// in order and let the next cycle pick it up.
				for j := len(merged) - 1; j >= i; j-- {
					queue.pushFront(merged[j])
				}
				d.metrics.setDepth(p, queue.depth())
				return
			}
		}
		d.metrics.setDepth(p, queue.depth())
	}
}

// mergeBatch combines messages with identical type, target, and priority.
// Merging is additive: payloads whose shapes do not union cleanly stay
// separate rather than losing data.
func (d *Dispatcher) mergeBatch(batch []*Message) []*Message {
	if len(batch) < 2 {
		return batch
	}

	out := make([]*Message, 0, len(batch))
	byKey := make(map[string]int)
	for _, msg := range batch {
		key := msg.mergeKey()
		if idx, ok := byKey[key]; ok {
			if merged, ok := mergePayloads(out[idx].Payload, msg.Payload); ok {
				out[idx].Payload = merged
				d.metrics.recordMerged()
				continue
			}
		}
		byKey[key] = len(out)
		out = append(out, msg)
	}
	return out
}

// mergePayloads unions two JSON payloads into one array. Arrays
// concatenate; objects collect into an array. Anything else is
// incompatible.
func mergePayloads(a, b json.RawMessage) (json.RawMessage, bool) {
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return nil, false
	}

	items, ok := collectItems(left)
	if !ok {
		return nil, false
	}
	more, ok := collectItems(right)
	if !ok {
		return nil, false
	}

	merged, err := json.Marshal(append(items, more...))
	if err != nil {
		return nil, false
	}
	return merged, true
}

func collectItems(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case map[string]any:
		return []any{x}, true
	default:
		return nil, false
	}
}

// deliver is the worker processor for one message.
func (d *Dispatcher) deliver(_ context.Context, msg *Message) error {
	if msg.Expired(time.Now()) {
		d.metrics.recordExpired()
		return nil
	}

	var failed []string
	var failedKind TargetKind

	switch msg.Target.Kind {
	case TargetBroadcast:
		d.deliverer.Broadcast(msg.Payload)

	case TargetUsers:
		failedKind = TargetUsers
		for _, userID := range msg.Target.IDs {
			if err := d.deliverer.SendToUser(userID, msg.Payload); err != nil {
				failed = append(failed, userID)
			}
		}

	case TargetGroups:
		failedKind = TargetUsers
		for _, userID := range d.expandGroups(msg.Target.IDs) {
			if err := d.deliverer.SendToUser(userID, msg.Payload); err != nil {
				failed = append(failed, userID)
			}
		}

	case TargetConnections:
		failedKind = TargetConnections
		for _, connID := range msg.Target.IDs {
			if err := d.deliverer.Send(connID, msg.Payload); err != nil {
				failed = append(failed, connID)
			}
		}

	default:
		d.logger.Warn("message with unknown target kind dropped",
			"message_id", msg.ID, "kind", msg.Target.Kind)
		return nil
	}

	if len(failed) == 0 {
		d.metrics.recordDelivery(true)
		return nil
	}

	d.metrics.recordDelivery(false)
	d.scheduleRetry(msg, failedKind, failed)
	return nil
}

// expandGroups resolves group ids to a deduplicated user id list.
func (d *Dispatcher) expandGroups(groupIDs []string) []string {
	seen := make(map[string]struct{})
	var users []string
	for _, groupID := range groupIDs {
		for _, userID := range d.groups.Resolve(groupID) {
			if _, dup := seen[userID]; dup {
				continue
			}
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	return users
}

// scheduleRetry re-queues a message for its failed targets after backoff,
// or dead-letters it once the budget is spent. Dead messages are terminal.
func (d *Dispatcher) scheduleRetry(msg *Message, kind TargetKind, failedIDs []string) {
	clone := *msg
	clone.Target = Target{Kind: kind, IDs: failedIDs}
	clone.RetryCount = msg.RetryCount + 1

	if clone.RetryCount > clone.MaxRetries {
		d.metrics.recordDead()
		d.logger.Warn("message dead-lettered",
			"message_id", clone.ID,
			"type", clone.Type,
			"retries", msg.RetryCount)
		if d.deadHandler != nil {
			d.deadHandler(DeadEvent{
				MessageID:  clone.ID,
				Type:       clone.Type,
				Target:     clone.Target,
				RetryCount: msg.RetryCount,
				Reason:     "retry budget exhausted",
				At:         time.Now(),
			})
		}
		return
	}

	delay := d.backoff.Backoff(clone.RetryCount - 1)
	d.delayed.schedule(&clone, time.Now().Add(delay))
	d.metrics.recordRetry(d.delayed.size())
	d.logger.Debug("delivery retry scheduled",
		"message_id", clone.ID,
		"attempt", clone.RetryCount,
		"delay", delay)
}

// flushLoop fires size- and timeout-triggered flushes.
func (d *Dispatcher) flushLoop(ctx context.Context) {
	defer close(d.done)

	interval := d.cfg.FlushTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := time.NewTicker(30 * time.Second)
	defer probe.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		case p := <-d.flushSignal:
			d.flushQueue(p, "size")
		case <-probe.C:
			if kv, ok := d.dedup.(*kvDeduper); ok {
				kv.probe(ctx)
			}
		case <-ticker.C:
			now := time.Now()
			for p := PriorityCritical; p <= PriorityLow; p++ {
				queue := d.queues[p]
				if queue.depth() >= d.cfg.MaxBatchSize {
					d.flushQueue(p, "size")
					continue
				}
				if oldest, ok := queue.oldest(); ok && now.Sub(oldest) >= d.cfg.FlushTimeout {
					d.flushQueue(p, "timeout")
				}
			}
		}
	}
}

// retryPump moves due retries back to the FRONT of their priority queue so
// they are attempted before newer traffic.
func (d *Dispatcher) retryPump(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := 50 * time.Millisecond
		if due, ok := d.delayed.nextDue(); ok {
			if until := time.Until(due); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			for _, msg := range d.delayed.popDue(time.Now()) {
				d.queues[msg.Priority].pushFront(msg)
				d.signalFlush(msg.Priority)
			}
			d.metrics.setDelayed(d.delayed.size())
		}
	}
}

// Health implements the monitor Checker interface.
func (d *Dispatcher) Health() health.Status {
	total := 0
	for p := PriorityCritical; p <= PriorityLow; p++ {
		depth := d.queues[p].depth()
		total += depth
		if depth >= d.cfg.MaxQueueDepth {
			return health.NewDegraded("dispatcher", p.String()+" queue at depth cap").
				WithMetrics(&health.Metrics{ActiveConnections: total})
		}
	}
	return health.NewHealthy("dispatcher", "batching and delivering").
		WithMetrics(&health.Metrics{ActiveConnections: total})
}
