// Package router maps topics and users to interested connections. It
// consumes storage change events, applies per-subscription field filters,
// groups matches by connection, and hands one message per connection to the
// dispatcher.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/seatstream/connpool"
	"github.com/c360/seatstream/dispatch"
	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/health"
	"github.com/c360/seatstream/metric"
	"github.com/c360/seatstream/natsclient"
)

// ChangeEvent is the storage collaborator's notification shape.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"` // insert, update, delete
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// Subscription ties a user's connection to a set of topics with optional
// compiled field filters. Owned by the Router; referenced by id elsewhere.
type Subscription struct {
	ID        string
	UserID    string
	ConnID    string
	Topics    map[string]struct{}
	Filters   []FieldFilter
	CreatedAt time.Time

	lastActivity time.Time // guarded by the router mutex
}

// Dispatcher accepts grouped outbound messages. *dispatch.Dispatcher
// satisfies it.
type Dispatcher interface {
	Enqueue(msg *dispatch.Message) (string, error)
}

// Config holds router tunables.
type Config struct {
	MaxSubscriptionsPerUser int
	SubscriptionTTL         time.Duration
	SweepInterval           time.Duration
	TableTopics             map[string]string // storage table -> topic
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionsPerUser: 32,
		SubscriptionTTL:         30 * time.Minute,
		SweepInterval:           time.Minute,
		TableTopics: map[string]string{
			"seats":       "seat_changes",
			"employees":   "employee_changes",
			"departments": "department_changes",
		},
	}
}

// Router is the subscription index and fan-out engine.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *routerMetrics

	dispatcher Dispatcher
	nats       *natsclient.Client
	subjects   string

	mu      sync.RWMutex
	subs    map[string]*Subscription
	byTopic map[string]map[string]struct{} // topic -> sub ids
	byUser  map[string]map[string]struct{}
	byConn  map[string]map[string]struct{}

	lifecycleMu sync.Mutex
	started     bool
	shutdown    chan struct{}
	done        chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "router")
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Router) {
		r.metrics = newRouterMetrics(registry)
	}
}

// WithChangeIntake subscribes the router to storage change events on the
// given NATS wildcard subject when it starts.
func WithChangeIntake(client *natsclient.Client, subjects string) Option {
	return func(r *Router) {
		r.nats = client
		r.subjects = subjects
	}
}

// NewRouter builds a router that enqueues grouped messages on dispatcher.
func NewRouter(cfg Config, dispatcher Dispatcher, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.MaxSubscriptionsPerUser <= 0 {
		cfg.MaxSubscriptionsPerUser = def.MaxSubscriptionsPerUser
	}
	if cfg.SubscriptionTTL <= 0 {
		cfg.SubscriptionTTL = def.SubscriptionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TableTopics == nil {
		cfg.TableTopics = def.TableTopics
	}

	r := &Router{
		cfg:        cfg,
		logger:     slog.Default().With("component", "router"),
		dispatcher: dispatcher,
		subs:       make(map[string]*Subscription),
		byTopic:    make(map[string]map[string]struct{}),
		byUser:     make(map[string]map[string]struct{}),
		byConn:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the TTL sweep and, when configured, the NATS change-event
// intake.
func (r *Router) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return errors.ErrAlreadyStarted
	}
	r.shutdown = make(chan struct{})
	r.done = make(chan struct{})
	r.started = true

	if r.nats != nil && r.subjects != "" {
		if err := r.nats.Subscribe(ctx, r.subjects, r.handleChangeData); err != nil {
			r.started = false
			return errors.Wrap(err, "Router", "Start", "subscribe to change events")
		}
		r.logger.Info("change event intake subscribed", "subjects", r.subjects)
	}

	go r.sweepLoop(ctx)

	r.logger.Info("router started",
		"max_subscriptions_per_user", r.cfg.MaxSubscriptionsPerUser,
		"subscription_ttl", r.cfg.SubscriptionTTL)
	return nil
}

// Stop halts the sweep loop. Safe to call more than once.
func (r *Router) Stop() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.started {
		return nil
	}
	close(r.shutdown)
	<-r.done
	r.started = false

	r.logger.Info("router stopped")
	return nil
}

// Subscribe registers a connection's interest in topics. Exceeding the
// per-user cap fails the call rather than evicting an older subscription.
func (r *Router) Subscribe(userID, connID string, topics []string, rawFilters map[string]json.RawMessage) (string, error) {
	if len(topics) == 0 {
		return "", errors.WrapInvalid(errors.ErrUnknownTopic, "Router", "Subscribe", "subscribe with no topics")
	}

	filters, err := CompileFilters(rawFilters)
	if err != nil {
		return "", err
	}

	sub := &Subscription{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnID:       connID,
		Topics:       make(map[string]struct{}, len(topics)),
		Filters:      filters,
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
	}
	for _, topic := range topics {
		sub.Topics[topic] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byUser[userID]) >= r.cfg.MaxSubscriptionsPerUser {
		r.metrics.recordSubscribeRejected()
		return "", errors.WrapInvalid(errors.ErrSubscriptionCap, "Router", "Subscribe",
			"subscribe for user "+userID)
	}

	r.subs[sub.ID] = sub
	for topic := range sub.Topics {
		addIndex(r.byTopic, topic, sub.ID)
	}
	addIndex(r.byUser, userID, sub.ID)
	addIndex(r.byConn, connID, sub.ID)

	r.metrics.setSubscriptions(len(r.subs))
	r.logger.Debug("subscription created",
		"sub_id", sub.ID, "user_id", userID, "conn_id", connID, "topics", topics)
	return sub.ID, nil
}

// Unsubscribe removes one subscription by id.
func (r *Router) Unsubscribe(subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[subscriptionID]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownTarget, "Router", "Unsubscribe",
			"unsubscribe "+subscriptionID)
	}
	r.removeLocked(sub)
	return nil
}

// DropConnection removes every subscription owned by a closed connection.
func (r *Router) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subID := range r.byConn[connID] {
		if sub, ok := r.subs[subID]; ok {
			r.removeLocked(sub)
		}
	}
}

// removeLocked unlinks a subscription from every index. Caller holds the
// write lock.
func (r *Router) removeLocked(sub *Subscription) {
	delete(r.subs, sub.ID)
	for topic := range sub.Topics {
		dropIndex(r.byTopic, topic, sub.ID)
	}
	dropIndex(r.byUser, sub.UserID, sub.ID)
	dropIndex(r.byConn, sub.ConnID, sub.ID)

	r.metrics.setSubscriptions(len(r.subs))
	r.logger.Debug("subscription removed", "sub_id", sub.ID, "conn_id", sub.ConnID)
}

// Publish fans an event out to the topic's subscribers. Matches are grouped
// by connection so a connection holding several matching subscriptions gets
// exactly one message. Returns the number of messages enqueued.
func (r *Router) Publish(topic string, event ChangeEvent) int {
	payload := decodePayload(event.Data)

	type connMatch struct {
		subIDs []string
	}

	r.mu.Lock()
	matches := make(map[string]*connMatch)
	now := time.Now()
	for subID := range r.byTopic[topic] {
		sub, ok := r.subs[subID]
		if !ok {
			continue
		}
		if !Matches(sub.Filters, payload) {
			r.metrics.recordFiltered(topic)
			continue
		}
		sub.lastActivity = now
		m, ok := matches[sub.ConnID]
		if !ok {
			m = &connMatch{}
			matches[sub.ConnID] = m
		}
		m.subIDs = append(m.subIDs, subID)
	}
	r.mu.Unlock()

	enqueued := 0
	for connID, m := range matches {
		envelope := connpool.PushEnvelope{
			Type:          connpool.FramePush,
			Topic:         topic,
			Event:         event.Operation,
			Data:          event.Data,
			Timestamp:     event.Timestamp,
			Subscriptions: m.subIDs,
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			r.metrics.recordPublishError()
			continue
		}

		msg := dispatch.NewMessage(connpool.FramePush, dispatch.PriorityNormal,
			dispatch.Target{Kind: dispatch.TargetConnections, IDs: []string{connID}}, data)
		if _, err := r.dispatcher.Enqueue(msg); err != nil {
			r.metrics.recordPublishError()
			r.logger.Warn("enqueue failed", "conn_id", connID, "topic", topic, "error", err)
			continue
		}
		enqueued++
	}

	r.metrics.recordPublish(topic, enqueued)
	return enqueued
}

// PublishToUser pushes an event directly to every connection a user holds,
// bypassing topic subscriptions.
func (r *Router) PublishToUser(userID string, event ChangeEvent) error {
	topic := r.cfg.TableTopics[event.Table]
	if topic == "" {
		topic = event.Table
	}

	envelope := connpool.PushEnvelope{
		Type:      connpool.FramePush,
		Topic:     topic,
		Event:     event.Operation,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.WrapInvalid(err, "Router", "PublishToUser", "encode envelope")
	}

	msg := dispatch.NewMessage(connpool.FramePush, dispatch.PriorityHigh,
		dispatch.Target{Kind: dispatch.TargetUsers, IDs: []string{userID}}, data)
	if _, err := r.dispatcher.Enqueue(msg); err != nil {
		return errors.Wrap(err, "Router", "PublishToUser", "enqueue for user "+userID)
	}
	return nil
}

// SubscriptionCount returns the number of live subscriptions.
func (r *Router) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Health implements the monitor Checker interface.
func (r *Router) Health() health.Status {
	count := r.SubscriptionCount()
	return health.NewHealthy("router", "routing subscriptions").
		WithMetrics(&health.Metrics{ActiveConnections: count})
}

// handleChangeData decodes one storage change event off NATS and publishes
// it to the table's mapped topic. Unknown tables are counted and dropped.
func (r *Router) handleChangeData(_ context.Context, data []byte) {
	var event ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		r.metrics.recordIntakeError("decode")
		r.logger.Warn("undecodable change event", "error", err)
		return
	}

	topic, ok := r.cfg.TableTopics[event.Table]
	if !ok {
		r.metrics.recordIntakeError("unknown_table")
		r.logger.Debug("change event for unmapped table", "table", event.Table)
		return
	}
	r.Publish(topic, event)
}

// sweepLoop purges subscriptions idle past the TTL.
func (r *Router) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Router) sweep() {
	cutoff := time.Now().Add(-r.cfg.SubscriptionTTL)

	r.mu.Lock()
	var expired []*Subscription
	for _, sub := range r.subs {
		if sub.lastActivity.Before(cutoff) {
			expired = append(expired, sub)
		}
	}
	for _, sub := range expired {
		r.removeLocked(sub)
		r.metrics.recordExpired()
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		r.logger.Info("idle subscriptions purged", "count", len(expired))
	}
}

func decodePayload(data json.RawMessage) map[string]any {
	payload := make(map[string]any)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}
	return payload
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
