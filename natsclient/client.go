// Package natsclient wraps the NATS connection used by the control plane: the
// router consumes storage change events from core subjects, and the governor
// and dispatcher persist sliding-window state and dedup hashes in JetStream KV.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/seatstream/errors"
	"github.com/c360/seatstream/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

const (
	// StatusDisconnected means no connection is established
	StatusDisconnected ConnectionStatus = iota
	// StatusConnected means the connection is live
	StatusConnected
	// StatusReconnecting means the client is attempting to reconnect
	StatusReconnecting
	// StatusClosed means the client was closed and will not reconnect
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection with reconnect handling and optional
// Prometheus metrics.
type Client struct {
	url    string
	logger *slog.Logger

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	clientName    string

	metrics *metric.Metrics

	conn   *nats.Conn
	js     jetstream.JetStream
	status atomic.Value // ConnectionStatus

	subsMu sync.Mutex
	subs   []*nats.Subscription

	closed atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "natsclient"),
		maxReconnects: -1, // infinite by default
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		clientName:    "seatstream",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is currently usable.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected && c.conn != nil && c.conn.IsConnected()
}

// Connect establishes the NATS connection. Safe to call once; reconnects are
// handled by the underlying client after that.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.Wrap(errors.ErrAlreadyStopped, "Client", "Connect", "connect")
	}
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(0)
			}
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(1)
				c.metrics.NATSReconnects.Inc()
			}
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusClosed)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(0)
			}
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Connect", "create jetstream context")
	}

	c.conn = conn
	c.js = js
	c.status.Store(StatusConnected)
	if c.metrics != nil {
		c.metrics.NATSConnected.Set(1)
	}
	c.logger.Info("NATS connected", "url", c.url)

	// Honor a context cancelled during dial.
	if ctx.Err() != nil {
		c.Close()
		return errors.Wrap(ctx.Err(), "Client", "Connect", "context check")
	}

	return nil
}

// Subscribe subscribes to a subject and invokes handler for each message.
// Subscriptions live until the client is closed.
func (c *Client) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return errors.Wrap(errors.ErrNotStarted, "Client", "Subscribe", "check connection")
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return nil
}

// Publish publishes data to a subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return errors.Wrap(errors.ErrNotStarted, "Client", "Publish", "check connection")
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// KeyValueBucket returns the named KV bucket, creating it if absent.
func (c *Client) KeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.js == nil {
		return nil, errors.Wrap(errors.ErrNotStarted, "Client", "KeyValueBucket", "check jetstream")
	}

	bucket, err := c.js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = c.js.CreateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValueBucket", "create bucket "+cfg.Bucket)
	}
	return bucket, nil
}

// Close drains subscriptions and closes the connection. Idempotent.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.subsMu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.subsMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.status.Store(StatusClosed)
	if c.metrics != nil {
		c.metrics.NATSConnected.Set(0)
	}
}
