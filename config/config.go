// Package config loads and validates the control-plane configuration. The
// config is a single JSON document with per-component sections; selected
// fields can be overridden from the environment for deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/seatstream/errors"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	NATS       NATSConfig       `json:"nats"`
	Pool       PoolConfig       `json:"pool"`
	Router     RouterConfig     `json:"router"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Governor   GovernorConfig   `json:"governor"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// ServerConfig holds the WebSocket listener settings
type ServerConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// NATSConfig holds the NATS connection settings
type NATSConfig struct {
	URL            string `json:"url"`
	ClientName     string `json:"client_name"`
	ChangeSubjects string `json:"change_subjects"` // wildcard subject for storage change events
	RateBucket     string `json:"rate_bucket"`     // KV bucket for sliding-window state
	DedupBucket    string `json:"dedup_bucket"`    // KV bucket for dedup hashes
}

// PoolConfig holds the connection pool settings
type PoolConfig struct {
	MaxConnections    int      `json:"max_connections"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	WriteTimeout      Duration `json:"write_timeout"`
	SingleSession     bool     `json:"single_session"` // evict prior connection on re-auth
}

// RouterConfig holds the subscription router settings
type RouterConfig struct {
	MaxSubscriptionsPerUser int               `json:"max_subscriptions_per_user"`
	SubscriptionTTL         Duration          `json:"subscription_ttl"`
	SweepInterval           Duration          `json:"sweep_interval"`
	TableTopics             map[string]string `json:"table_topics"` // storage table -> topic
}

// DispatcherConfig holds the batch dispatcher settings
type DispatcherConfig struct {
	MaxBatchSize  int      `json:"max_batch_size"`
	MaxQueueDepth int      `json:"max_queue_depth"`
	FlushTimeout  Duration `json:"flush_timeout"`
	DedupWindow   Duration `json:"dedup_window"`
	MaxRetries    int      `json:"max_retries"`
	RetryBaseWait Duration `json:"retry_base_wait"`
	Workers       int      `json:"workers"`

	// Groups maps group ids to member user ids for group-targeted messages.
	Groups map[string][]string `json:"groups,omitempty"`
}

// GovernorConfig holds the rate governor settings
type GovernorConfig struct {
	Rules              []RuleConfig `json:"rules"`
	Whitelist          []string     `json:"whitelist"`
	Blacklist          []string     `json:"blacklist"`
	ViolationThreshold int          `json:"violation_threshold"`
	ViolationWindow    Duration     `json:"violation_window"`
	BlacklistDuration  Duration     `json:"blacklist_duration"`
	MirrorSize         int          `json:"mirror_size"`
}

// RuleConfig describes one rate-limit rule; lower priority evaluates first.
type RuleConfig struct {
	Name        string   `json:"name"`
	Pattern     string   `json:"pattern"`
	Window      Duration `json:"window"`
	MaxRequests int      `json:"max_requests"`
	Priority    int      `json:"priority"`
}

// MetricsConfig holds metrics exposure settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Duration wraps time.Duration with JSON string encoding ("30s", "5m").
type Duration time.Duration

// UnmarshalJSON parses either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Path: "/ws",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ClientName:     "seatstream",
			ChangeSubjects: "seatstream.changes.>",
			RateBucket:     "seatstream-rate",
			DedupBucket:    "seatstream-dedup",
		},
		Pool: PoolConfig{
			MaxConnections:    1024,
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(90 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			SingleSession:     true,
		},
		Router: RouterConfig{
			MaxSubscriptionsPerUser: 32,
			SubscriptionTTL:         Duration(30 * time.Minute),
			SweepInterval:           Duration(time.Minute),
			TableTopics: map[string]string{
				"seats":       "seat_changes",
				"employees":   "employee_changes",
				"departments": "department_changes",
			},
		},
		Dispatcher: DispatcherConfig{
			MaxBatchSize:  64,
			MaxQueueDepth: 4096,
			FlushTimeout:  Duration(200 * time.Millisecond),
			DedupWindow:   Duration(5 * time.Second),
			MaxRetries:    3,
			RetryBaseWait: Duration(250 * time.Millisecond),
			Workers:       8,
		},
		Governor: GovernorConfig{
			Rules: []RuleConfig{
				{Name: "default", Pattern: "*", Window: Duration(time.Minute), MaxRequests: 300, Priority: 100},
			},
			ViolationThreshold: 10,
			ViolationWindow:    Duration(time.Hour),
			BlacklistDuration:  Duration(15 * time.Minute),
			MirrorSize:         4096,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from a JSON file, applying defaults for missing
// fields and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-sensitive fields from the environment.
func (c *Config) applyEnv() {
	if val := os.Getenv("SEATSTREAM_NATS_URL"); val != "" {
		c.NATS.URL = val
	}
	if val := os.Getenv("SEATSTREAM_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Server.Port = port
		}
	}
	if val := os.Getenv("SEATSTREAM_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
}
