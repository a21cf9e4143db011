package config

import (
	"fmt"

	"github.com/c360/seatstream/errors"
)

// Validate checks the configuration for inconsistencies that would make the
// control plane misbehave at runtime. Called automatically by Load.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid(fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	if c.Server.Path == "" {
		return invalid("server path cannot be empty")
	}

	if c.NATS.URL == "" {
		return invalid("nats url cannot be empty")
	}

	if c.Pool.MaxConnections <= 0 {
		return invalid("pool max_connections must be positive")
	}
	if c.Pool.HeartbeatInterval.Std() <= 0 {
		return invalid("pool heartbeat_interval must be positive")
	}
	if c.Pool.HeartbeatTimeout.Std() <= c.Pool.HeartbeatInterval.Std() {
		return invalid("pool heartbeat_timeout must exceed heartbeat_interval")
	}

	if c.Router.MaxSubscriptionsPerUser <= 0 {
		return invalid("router max_subscriptions_per_user must be positive")
	}
	if c.Router.SubscriptionTTL.Std() <= 0 {
		return invalid("router subscription_ttl must be positive")
	}
	if len(c.Router.TableTopics) == 0 {
		return invalid("router table_topics cannot be empty")
	}

	if c.Dispatcher.MaxBatchSize <= 0 {
		return invalid("dispatcher max_batch_size must be positive")
	}
	if c.Dispatcher.MaxQueueDepth < c.Dispatcher.MaxBatchSize {
		return invalid("dispatcher max_queue_depth must be >= max_batch_size")
	}
	if c.Dispatcher.FlushTimeout.Std() <= 0 {
		return invalid("dispatcher flush_timeout must be positive")
	}
	if c.Dispatcher.MaxRetries < 0 {
		return invalid("dispatcher max_retries cannot be negative")
	}

	seen := make(map[string]bool, len(c.Governor.Rules))
	for _, rule := range c.Governor.Rules {
		if rule.Name == "" {
			return invalid("governor rule name cannot be empty")
		}
		if seen[rule.Name] {
			return invalid(fmt.Sprintf("duplicate governor rule name %q", rule.Name))
		}
		seen[rule.Name] = true
		if rule.Pattern == "" {
			return invalid(fmt.Sprintf("governor rule %q pattern cannot be empty", rule.Name))
		}
		if rule.Window.Std() <= 0 {
			return invalid(fmt.Sprintf("governor rule %q window must be positive", rule.Name))
		}
		if rule.MaxRequests <= 0 {
			return invalid(fmt.Sprintf("governor rule %q max_requests must be positive", rule.Name))
		}
	}
	if c.Governor.ViolationThreshold <= 0 {
		return invalid("governor violation_threshold must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return invalid(fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
		}
	}

	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}
