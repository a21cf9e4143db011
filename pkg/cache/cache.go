// Package cache provides generic, thread-safe cache implementations used by
// the rate governor (identifier mirror) and the dispatcher (dedup window).
//
// Two cache types are offered:
//   - LRU: size-bounded, least-recently-used eviction
//   - TTL: time-bounded, entries expire after a fixed duration
//
// All implementations are thread-safe and collect statistics unconditionally;
// observability is not optional.
package cache

import (
	"time"

	"github.com/c360/seatstream/errors"
)

// Cache is the interface shared by all cache implementations, parameterized
// by value type V.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was
	// created, false if an existing entry was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current number of entries.
	Size() int

	// Keys returns all keys currently in the cache.
	Keys() []string

	// Stats returns the cache statistics tracker.
	Stats() *Statistics

	// Close releases background resources (cleanup goroutines).
	Close() error
}

// EvictCallback is called with the key and value of every evicted entry.
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	evictCallback EvictCallback[V]
	cleanupEvery  time.Duration
}

// WithEvictionCallback sets a callback invoked for every evicted entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithCleanupInterval overrides how often the TTL cache sweeps expired
// entries. Ignored for LRU caches and for intervals <= 0.
func WithCleanupInterval[V any](interval time.Duration) Option[V] {
	return func(opts *cacheOptions[V]) {
		if interval > 0 {
			opts.cleanupEvery = interval
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		cleanupEvery: 30 * time.Second,
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
