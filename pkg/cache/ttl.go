package cache

import (
	"context"
	"sync"
	"time"
)

// ttlEntry represents an entry in the TTL cache.
type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlCache is a thread-safe cache whose entries expire after a fixed TTL.
// A background goroutine sweeps expired entries; Get also checks expiry so
// stale reads never escape between sweeps.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]*ttlEntry[V]
	stats   *Statistics
	evictFn EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTTL creates a cache whose entries expire ttl after they are set. The
// cleanup goroutine runs until ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl time.Duration, options ...Option[V]) Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	opts := applyOptions(options...)

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]*ttlEntry[V]),
		stats:    NewStatistics(),
		evictFn:  opts.evictCallback,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.cleanup(ctx, opts.cleanupEvery)
	return c
}

// Get retrieves a value by key, treating expired entries as absent.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || entry.isExpired(time.Now()) {
		var zero V
		c.stats.Miss()
		return zero, false
	}

	c.stats.Hit()
	return entry.value, true
}

// Set stores a value with a fresh TTL.
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Set()
	_, existed := c.items[key]
	c.items[key] = &ttlEntry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.stats.UpdateSize(int64(len(c.items)))
	return !existed, nil
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		return false, nil
	}
	delete(c.items, key)
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	return true, nil
}

// Clear removes all entries.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*ttlEntry[V])
	c.stats.UpdateSize(0)
	return nil
}

// Size returns the number of unexpired entries.
func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, entry := range c.items {
		if !entry.isExpired(now) {
			count++
		}
	}
	return count
}

// Keys returns the keys of all unexpired entries.
func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.isExpired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns the statistics tracker.
func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine.
func (c *ttlCache[V]) Close() error {
	c.once.Do(func() {
		close(c.shutdown)
	})
	<-c.done
	return nil
}

// cleanup periodically removes expired entries.
func (c *ttlCache[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired deletes all expired entries and fires eviction callbacks.
func (c *ttlCache[V]) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	var evicted []struct {
		key   string
		value V
	}
	for key, entry := range c.items {
		if entry.isExpired(now) {
			evicted = append(evicted, struct {
				key   string
				value V
			}{key, entry.value})
			delete(c.items, key)
			c.stats.Eviction()
		}
	}
	c.stats.UpdateSize(int64(len(c.items)))
	c.mu.Unlock()

	// Callbacks run outside the lock; they may call back into the cache.
	if c.evictFn != nil {
		for _, e := range evicted {
			c.evictFn(e.key, e.value)
		}
	}
}
