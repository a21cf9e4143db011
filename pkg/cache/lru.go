package cache

import (
	"container/list"
	"sync"
)

// lruEntry represents an entry in the LRU cache.
type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache is a thread-safe least-recently-used cache. It evicts the least
// recently accessed entries once maxSize is exceeded.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	stats   *Statistics
	evictFn EvictCallback[V]
}

// NewLRU creates a size-bounded cache with least-recently-used eviction.
func NewLRU[V any](maxSize int, options ...Option[V]) Cache[V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	opts := applyOptions(options...)
	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		evictFn: opts.evictCallback,
	}
}

// Get retrieves a value by key and marks it as recently used.
func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.stats.Miss()
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.Hit()
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Set()

	if element, exists := c.items[key]; exists {
		c.order.MoveToFront(element)
		element.Value.(*lruEntry[V]).value = value
		return false, nil
	}

	element := c.order.PushFront(&lruEntry[V]{key: key, value: value})
	c.items[key] = element

	if c.order.Len() > c.maxSize {
		c.evictOldest()
	}

	c.stats.UpdateSize(int64(len(c.items)))
	return true, nil
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *lruCache[V]) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry[V])
	c.order.Remove(oldest)
	delete(c.items, entry.key)
	c.stats.Eviction()

	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}

// Delete removes an entry by key.
func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return false, nil
	}

	c.order.Remove(element)
	delete(c.items, key)
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	return true, nil
}

// Clear removes all entries.
func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.stats.UpdateSize(0)
	return nil
}

// Size returns the current number of entries.
func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys, most recently used first.
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns the statistics tracker.
func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

// Close is a no-op for LRU caches; there are no background resources.
func (c *lruCache[V]) Close() error {
	return nil
}
