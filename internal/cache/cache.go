// Package cache provides a generic TTL-bounded in-memory store with LRU
// eviction, modeled on the original Python service's TTLCache but expressed
// with Go generics and a plain sync.Mutex in place of Python's Lock.
package cache

import (
	"sort"
	"sync"
	"time"
)

// entry is the internal wrapper kept per key.
type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
	hits      int
}

func (e *entry[V]) isExpired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.createdAt.Add(e.ttl))
}

// Stats is a point-in-time snapshot of cache activity counters.
type Stats struct {
	Hits         int64
	Misses       int64
	Evictions    int64
	TotalEntries int
}

// HitRate returns hits / (hits+misses), or 0 when there has been no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a generic, thread-safe, TTL+LRU bounded key-value store.
type Cache[V any] struct {
	mu              sync.Mutex
	entries         map[string]*entry[V]
	defaultTTL      time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	lastCleanup     time.Time

	hits      int64
	misses    int64
	evictions int64
}

// Option configures a Cache at construction time.
type Option[V any] func(*Cache[V])

// WithMaxEntries sets the LRU eviction ceiling. Zero means unbounded.
func WithMaxEntries[V any](n int) Option[V] {
	return func(c *Cache[V]) { c.maxEntries = n }
}

// WithCleanupInterval sets the minimum spacing between opportunistic expired-entry scans.
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.cleanupInterval = d }
}

// New creates a Cache with the given default TTL (used when Set/GetOrSet are
// called with ttl<=0) and options.
func New[V any](defaultTTL time.Duration, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:         make(map[string]*entry[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or false if absent or expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCleanupLocked(time.Now())

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if e.isExpired(time.Now()) {
		delete(c.entries, key)
		c.misses++
		var zero V
		return zero, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Set stores value under key with the given ttl (0 uses the cache's default).
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry[V]{value: value, createdAt: time.Now(), ttl: ttl}
	c.evictLRULocked()
}

// Factory produces a value to cache when GetOrSet misses.
type Factory[V any] func() (V, error)

// GetOrSet returns the cached value for key if present, otherwise calls
// factory (outside the lock, so unrelated keys are never blocked by slow
// factory work) and caches the result.
func (c *Cache[V]) GetOrSet(key string, ttl time.Duration, factory Factory[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}

	c.Set(key, v, ttl)
	return v, nil
}

// Delete removes key, if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Has reports whether key is present and unexpired, without affecting hit/miss counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return !e.isExpired(time.Now())
}

// Len returns the number of entries currently stored, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache's activity counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		TotalEntries: len(c.entries),
	}
}

// maybeCleanupLocked sweeps expired entries at most once per cleanupInterval.
// Caller must hold c.mu.
func (c *Cache[V]) maybeCleanupLocked(now time.Time) {
	if c.cleanupInterval <= 0 || now.Sub(c.lastCleanup) < c.cleanupInterval {
		return
	}
	c.lastCleanup = now
	for k, e := range c.entries {
		if e.isExpired(now) {
			delete(c.entries, k)
		}
	}
}

// evictLRULocked removes entries by (hits asc, created_at desc) until the
// cache is at or under maxEntries. Caller must hold c.mu.
func (c *Cache[V]) evictLRULocked() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}

	type keyed struct {
		key string
		e   *entry[V]
	}
	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{k, e})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].e.hits != all[j].e.hits {
			return all[i].e.hits < all[j].e.hits
		}
		return all[i].e.createdAt.After(all[j].e.createdAt)
	})

	toRemove := len(c.entries) - c.maxEntries
	for i := 0; i < toRemove; i++ {
		delete(c.entries, all[i].key)
		c.evictions++
	}
}
