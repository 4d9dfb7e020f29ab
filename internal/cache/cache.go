// Package cache provides a small in-memory cache with TTL support. The daemon uses it
// to keep readiness checks and host vitals from being recomputed on every health query.
package cache

import (
	"sync"
	"time"
)

// Entry represents a single cached item
type Entry struct {
	Value      any
	Expiration time.Time
}

// Cache is an in-memory cache with expiration. Close stops the cleanup goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time

	loadMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new cache with the specified TTL
func New(ttl time.Duration) *Cache {
	return newWithClock(ttl, time.Now)
}

func newWithClock(ttl time.Duration, now func() time.Time) *Cache {
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     now,
		stop:    make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value from the cache
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.Expiration) {
		return nil, false
	}
	return entry.Value, true
}

// Set stores a value in the cache with the cache's TTL
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// GetOrLoad returns the cached value for key, calling load to fill it when missing or
// expired. Concurrent misses share one load. Errors are returned and not cached.
func (c *Cache) GetOrLoad(key string, load func() (any, error)) (any, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load()
	if err != nil {
		return nil, err
	}
	c.Set(key, value)
	return value, nil
}

// Close stops the background cleanup. The cache stays usable.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache) cleanup() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.Expiration) {
			delete(c.entries, key)
		}
	}
}
