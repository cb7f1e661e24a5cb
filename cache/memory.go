package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig configures a MemoryCache.
type MemoryConfig struct {
	// Capacity is the maximum number of entries held at once.
	// Default: 100
	Capacity int

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// MemoryCache is an in-memory cache implementation.
//
// Expiry is checked on read (an expired entry is deleted by the Get that
// finds it). Capacity is checked on write (inserting a new key into a full
// cache evicts the single entry with the oldest creation time).
type MemoryCache struct {
	config MemoryConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry
	seq     uint64
}

type cacheEntry struct {
	value     string
	createdAt time.Time
	ttl       time.Duration
	// seq orders entries created at the same instant.
	seq uint64
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

func (e *cacheEntry) olderThan(o *cacheEntry) bool {
	if e.createdAt.Equal(o.createdAt) {
		return e.seq < o.seq
	}
	return e.createdAt.Before(o.createdAt)
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(config MemoryConfig) *MemoryCache {
	// Apply defaults
	if config.Capacity <= 0 {
		config.Capacity = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MemoryCache{
		config:  config,
		entries: make(map[string]*cacheEntry, config.Capacity),
	}
}

// Get retrieves a value from the cache. Returns ("", false) on miss or expiry.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}

	if entry.expired(c.config.Now()) {
		// Expired - clean up lazily
		delete(c.entries, key)
		return "", false
	}

	return entry.value, true
}

// Set stores a value with the given TTL. TTL=0 means no caching.
// Overwriting an existing key refreshes its creation time.
func (c *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	// TTL=0 means don't cache
	if ttl <= 0 {
		return nil
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.Capacity {
		c.evictOldestLocked()
	}

	c.seq++
	c.entries[key] = &cacheEntry{
		value:     value,
		createdAt: c.config.Now(),
		ttl:       ttl,
		seq:       c.seq,
	}

	return nil
}

// Delete removes a value from the cache. Idempotent - no error on miss.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently stored.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the configured capacity.
func (c *MemoryCache) Capacity() int {
	return c.config.Capacity
}

func (c *MemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest *cacheEntry
	for k, e := range c.entries {
		if oldest == nil || e.olderThan(oldest) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
	}
}

// Ensure MemoryCache implements Cache
var _ Cache = (*MemoryCache)(nil)
