package store

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is a cached store value with its absolute expiry.
type cacheEntry struct {
	value  string
	expiry time.Time
}

// localCache is a bounded read-through cache sitting in front of the shared
// store. Entries carry their own TTL so the cache can be reconfigured at
// runtime without rebuilding it; the LRU bound protects memory under key churn.
type localCache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, cacheEntry]
	max     int
	enabled bool
	ttl     time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func newLocalCache(maxEntries int, ttl time.Duration) *localCache {
	entries, _ := lru.New[string, cacheEntry](maxEntries)
	return &localCache{
		entries: entries,
		max:     maxEntries,
		enabled: true,
		ttl:     ttl,
	}
}

// get returns the cached value if present and unexpired.
func (c *localCache) get(key string) (string, bool) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()
	if !enabled {
		return "", false
	}

	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if time.Now().After(entry.expiry) {
		c.entries.Remove(key)
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return entry.value, true
}

// put stores a value with the currently configured TTL.
func (c *localCache) put(key, value string) {
	c.mu.RLock()
	enabled, ttl := c.enabled, c.ttl
	c.mu.RUnlock()
	if !enabled {
		return
	}

	c.entries.Add(key, cacheEntry{value: value, expiry: time.Now().Add(ttl)})
}

func (c *localCache) evict(key string) {
	c.entries.Remove(key)
}

// sweep removes expired entries. Called periodically; the LRU bound handles
// capacity, this handles staleness.
func (c *localCache) sweep() int {
	now := time.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && now.After(entry.expiry) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// configure applies a runtime reconfiguration. Disabling the cache clears it.
func (c *localCache) configure(enabled *bool, ttl *time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl != nil && *ttl > 0 {
		c.ttl = *ttl
	}
	if enabled != nil {
		c.enabled = *enabled
		if !*enabled {
			c.entries.Purge()
		}
	}
}

// CacheConfig is the externally visible cache configuration.
type CacheConfig struct {
	Enabled    bool          `json:"enabled"`
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"maxEntries"`
	Size       int           `json:"size"`
}

func (c *localCache) config() CacheConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheConfig{
		Enabled:    c.enabled,
		TTL:        c.ttl,
		MaxEntries: c.max,
		Size:       c.entries.Len(),
	}
}
