// Package cache holds recently computed query results in memory with a
// bounded size and per-entry expiry.
package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults applied when Config leaves a field at zero.
const (
	DefaultCapacity = 50
	DefaultTTL      = 5 * time.Minute
)

// Config configures a QueryCache.
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats reports cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

// QueryCache is an LRU cache with per-entry TTL. Expired entries count as
// misses and are dropped when touched. It never returns errors.
type QueryCache struct {
	mu         sync.Mutex
	items      *lru.Cache[string, entry]
	defaultTTL time.Duration
	now        func() time.Time
	hits       uint64
	misses     uint64
}

// New creates a QueryCache.
func New(cfg Config) *QueryCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	// lru.New only fails for a non-positive size.
	items, _ := lru.New[string, entry](cfg.Capacity)
	return &QueryCache{
		items:      items,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
	}
}

// Key builds the conventional "<kind>:<shape>" key so that InvalidatePrefix
// on a kind drops every result derived from it.
func Key(kind, shape string) string {
	return kind + ":" + shape
}

func (c *QueryCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

func (c *QueryCache) set(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key, entry{value: v, expiresAt: c.now().Add(ttl)})
}

// Get returns the live value stored under key. A value of a different type is
// reported as a miss.
func Get[T any](c *QueryCache, key string) (T, bool) {
	var zero T
	v, ok := c.get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Set stores v under key for ttl (the default TTL when ttl <= 0), evicting the
// least recently used entry when full.
func Set[T any](c *QueryCache, key string, v T, ttl time.Duration) {
	c.set(key, v, ttl)
}

// Invalidate drops key.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// InvalidatePrefix drops every key starting with prefix and returns how many
// were removed.
func (c *QueryCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.items.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.items.Remove(k)
			n++
		}
	}
	return n
}

// PurgeExpired removes expired entries without touching recency.
func (c *QueryCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, k := range c.items.Keys() {
		e, ok := c.items.Peek(k)
		if ok && !now.Before(e.expiresAt) {
			c.items.Remove(k)
			n++
		}
	}
	return n
}

// Clear empties the cache and resets its counters.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
	c.hits, c.misses = 0, 0
}

// Stats returns a snapshot of size and hit counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Size: c.items.Len(), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
