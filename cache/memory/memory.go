// Package memory provides an in-process cache.Cache backed by an expirable LRU.
package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/cache/internal/tracking"
)

// maxSize caps the number of entries.
const maxSize = 1 << 24

// Config configures the in-memory cache.
type Config struct {
	// Size is the maximum number of entries; least recently used entries are evicted first.
	Size int
	// TTL is the default and maximum entry lifetime. Zero means entries never expire.
	TTL time.Duration
}

// Validate performs fail-fast validation of the configuration.
func (c Config) Validate() error {
	if c.Size <= 0 || c.Size > maxSize {
		return cache.NewConfigError("memory.size", "size must be between 1 and 16777216", nil)
	}
	if c.TTL < 0 {
		return cache.NewConfigError("memory.ttl", "ttl cannot be negative", nil)
	}
	return nil
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero when the entry lives as long as the LRU allows
}

// Cache implements cache.Cache in process memory.
// A Set TTL shorter than Config.TTL is tracked per entry; longer TTLs are capped at Config.TTL.
type Cache struct {
	lru    *expirable.LRU[string, entry]
	ttl    time.Duration
	now    func() time.Time
	closed atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

var _ cache.Cache = (*Cache)(nil)

// New creates an in-memory cache.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{ttl: cfg.TTL, now: time.Now}
	c.lru = expirable.NewLRU[string, entry](cfg.Size, func(string, entry) {
		c.evictions.Add(1)
	}, cfg.TTL)
	return c, nil
}

// Get retrieves a value. Returns cache.ErrNotFound on a miss or expired entry.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}

	start := time.Now()
	e, ok := c.lru.Get(key)
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	tracking.RecordCacheOperation(ctx, tracking.SystemMemory, tracking.OpGet, time.Since(start), ok, nil)

	if !ok {
		c.misses.Add(1)
		return nil, cache.ErrNotFound
	}
	c.hits.Add(1)

	// callers own the returned slice
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value. A zero TTL uses the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	if ttl < 0 {
		return cache.ErrInvalidTTL
	}

	start := time.Now()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 && (c.ttl == 0 || ttl < c.ttl) {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	tracking.RecordCacheOperation(ctx, tracking.SystemMemory, tracking.OpSet, time.Since(start), false, nil)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	start := time.Now()
	c.lru.Remove(key)
	tracking.RecordCacheOperation(ctx, tracking.SystemMemory, tracking.OpDelete, time.Since(start), false, nil)
	return nil
}

// Health reports ErrClosed after Close, nil otherwise.
func (c *Cache) Health(_ context.Context) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}
	return nil
}

// Stats returns hit, miss and eviction counts.
func (c *Cache) Stats() (map[string]any, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}
	return map[string]any{
		"type":      tracking.SystemMemory,
		"entries":   c.lru.Len(),
		"hits":      c.hits.Load(),
		"misses":    c.misses.Load(),
		"evictions": c.evictions.Load(),
		"ttl":       c.ttl.String(),
	}, nil
}

// Close drops every entry. Later calls return cache.ErrClosed.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}
	c.lru.Purge()
	return nil
}
