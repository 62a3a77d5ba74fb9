// Package cache provides the byte-oriented cache used in front of slow upstreams.
// Implementations live in sub-packages: cache/memory keeps entries in-process,
// cache/redis shares them across instances.
package cache

import (
	"context"
	"time"
)

// Cache defines the core interface for cache operations.
// All implementations must be thread-safe and context-aware.
//
// Example usage:
//
//	err = c.Set(ctx, "weather:10001", payload, 5*time.Minute)
//	data, err := c.Get(ctx, "weather:10001")
//	if errors.Is(err, cache.ErrNotFound) {
//	    // miss: call the upstream
//	}
type Cache interface {
	// Get retrieves a value from the cache by key.
	// Returns ErrNotFound if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the specified TTL.
	// If ttl is 0, the implementation's default TTL applies.
	// Overwrites existing values.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache.
	// Returns nil if the key doesn't exist (idempotent operation).
	Delete(ctx context.Context, key string) error

	// Health checks the health of the cache.
	// Should be fast and safe to call frequently; the readiness check calls it.
	Health(ctx context.Context) error

	// Stats returns cache statistics for observability.
	// The specific keys depend on the cache implementation.
	Stats() (map[string]any, error)

	// Close releases resources. After Close, operations return ErrClosed.
	Close() error
}
