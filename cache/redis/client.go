package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/cache/internal/tracking"
)

// connectTimeout bounds the PING issued by NewClient.
const connectTimeout = 5 * time.Second

// Client implements the cache.Cache interface using Redis as the backend.
type Client struct {
	client *redis.Client
	config *Config
	closed atomic.Bool
}

var _ cache.Cache = (*Client)(nil)

// NewClient creates a new Redis cache client.
// Validates configuration and establishes connection.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Address(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, cache.NewConnectionError("ping", cfg.Address(), err)
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

func (c *Client) key(key string) string {
	return c.config.KeyPrefix + key
}

// Get retrieves a value from the cache.
// Returns cache.ErrNotFound if the key doesn't exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}

	start := time.Now()
	result, err := c.client.Get(ctx, c.key(key)).Bytes()
	duration := time.Since(start)

	if errors.Is(err, redis.Nil) {
		tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpGet, duration, false, nil)
		return nil, cache.ErrNotFound
	}

	if err != nil {
		opErr := cache.NewOperationError("get", key, err)
		tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpGet, duration, false, opErr)
		return nil, opErr
	}

	tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpGet, duration, true, nil)
	return result, nil
}

// Set stores a value in the cache with the specified TTL.
// A zero TTL uses Config.DefaultTTL.
// Returns cache.ErrInvalidTTL if TTL is negative.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	if ttl < 0 {
		return cache.ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	start := time.Now()
	err := c.client.Set(ctx, c.key(key), value, ttl).Err()
	duration := time.Since(start)

	if err != nil {
		opErr := cache.NewOperationError("set", key, err)
		tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpSet, duration, false, opErr)
		return opErr
	}
	tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpSet, duration, false, nil)

	return nil
}

// Delete removes a key from the cache.
// Does not return error if key doesn't exist.
func (c *Client) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	start := time.Now()
	err := c.client.Del(ctx, c.key(key)).Err()
	duration := time.Since(start)

	if err != nil {
		opErr := cache.NewOperationError("delete", key, err)
		tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpDelete, duration, false, opErr)
		return opErr
	}
	tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpDelete, duration, false, nil)

	return nil
}

// Health checks if the Redis connection is healthy.
// Uses PING command to verify connectivity.
func (c *Client) Health(ctx context.Context) error {
	if c.closed.Load() {
		return cache.ErrClosed
	}

	start := time.Now()
	err := c.client.Ping(ctx).Err()
	duration := time.Since(start)

	if err != nil {
		connErr := cache.NewConnectionError("ping", c.config.Address(), err)
		tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpHealth, duration, false, connErr)
		return connErr
	}
	tracking.RecordCacheOperation(ctx, tracking.SystemRedis, tracking.OpHealth, duration, false, nil)

	return nil
}

// Stats returns connection pool statistics.
func (c *Client) Stats() (map[string]any, error) {
	if c.closed.Load() {
		return nil, cache.ErrClosed
	}

	poolStats := c.client.PoolStats()

	return map[string]any{
		"type":             tracking.SystemRedis,
		"address":          c.config.Address(),
		"database":         c.config.Database,
		"pool_hits":        poolStats.Hits,
		"pool_misses":      poolStats.Misses,
		"pool_timeouts":    poolStats.Timeouts,
		"pool_total_conns": poolStats.TotalConns,
		"pool_idle_conns":  poolStats.IdleConns,
		"pool_stale_conns": poolStats.StaleConns,
	}, nil
}

// Close closes the Redis client and releases resources.
// Close is idempotent: later calls return cache.ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return cache.ErrClosed
	}

	return c.client.Close()
}
