package redis

import (
	"fmt"
	"time"

	"github.com/gaborage/communityassist/cache"
)

// Config holds Redis-specific configuration options.
type Config struct {
	// Host is the Redis server hostname or IP address.
	Host string

	// Port is the Redis server port (default: 6379).
	Port int

	// Password for Redis authentication (optional).
	// Should be provided via environment variable: REDIS_PASSWORD
	Password string //nolint:gosec // G117 - config field, loaded from env

	// Database number to use (default: 0).
	// Redis supports databases 0-15 by default.
	Database int

	// PoolSize is the maximum number of socket connections (default: 10).
	PoolSize int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads. -1 disables timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes. -1 disables timeout.
	WriteTimeout time.Duration

	// KeyPrefix is prepended to every key so several deployments can share a database.
	KeyPrefix string

	// DefaultTTL applies when Set is called with a zero TTL. Zero stores without expiration.
	DefaultTTL time.Duration
}

// Validate performs fail-fast validation of Redis configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return cache.NewConfigError("redis.host", "host is required", nil)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return cache.NewConfigError("redis.port", fmt.Sprintf("invalid port: %d", c.Port), nil)
	}

	if c.Database < 0 || c.Database > 15 {
		return cache.NewConfigError("redis.database", fmt.Sprintf("invalid database number: %d (must be 0-15)", c.Database), nil)
	}

	if c.PoolSize < 0 {
		return cache.NewConfigError("redis.pool_size", fmt.Sprintf("invalid pool size: %d", c.PoolSize), nil)
	}

	if c.DialTimeout < 0 {
		return cache.NewConfigError("redis.dial_timeout", "dial timeout cannot be negative", nil)
	}

	if c.ReadTimeout < -1 {
		return cache.NewConfigError("redis.read_timeout", "read timeout cannot be less than -1", nil)
	}

	if c.WriteTimeout < -1 {
		return cache.NewConfigError("redis.write_timeout", "write timeout cannot be less than -1", nil)
	}

	if c.DefaultTTL < 0 {
		return cache.NewConfigError("redis.default_ttl", "default TTL cannot be negative", nil)
	}

	return nil
}

// Address returns the Redis server address in "host:port" format.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
