package app

import (
	"fmt"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/cache/memory"
	"github.com/gaborage/communityassist/cache/redis"
	"github.com/gaborage/communityassist/config"
)

// newCache builds the weather cache selected by cfg.Cache.Type.
// It returns a nil cache for "none".
func newCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Type {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory:
		c, err := memory.New(memory.Config{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CacheRedis:
		rc := cfg.Cache.Redis
		c, err := redis.NewClient(&redis.Config{
			Host:         rc.Host,
			Port:         rc.Port,
			Password:     rc.Password,
			Database:     rc.Database,
			PoolSize:     rc.PoolSize,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
			KeyPrefix:    cfg.App.Name + ":",
			DefaultTTL:   cfg.Cache.TTL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}
}
