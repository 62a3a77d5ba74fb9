package config

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var (
	validEnvs      = []string{EnvDevelopment, EnvStaging, EnvProduction}
	validLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
	validCaches    = []string{CacheMemory, CacheRedis, CacheNone}
	validExporters = []string{"stdout", "none"}
)

// Validate checks cfg and returns the first problem found as a *ConfigError
// wrapped with its section name.
func Validate(cfg *Config) error {
	if err := validateApp(&cfg.App); err != nil {
		return fmt.Errorf("app config: %w", err)
	}
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := validateUpstream(&cfg.Upstream, cfg.App.Env); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}
	if err := validateCache(&cfg.Cache); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := validateBreaker(&cfg.Breaker); err != nil {
		return fmt.Errorf("breaker config: %w", err)
	}
	if err := validateObservability(&cfg.Observability); err != nil {
		return fmt.Errorf("observability config: %w", err)
	}
	return nil
}

func validateApp(cfg *AppConfig) error {
	if cfg.Name == "" {
		return NewMissingFieldError("app.name", "APP_NAME", "app.name")
	}
	if !slices.Contains(validEnvs, cfg.Env) {
		return NewInvalidFieldError("app.env", fmt.Sprintf("unknown environment %q", cfg.Env), validEnvs)
	}
	if cfg.Rate.Limit < 0 {
		return NewValidationError("app.rate.limit", "cannot be negative")
	}
	if cfg.Rate.Limit > 0 && cfg.Rate.Burst < 1 {
		return NewValidationError("app.rate.burst", "must be at least 1 when rate limiting is enabled")
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return NewValidationError("server.port", fmt.Sprintf("must be between 1 and 65535, got %d", cfg.Port))
	}
	if cfg.Timeout.Read <= 0 || cfg.Timeout.Write <= 0 {
		return NewValidationError("server.timeout", "read and write timeouts must be positive")
	}
	return nil
}

func validateLog(cfg *LogConfig) error {
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Level)) {
		return NewInvalidFieldError("log.level", fmt.Sprintf("unknown level %q", cfg.Level), validLogLevels)
	}
	return nil
}

func validateUpstream(cfg *UpstreamConfig, env string) error {
	if err := validateBaseURL("upstream.weather.baseurl", cfg.Weather.BaseURL); err != nil {
		return err
	}
	if err := validateRetry("upstream.weather.retry", &cfg.Weather.Retry); err != nil {
		return err
	}
	if err := validateBaseURL("upstream.openai.baseurl", cfg.OpenAI.BaseURL); err != nil {
		return err
	}
	if err := validateRetry("upstream.openai.retry", &cfg.OpenAI.Retry); err != nil {
		return err
	}
	if cfg.OpenAI.Model == "" {
		return NewMissingFieldError("upstream.openai.model", "UPSTREAM_OPENAI_MODEL", "upstream.openai.model")
	}
	// development may run without a credential; chat and news then report unavailable
	if env == EnvProduction && cfg.OpenAI.APIKey == "" {
		return NewMissingFieldError("upstream.openai.apikey", "OPENAI_API_KEY", "upstream.openai.apikey")
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	if raw == "" {
		return NewValidationError(field, "required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return NewValidationError(field, fmt.Sprintf("must be an absolute URL, got %q", raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewInvalidFieldError(field, fmt.Sprintf("unsupported scheme %q", u.Scheme), []string{"http", "https"})
	}
	return nil
}

func validateRetry(field string, cfg *RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return NewValidationError(field+".maxattempts", "must be at least 1")
	}
	if cfg.InitialDelay < 0 {
		return NewValidationError(field+".initialdelay", "cannot be negative")
	}
	if cfg.Multiplier < 1 || math.IsInf(cfg.Multiplier, 0) || math.IsNaN(cfg.Multiplier) {
		return NewValidationError(field+".multiplier", "must be a finite number >= 1")
	}
	if cfg.MaxDelay < 0 {
		return NewValidationError(field+".maxdelay", "cannot be negative")
	}
	if cfg.AttemptTimeout < 0 {
		return NewValidationError(field+".attempttimeout", "cannot be negative")
	}
	for _, status := range cfg.Statuses {
		if status < 100 || status > 599 {
			return NewValidationError(field+".statuses", fmt.Sprintf("%d is not an HTTP status", status))
		}
	}
	return nil
}

func validateCache(cfg *CacheConfig) error {
	if !slices.Contains(validCaches, cfg.Type) {
		return NewInvalidFieldError("cache.type", fmt.Sprintf("unknown cache %q", cfg.Type), validCaches)
	}
	if cfg.Type == CacheNone {
		return nil
	}
	if cfg.TTL <= 0 {
		return NewValidationError("cache.ttl", "must be positive")
	}
	if cfg.Type == CacheMemory && cfg.Size < 1 {
		return NewValidationError("cache.size", "must be at least 1")
	}
	if cfg.Type == CacheRedis {
		if cfg.Redis.Host == "" {
			return NewMissingFieldError("cache.redis.host", "CACHE_REDIS_HOST", "cache.redis.host")
		}
		if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
			return NewValidationError("cache.redis.port", "must be between 1 and 65535")
		}
		if cfg.Redis.Database < 0 {
			return NewValidationError("cache.redis.database", "cannot be negative")
		}
	}
	return nil
}

func validateBreaker(cfg *BreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Failures < 1 {
		return NewValidationError("breaker.failures", "must be at least 1")
	}
	if cfg.OpenTimeout <= 0 {
		return NewValidationError("breaker.opentimeout", "must be positive")
	}
	return nil
}

func validateObservability(cfg *ObservabilityConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if !slices.Contains(validExporters, cfg.Exporter) {
		return NewInvalidFieldError("observability.exporter", fmt.Sprintf("unknown exporter %q", cfg.Exporter), validExporters)
	}
	if cfg.Interval <= 0 {
		return NewValidationError("observability.interval", "must be positive")
	}
	return nil
}
