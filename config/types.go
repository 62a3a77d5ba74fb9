package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Config represents the overall application configuration structure.
// It includes sections for application settings, server parameters,
// logging preferences, the weather and completion upstreams, caching,
// circuit breaking and metrics.
type Config struct {
	App           AppConfig           `koanf:"app" json:"app" yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `koanf:"server" json:"server" yaml:"server" mapstructure:"server"`
	Log           LogConfig           `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`
	Upstream      UpstreamConfig      `koanf:"upstream" json:"upstream" yaml:"upstream" mapstructure:"upstream"`
	Cache         CacheConfig         `koanf:"cache" json:"cache" yaml:"cache" mapstructure:"cache"`
	Breaker       BreakerConfig       `koanf:"breaker" json:"breaker" yaml:"breaker" mapstructure:"breaker"`
	Observability ObservabilityConfig `koanf:"observability" json:"observability" yaml:"observability" mapstructure:"observability"`

	// k holds the underlying Koanf instance for flexible access to custom configurations
	k *koanf.Koanf `json:"-" yaml:"-" mapstructure:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name    string     `koanf:"name" json:"name" yaml:"name" mapstructure:"name"`
	Version string     `koanf:"version" json:"version" yaml:"version" mapstructure:"version"`
	Env     string     `koanf:"env" json:"env" yaml:"env" mapstructure:"env"`
	Rate    RateConfig `koanf:"rate" json:"rate" yaml:"rate" mapstructure:"rate"`
}

// RateConfig holds per-IP rate limiting settings for the public API.
type RateConfig struct {
	Limit int `koanf:"limit" json:"limit" yaml:"limit" mapstructure:"limit"` // requests per second, 0 disables
	Burst int `koanf:"burst" json:"burst" yaml:"burst" mapstructure:"burst"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string        `koanf:"host" json:"host" yaml:"host" mapstructure:"host"`
	Port      int           `koanf:"port" json:"port" yaml:"port" mapstructure:"port"`
	BodyLimit string        `koanf:"bodylimit" json:"bodylimit" yaml:"bodylimit" mapstructure:"bodylimit"`
	Timeout   TimeoutConfig `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	Path      PathConfig    `koanf:"path" json:"path" yaml:"path" mapstructure:"path"`
	CORS      CORSConfig    `koanf:"cors" json:"cors" yaml:"cors" mapstructure:"cors"`
}

// TimeoutConfig holds various timeout durations for the server.
type TimeoutConfig struct {
	Read     time.Duration `koanf:"read" json:"read" yaml:"read" mapstructure:"read"`
	Write    time.Duration `koanf:"write" json:"write" yaml:"write" mapstructure:"write"`
	Idle     time.Duration `koanf:"idle" json:"idle" yaml:"idle" mapstructure:"idle"`
	Shutdown time.Duration `koanf:"shutdown" json:"shutdown" yaml:"shutdown" mapstructure:"shutdown"`
}

// PathConfig holds URL path settings for the server.
type PathConfig struct {
	Base   string `koanf:"base" json:"base" yaml:"base" mapstructure:"base"`
	Health string `koanf:"health" json:"health" yaml:"health" mapstructure:"health"`
	Ready  string `koanf:"ready" json:"ready" yaml:"ready" mapstructure:"ready"`
}

// CORSConfig lists origins allowed to call the API from a browser dashboard.
type CORSConfig struct {
	Origins []string `koanf:"origins" json:"origins" yaml:"origins" mapstructure:"origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" mapstructure:"level"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	// Payloads enables debug logging of upstream request and response bodies.
	Payloads bool `koanf:"payloads" json:"payloads" yaml:"payloads" mapstructure:"payloads"`
}

// UpstreamConfig holds the third-party services the API proxies.
type UpstreamConfig struct {
	Weather WeatherConfig `koanf:"weather" json:"weather" yaml:"weather" mapstructure:"weather"`
	OpenAI  OpenAIConfig  `koanf:"openai" json:"openai" yaml:"openai" mapstructure:"openai"`
}

// WeatherConfig configures the zipcode weather service.
type WeatherConfig struct {
	BaseURL string `koanf:"baseurl" json:"baseurl" yaml:"baseurl" mapstructure:"baseurl"`
	// RequireNonEmpty rejects an empty observation list as InvalidShape.
	RequireNonEmpty bool `koanf:"requirenonempty" json:"requirenonempty" yaml:"requirenonempty" mapstructure:"requirenonempty"`
	// TreatEmptyAsFailure rejects any empty JSON payload ([], {}, null, "").
	TreatEmptyAsFailure bool        `koanf:"treatemptyasfailure" json:"treatemptyasfailure" yaml:"treatemptyasfailure" mapstructure:"treatemptyasfailure"`
	Retry               RetryConfig `koanf:"retry" json:"retry" yaml:"retry" mapstructure:"retry"`
}

// OpenAIConfig configures the chat-completion provider used by chat and news.
type OpenAIConfig struct {
	BaseURL string      `koanf:"baseurl" json:"baseurl" yaml:"baseurl" mapstructure:"baseurl"`
	APIKey  string      `koanf:"apikey" json:"apikey" yaml:"apikey" mapstructure:"apikey"`
	Model   string      `koanf:"model" json:"model" yaml:"model" mapstructure:"model"`
	Retry   RetryConfig `koanf:"retry" json:"retry" yaml:"retry" mapstructure:"retry"`
}

// RetryConfig mirrors fetch.RetryPolicy in configuration form.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"maxattempts" json:"maxattempts" yaml:"maxattempts" mapstructure:"maxattempts"`
	InitialDelay   time.Duration `koanf:"initialdelay" json:"initialdelay" yaml:"initialdelay" mapstructure:"initialdelay"`
	Multiplier     float64       `koanf:"multiplier" json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	Statuses       []int         `koanf:"statuses" json:"statuses" yaml:"statuses" mapstructure:"statuses"`
	MaxDelay       time.Duration `koanf:"maxdelay" json:"maxdelay" yaml:"maxdelay" mapstructure:"maxdelay"` // zero means uncapped
	AttemptTimeout time.Duration `koanf:"attempttimeout" json:"attempttimeout" yaml:"attempttimeout" mapstructure:"attempttimeout"`
}

// CacheConfig configures the weather response cache.
type CacheConfig struct {
	Type  string        `koanf:"type" json:"type" yaml:"type" mapstructure:"type"` // memory, redis or none
	TTL   time.Duration `koanf:"ttl" json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	Size  int           `koanf:"size" json:"size" yaml:"size" mapstructure:"size"` // memory cache entry limit
	Redis RedisConfig   `koanf:"redis" json:"redis" yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host         string        `koanf:"host" json:"host" yaml:"host" mapstructure:"host"`
	Port         int           `koanf:"port" json:"port" yaml:"port" mapstructure:"port"`
	Password     string        `koanf:"password" json:"-" yaml:"password" mapstructure:"password"`
	Database     int           `koanf:"database" json:"database" yaml:"database" mapstructure:"database"`
	PoolSize     int           `koanf:"poolsize" json:"poolsize" yaml:"poolsize" mapstructure:"poolsize"`
	DialTimeout  time.Duration `koanf:"dialtimeout" json:"dialtimeout" yaml:"dialtimeout" mapstructure:"dialtimeout"`
	ReadTimeout  time.Duration `koanf:"readtimeout" json:"readtimeout" yaml:"readtimeout" mapstructure:"readtimeout"`
	WriteTimeout time.Duration `koanf:"writetimeout" json:"writetimeout" yaml:"writetimeout" mapstructure:"writetimeout"`
}

// BreakerConfig configures the per-upstream circuit breakers.
type BreakerConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Failures is the number of consecutive counted failures that opens the breaker.
	Failures uint32 `koanf:"failures" json:"failures" yaml:"failures" mapstructure:"failures"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `koanf:"opentimeout" json:"opentimeout" yaml:"opentimeout" mapstructure:"opentimeout"`
	// HalfOpenRequests is the number of trial requests allowed while half-open.
	HalfOpenRequests uint32 `koanf:"halfopenrequests" json:"halfopenrequests" yaml:"halfopenrequests" mapstructure:"halfopenrequests"`
}

// ObservabilityConfig configures metrics export.
type ObservabilityConfig struct {
	Enabled  bool          `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Exporter string        `koanf:"exporter" json:"exporter" yaml:"exporter" mapstructure:"exporter"` // stdout or none
	Interval time.Duration `koanf:"interval" json:"interval" yaml:"interval" mapstructure:"interval"`
}
