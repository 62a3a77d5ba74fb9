package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// envSections are the top-level keys that environment variables may set.
var envSections = []string{"APP_", "SERVER_", "LOG_", "UPSTREAM_", "CACHE_", "BREAKER_", "OBSERVABILITY_"}

// envAliases maps conventional variable names onto config keys.
var envAliases = map[string]string{
	"OPENAI_API_KEY":       "upstream.openai.apikey",
	"WEATHER_API_BASE_URL": "upstream.weather.baseurl",
	"REDIS_PASSWORD":       "cache.redis.password",
}

// listKeys hold comma separated values when set from the environment.
var listKeys = []string{".statuses", ".origins"}

// envFiles are read in order; earlier files win, and real environment variables win over both.
var envFiles = []string{".env.local", ".env"}

// LoadOptions controls where Load looks for its sources.
type LoadOptions struct {
	// Dir holds config.yaml, config.<env>.yaml and the .env files. Defaults to ".".
	Dir string
	// Environ supplies environment variables. Defaults to os.Environ.
	Environ func() []string
}

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. .env.local and .env files
// 3. YAML configuration files
// 4. Default values (lowest priority)
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

// LoadWithOptions is Load with explicit source locations.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := loadYAML(k, filepath.Join(opts.Dir, "config.yaml")); err != nil {
		return nil, err
	}

	environ, err := withDotEnv(opts.Dir, opts.Environ())
	if err != nil {
		return nil, err
	}

	// app.env may itself come from the environment, so resolve it before the env-specific file
	env := k.String("app.env")
	if v := lookupEnv(environ, "APP_ENV"); v != "" {
		env = v
	}
	if env != "" {
		if err := loadYAML(k, filepath.Join(opts.Dir, fmt.Sprintf("config.%s.yaml", env))); err != nil {
			return nil, err
		}
	}

	provider := envprovider.Provider(".", envprovider.Opt{
		TransformFunc: transformEnv,
		EnvironFunc:   func() []string { return environ },
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadYAML loads an optional YAML file. A missing file is not an error.
func loadYAML(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// withDotEnv appends variables from the .env files that environ does not already define.
func withDotEnv(dir string, environ []string) ([]string, error) {
	merged := append([]string(nil), environ...)
	seen := make(map[string]struct{}, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		seen[name] = struct{}{}
	}

	for _, name := range envFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for key, value := range values {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key+"="+value)
		}
	}
	return merged, nil
}

func lookupEnv(environ []string, name string) string {
	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok && key == name {
			return value
		}
	}
	return ""
}

// transformEnv converts UPPER_CASE to lower.case for koanf and drops unrelated variables.
func transformEnv(key, value string) (string, any) {
	if alias, ok := envAliases[key]; ok {
		return alias, value
	}

	known := false
	for _, prefix := range envSections {
		if strings.HasPrefix(key, prefix) {
			known = true
			break
		}
	}
	if !known {
		return "", nil
	}

	path := strings.ReplaceAll(strings.ToLower(key), "_", ".")
	for _, suffix := range listKeys {
		if strings.HasSuffix(path, suffix) {
			return path, splitList(value)
		}
	}
	return path, value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":       "communityassist",
		"app.version":    "v1.0.0",
		"app.env":        EnvDevelopment,
		"app.rate.limit": 20,
		"app.rate.burst": 40,

		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.bodylimit":        "64K",
		"server.timeout.read":     "15s",
		"server.timeout.write":    "90s",
		"server.timeout.idle":     "60s",
		"server.timeout.shutdown": "10s",
		"server.path.base":        "",
		"server.path.health":      "/health",
		"server.path.ready":       "/ready",
		"server.cors.origins":     []string{"*"},

		"log.level":    "info",
		"log.pretty":   false,
		"log.payloads": false,

		"upstream.weather.baseurl":              "https://weather-api-l672.onrender.com",
		"upstream.weather.requirenonempty":      true,
		"upstream.weather.treatemptyasfailure":  false,
		"upstream.weather.retry.maxattempts":    2,
		"upstream.weather.retry.initialdelay":   "500ms",
		"upstream.weather.retry.multiplier":     2.0,
		"upstream.weather.retry.statuses":       []int{429, 500, 502, 503, 504},
		"upstream.weather.retry.attempttimeout": "10s",

		"upstream.openai.baseurl":              "https://api.openai.com",
		"upstream.openai.model":                "gpt-3.5-turbo",
		"upstream.openai.retry.maxattempts":    3,
		"upstream.openai.retry.initialdelay":   "1s",
		"upstream.openai.retry.multiplier":     2.0,
		"upstream.openai.retry.statuses":       []int{429},
		"upstream.openai.retry.attempttimeout": "30s",

		"cache.type":               CacheMemory,
		"cache.ttl":                "300s",
		"cache.size":               1024,
		"cache.redis.host":         "localhost",
		"cache.redis.port":         6379,
		"cache.redis.database":     0,
		"cache.redis.poolsize":     10,
		"cache.redis.dialtimeout":  "5s",
		"cache.redis.readtimeout":  "3s",
		"cache.redis.writetimeout": "3s",

		"breaker.enabled":          true,
		"breaker.failures":         5,
		"breaker.opentimeout":      "30s",
		"breaker.halfopenrequests": 1,

		"observability.enabled":  false,
		"observability.exporter": "stdout",
		"observability.interval": "60s",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

// IsDevelopment reports whether the app runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == EnvDevelopment
}

// String returns a raw configuration value by dotted key, for settings not modelled in Config.
func (c *Config) String(key string) string {
	if c.k == nil {
		return ""
	}
	return c.k.String(key)
}
