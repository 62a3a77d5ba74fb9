// Package app wires the community assistant together: logging, telemetry, the
// resilient fetcher, the weather cache, upstream clients and the HTTP server.
// It owns module registration and the process lifecycle.
package app

import (
	"fmt"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/fetch"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/observability"
	"github.com/gaborage/communityassist/server"
	"github.com/gaborage/communityassist/trace"
	"github.com/gaborage/communityassist/upstream"
)

// Breaker names, also used as log and metric labels.
const (
	WeatherBreaker = "weather"
	OpenAIBreaker  = "openai"
)

// App represents the main application instance.
// It manages the lifecycle and coordination of all application components.
type App struct {
	cfg           *config.Config
	logger        logger.Logger
	server        ServerRunner
	registry      *ModuleRegistry
	observability observability.Provider
	cache         cache.Cache
	ownsCache     bool
	weather       *upstream.WeatherClient
	completion    *upstream.CompletionClient
	signalHandler SignalHandler
}

// New creates an application from a loaded configuration.
func New(cfg *config.Config) (*App, error) {
	return NewWithOptions(cfg, nil)
}

// NewWithOptions creates an application, replacing the components set in opts.
func NewWithOptions(cfg *config.Config, opts *Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is nil")
	}
	if opts == nil {
		opts = &Options{}
	}

	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Log.Level, cfg.Log.Pretty)
	}

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Env).
		Str("version", cfg.App.Version).
		Msg("Starting application")

	provider, err := observability.NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	a := &App{
		cfg:           cfg,
		logger:        log,
		observability: provider,
		cache:         opts.Cache,
		signalHandler: opts.SignalHandler,
	}
	if a.signalHandler == nil {
		a.signalHandler = OSSignalHandler{}
	}

	if a.cache == nil {
		c, err := newCache(cfg)
		if err != nil {
			_ = observability.Shutdown(provider, observability.DefaultShutdownTimeout)
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		a.cache = c
		a.ownsCache = c != nil
	}
	if a.cache != nil {
		log.Info().Str("cache_type", cfg.Cache.Type).Dur("ttl", cfg.Cache.TTL).Msg("Weather cache enabled")
	} else {
		log.Info().Msg("Weather cache disabled")
	}

	fetcher := fetch.New(log,
		fetch.WithHTTPClient(opts.HTTPClient),
		fetch.WithRequestInterceptor(trace.InjectHeaders),
		fetch.WithMeterProvider(provider.MeterProvider()),
		fetch.WithPayloadLogging(cfg.Log.Payloads),
	)
	a.weather, a.completion = a.buildClients(fetcher)

	if opts.Server != nil {
		a.server = opts.Server
	} else {
		a.server = server.New(cfg, log)
	}
	if a.cache != nil {
		a.server.AddReadinessCheck("cache", a.cache.Health)
	}

	a.registry = NewModuleRegistry(&ModuleDeps{
		Logger:     log,
		Config:     cfg,
		Weather:    a.weather,
		Completion: a.completion,
	})

	return a, nil
}

func (a *App) buildClients(exec upstream.Executor) (*upstream.WeatherClient, *upstream.CompletionClient) {
	weather := upstream.NewWeatherClient(exec, a.cfg.Upstream.Weather, a.logger,
		upstream.WithBreaker(upstream.NewBreaker(WeatherBreaker, a.cfg.Breaker, a.logger)),
		upstream.WithCache(a.cache, a.cfg.Cache.TTL),
	)

	completion := upstream.NewCompletionClient(exec, a.cfg.Upstream.OpenAI, a.logger,
		upstream.WithBreaker(upstream.NewBreaker(OpenAIBreaker, a.cfg.Breaker, a.logger)),
	)
	if !completion.Configured() {
		a.logger.Warn().Msg("OpenAI credential not configured, chat and news will be unavailable")
	}

	return weather, completion
}

// RegisterModule registers a new module with the application.
func (a *App) RegisterModule(module Module) error {
	return a.registry.Register(module)
}

// Config returns the application configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}

// Server returns the HTTP server runner.
func (a *App) Server() ServerRunner {
	return a.server
}

// Weather returns the weather client.
func (a *App) Weather() *upstream.WeatherClient {
	return a.weather
}

// Completion returns the chat-completion client.
func (a *App) Completion() *upstream.CompletionClient {
	return a.completion
}
