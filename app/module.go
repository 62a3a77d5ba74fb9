package app

import (
	"errors"
	"fmt"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server"
	"github.com/gaborage/communityassist/upstream"
)

// Module defines the interface that all application modules must implement.
// It provides hooks for initialization, route registration, and cleanup.
type Module interface {
	Name() string
	Init(deps *ModuleDeps) error
	RegisterRoutes(hr *server.HandlerRegistry, r server.RouteRegistrar)
	Shutdown() error
}

// ModuleDeps contains the dependencies that are injected into each module.
type ModuleDeps struct {
	Logger logger.Logger
	Config *config.Config

	// Weather looks up observations by zipcode, cached and circuit-broken.
	Weather *upstream.WeatherClient

	// Completion serves chat and news prompts against the completion provider.
	Completion *upstream.CompletionClient
}

// ModuleRegistry manages the registration and lifecycle of application modules.
type ModuleRegistry struct {
	modules []Module
	deps    *ModuleDeps
	logger  logger.Logger
}

// NewModuleRegistry creates a new module registry with the given dependencies.
func NewModuleRegistry(deps *ModuleDeps) *ModuleRegistry {
	return &ModuleRegistry{
		modules: make([]Module, 0),
		deps:    deps,
		logger:  deps.Logger,
	}
}

// Register initializes module with the injected dependencies and tracks it for
// route registration and shutdown.
func (r *ModuleRegistry) Register(module Module) error {
	moduleName := module.Name()

	r.logger.Info().
		Str("module", moduleName).
		Msg("Registering module")

	if err := module.Init(r.deps); err != nil {
		return fmt.Errorf("module %s: %w", moduleName, err)
	}

	r.modules = append(r.modules, module)
	return nil
}

// RegisterRoutes calls RegisterRoutes on all registered modules.
// It should be called after all modules have been registered.
func (r *ModuleRegistry) RegisterRoutes(registrar server.RouteRegistrar) {
	handlerRegistry := server.NewHandlerRegistry(r.deps.Config)

	for _, module := range r.modules {
		r.logger.Info().
			Str("module", module.Name()).
			Msg("Registering module routes")

		module.RegisterRoutes(handlerRegistry, registrar)
	}
}

// Modules returns the registered modules in registration order.
func (r *ModuleRegistry) Modules() []Module {
	return append([]Module(nil), r.modules...)
}

// Shutdown shuts modules down in reverse registration order and joins their errors.
func (r *ModuleRegistry) Shutdown() error {
	var errs []error
	for i := len(r.modules) - 1; i >= 0; i-- {
		module := r.modules[i]
		r.logger.Info().
			Str("module", module.Name()).
			Msg("Shutting down module")

		if err := module.Shutdown(); err != nil {
			r.logger.Error().
				Err(err).
				Str("module", module.Name()).
				Msg("Failed to shutdown module")
			errs = append(errs, fmt.Errorf("%s: %w", module.Name(), err))
		}
	}
	return errors.Join(errs...)
}
