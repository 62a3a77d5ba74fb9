package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/communityassist/cache"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server"
)

// SignalHandler interface allows for injectable signal handling for testing
type SignalHandler interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

// OSSignalHandler delivers real process signals.
type OSSignalHandler struct{}

// Notify relays sig to c.
func (OSSignalHandler) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

// Stop stops relaying signals to c.
func (OSSignalHandler) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

// ServerRunner abstracts the HTTP server to allow injecting test-friendly implementations
type ServerRunner interface {
	Start() error
	Shutdown(ctx context.Context) error
	Echo() *echo.Echo
	ModuleGroup() server.RouteRegistrar
	AddReadinessCheck(name string, check server.ReadinessCheck)
}

// Options contains optional dependencies for creating an App instance.
// Zero values fall back to the production implementations built from config.
type Options struct {
	Logger        logger.Logger
	HTTPClient    *http.Client
	Cache         cache.Cache
	SignalHandler SignalHandler
	Server        ServerRunner
}
