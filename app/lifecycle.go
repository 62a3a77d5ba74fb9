package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gaborage/communityassist/observability"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	// drainTimeout bounds the wait for the server goroutine after Shutdown.
	drainTimeout = 3 * time.Second
)

// Run registers module routes, starts the HTTP server and blocks until a
// shutdown signal arrives or the server stops on its own.
func (a *App) Run() error {
	a.registry.RegisterRoutes(a.server.ModuleGroup())

	serverErrCh := a.serve()

	shutdownRequested, serverErr := a.waitForShutdownOrServerError(serverErrCh)
	if shutdownRequested {
		a.logger.Info().Msg("Shutdown signal received")
	}
	if serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
		a.logger.Error().Err(serverErr).Msg("Server stopped unexpectedly")
	}

	timeout := a.cfg.Server.Timeout.Shutdown
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info().Dur("timeout", timeout).Msg("Shutting down application")

	var errs []error
	if err := a.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if shutdownRequested {
		if err := a.drainServerError(serverErrCh); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
	} else if serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("server: %w", serverErr))
	}

	return errors.Join(errs...)
}

// serve starts the HTTP server in a goroutine and returns an error channel
func (a *App) serve() <-chan error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info().Msg("Server goroutine starting")
		errCh <- a.server.Start()
		close(errCh)
	}()

	return errCh
}

// waitForShutdownOrServerError waits for either a shutdown signal or server error
func (a *App) waitForShutdownOrServerError(serverErrCh <-chan error) (bool, error) {
	quit := make(chan os.Signal, 1)
	a.signalHandler.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer a.signalHandler.Stop(quit)

	select {
	case <-quit:
		return true, nil
	case err, ok := <-serverErrCh:
		if !ok {
			return false, nil
		}
		return false, err
	}
}

// drainServerError drains any remaining error from the server error channel
func (a *App) drainServerError(ch <-chan error) error {
	select {
	case err, ok := <-ch:
		if !ok {
			return nil
		}
		return err
	case <-time.After(drainTimeout):
		a.logger.Warn().Msg("Timeout waiting for server goroutine to complete")
		return fmt.Errorf("server goroutine failed to complete within %s", drainTimeout)
	}
}

// Shutdown gracefully shuts down the application with the given context.
// Modules stop first, then the HTTP server, the cache and telemetry.
// Returns an aggregated error if any components fail to shut down.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	shutdownStart := time.Now()

	if err := a.registry.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("modules: %w", err))
	}

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
		a.logger.Error().Err(err).Msg("Failed to shutdown server")
	}

	if a.ownsCache && a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
			a.logger.Error().Err(err).Msg("Failed to close cache")
		} else {
			a.logger.Info().Msg("Cache closed successfully")
		}
	}

	timeout := observability.DefaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := observability.Shutdown(a.observability, timeout); err != nil {
		errs = append(errs, err)
		a.logger.Error().Err(err).Msg("Failed to shutdown observability")
	}

	a.logger.Info().
		Dur("duration", time.Since(shutdownStart)).
		Msg("Application shutdown completed")

	return errors.Join(errs...)
}
