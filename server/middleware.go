package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/gaborage/communityassist/config"
	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/server/internal/tracking"
)

// SetupMiddlewares configures and registers all HTTP middlewares for the Echo server.
// Health and readiness paths are excluded from request logs and metrics.
func SetupMiddlewares(e *echo.Echo, log logger.Logger, cfg *config.Config, healthPath, readyPath string) {
	isHealthRoute := func(c echo.Context) bool {
		p := c.Path()
		return p == healthPath || p == readyPath
	}

	// Request ID
	e.Use(middleware.RequestID())

	// Spans for inbound requests; a noop tracer unless observability is enabled
	e.Use(otelecho.Middleware(cfg.App.Name, otelecho.WithSkipper(isHealthRoute)))

	// Inject trace context into request context for outbound propagation
	e.Use(TraceContext())

	e.Use(tracking.HTTPMetrics(tracking.HTTPMetricsConfig{Skipper: isHealthRoute}))

	e.Use(CORS(cfg.Server.CORS.Origins))

	e.Use(LoggerWithConfig(log, LoggerConfig{
		HealthPath:           healthPath,
		ReadyPath:            readyPath,
		SlowRequestThreshold: defaultSlowRequestThreshold,
	}))

	// Recovery
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error().
				Err(err).
				Str("request_id", safeGetRequestID(c)).
				Bytes("stack", stack).
				Msg("Panic recovered")
			return err
		},
	}))

	// Security headers
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		HSTSMaxAge:            3600,
		ContentSecurityPolicy: "default-src 'self'",
	}))

	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
	}))

	e.Use(RateLimit(cfg.App.Rate.Limit, cfg.App.Rate.Burst))

	e.Use(Timing())
}
