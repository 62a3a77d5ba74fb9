package server

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/communityassist/logger"
	"github.com/gaborage/communityassist/trace"
)

const defaultSlowRequestThreshold = 5 * time.Second

// LoggerConfig configures the request logging middleware.
type LoggerConfig struct {
	// HealthPath specifies the health check endpoint to exclude from logging
	HealthPath string

	// ReadyPath specifies the readiness check endpoint to exclude from logging
	ReadyPath string

	// SlowRequestThreshold marks requests as slow (result_code WARN) even when the status is 2xx.
	// Zero or negative disables slow request detection.
	SlowRequestThreshold time.Duration
}

// Logger returns a request logging middleware using the default configuration.
func Logger(log logger.Logger, healthPath, readyPath string) echo.MiddlewareFunc {
	return LoggerWithConfig(log, LoggerConfig{
		HealthPath:           healthPath,
		ReadyPath:            readyPath,
		SlowRequestThreshold: defaultSlowRequestThreshold,
	})
}

// LoggerWithConfig returns a request logging middleware that emits one summary per request,
// using OpenTelemetry HTTP attribute names. 5xx responses log at error, 4xx at warn.
func LoggerWithConfig(log logger.Logger, cfg LoggerConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			if path == cfg.HealthPath || path == cfg.ReadyPath {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			latency := time.Since(start)

			// Let the error handler write the response so the logged status is final
			if err != nil {
				c.Error(err)
			}

			logActionSummary(c, log, cfg, latency, c.Response().Status, err)
			return nil
		}
	}
}

// logActionSummary emits the request summary.
func logActionSummary(c echo.Context, log logger.Logger, cfg LoggerConfig, latency time.Duration, status int, err error) {
	req := c.Request()
	contextLog := log.WithContext(req.Context())

	level, resultCode := determineSeverity(status, latency, cfg.SlowRequestThreshold, err)
	event := createLogEvent(contextLog, level)
	if err != nil {
		event = event.Err(err)
	}

	// the context logger already carries request_id when the trace middleware ran
	correlationID, ok := trace.IDFromContext(req.Context())
	if !ok {
		event = event.Str("request_id", safeGetRequestID(c))
	}

	event.
		Str("correlation_id", correlationID).
		Str("http.request.method", req.Method).
		Int("http.response.status_code", status).
		Int64("http.server.request.duration", latency.Nanoseconds()).
		Str("url.path", req.URL.Path).
		Str("http.route", c.Path()).
		Str("client.address", c.RealIP()).
		Str("user_agent.original", req.UserAgent()).
		Str("result_code", resultCode).
		Msg(createActionMessage(req.Method, req.URL.Path, latency, status))
}

// determineSeverity returns the log level and result_code for a finished request.
func determineSeverity(status int, latency, threshold time.Duration, err error) (logLevel, resultCode string) {
	const (
		levelError = "error"
		levelWarn  = "warn"
		levelInfo  = "info"
		codeError  = "ERROR"
		codeWarn   = "WARN"
		codeInfo   = "INFO"
	)

	if status >= 500 || (err != nil && status == 0) {
		return levelError, codeError
	}
	if status >= 400 {
		return levelWarn, codeWarn
	}
	// Slow requests keep INFO level but are flagged through result_code
	if threshold > 0 && latency > threshold {
		return levelInfo, codeWarn
	}
	return levelInfo, codeInfo
}

func createLogEvent(log logger.Logger, level string) logger.LogEvent {
	switch level {
	case "error":
		return log.Error()
	case "warn":
		return log.Warn()
	default:
		return log.Info()
	}
}

// createActionMessage renders e.g. "GET /api/weather/10001 completed in 12ms with status 200".
func createActionMessage(method, path string, latency time.Duration, status int) string {
	return method + " " + path + " completed in " + latency.String() + " with status " + strconv.Itoa(status)
}
