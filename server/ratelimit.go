package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitCleanup is how long an idle client's limiter is kept.
const RateLimitCleanup = time.Minute * 3

// RateLimit returns a per client IP rate limiting middleware allowing requestsPerSecond
// with the given burst. If requestsPerSecond is 0 or negative, rate limiting is disabled.
func RateLimit(requestsPerSecond, burst int) echo.MiddlewareFunc {
	if requestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	if burst < 1 {
		burst = requestsPerSecond
	}

	config := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(requestsPerSecond),
				Burst:     burst,
				ExpiresIn: RateLimitCleanup,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(_ echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "Unable to identify client").SetInternal(err)
		},
		DenyHandler: func(_ echo.Context, _ string, _ error) error {
			return NewTooManyRequestsError("")
		},
	}

	return middleware.RateLimiterWithConfig(config)
}
