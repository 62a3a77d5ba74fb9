package server

import (
	"github.com/labstack/echo/v4"

	"github.com/gaborage/communityassist/trace"
)

// TraceContext injects the resolved request id and inbound traceparent into the request
// context, so outbound upstream calls can propagate them without depending on Echo.
func TraceContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			ctx := trace.WithTraceID(req.Context(), getTraceID(c))
			if tp := req.Header.Get(trace.HeaderTraceParent); tp != "" {
				ctx = trace.WithTraceParent(ctx, tp)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
