package server

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// CORS returns a CORS middleware allowing the given origins. An empty list allows any origin.
// Credentials are only allowed when the origins are explicit.
func CORS(origins []string) echo.MiddlewareFunc {
	allowed := slices.Clone(origins)
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	wildcard := slices.Contains(allowed, "*")

	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowed,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderXRequestID,
		},
		ExposeHeaders: []string{
			echo.HeaderXRequestID,
			HeaderXResponseTime,
		},
		AllowCredentials: !wildcard,
		MaxAge:           86400,
	})
}
