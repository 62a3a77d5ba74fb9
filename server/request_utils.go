package server

import "github.com/labstack/echo/v4"

// safeGetRequestID returns the request id from the response, falling back to the request header.
func safeGetRequestID(c echo.Context) string {
	if resp := c.Response(); resp != nil {
		if id := resp.Header().Get(echo.HeaderXRequestID); id != "" {
			return id
		}
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
