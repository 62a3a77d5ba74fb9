package server

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// routeGroup is an Echo group that knows its full prefix, so paths that already
// carry the prefix are not registered twice.
type routeGroup struct {
	group  *echo.Group
	prefix string
}

func newRouteGroup(group *echo.Group, prefix string) RouteRegistrar {
	return &routeGroup{group: group, prefix: normalizePrefix(prefix)}
}

func (rg *routeGroup) Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route {
	return rg.group.Add(method, rg.relativePath(path), handler, middleware...)
}

func (rg *routeGroup) Group(prefix string, middleware ...echo.MiddlewareFunc) RouteRegistrar {
	normalized := normalizePrefix(prefix)
	return &routeGroup{
		group:  rg.group.Group(normalized, middleware...),
		prefix: rg.prefix + normalized,
	}
}

func (rg *routeGroup) Use(middleware ...echo.MiddlewareFunc) {
	rg.group.Use(middleware...)
}

func (rg *routeGroup) FullPath(path string) string {
	full := rg.prefix + rg.relativePath(path)
	if full == "" {
		return "/"
	}
	return full
}

// relativePath returns path below the group prefix; "" means the group root.
func (rg *routeGroup) relativePath(path string) string {
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if rg.prefix == "" {
		return path
	}
	if path == rg.prefix {
		return ""
	}
	if rest, ok := strings.CutPrefix(path, rg.prefix+"/"); ok {
		return "/" + rest
	}
	return path
}

func normalizePrefix(prefix string) string {
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}
