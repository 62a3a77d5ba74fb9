// Package tracking records OpenTelemetry HTTP server metrics for the routes the
// server exposes (the dashboard API and anything registered on the module group).
//
// Instruments are created lazily from the global meter provider the first time
// HTTPMetrics is called, so the observability provider must be installed before
// the server is built for the metrics to reach an exporter.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	httpMeterName = "communityassist/http-server"

	// OpenTelemetry HTTP semantic convention names (v1.38.0)
	metricHTTPRequestDuration  = "http.server.request.duration"   // histogram, seconds
	metricHTTPActiveRequests   = "http.server.active_requests"    // up/down counter
	metricHTTPResponseBodySize = "http.server.response.body.size" // histogram, bytes

	attrHTTPRequestMethod  = "http.request.method"
	attrHTTPResponseStatus = "http.response.status_code"
	attrHTTPRoute          = "http.route"
	attrURLScheme          = "url.scheme"
	attrErrorType          = "error.type"

	unknownRoute     = "unknown"
	handlerErrorType = "handler_error"
)

// Boundaries recommended by the HTTP semantic conventions. Upstream-bound routes
// (weather lookups with retries, chat completions) land in the upper buckets.
var httpDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Response sizes from an empty envelope up to a large observation array.
var httpBodySizeBuckets = []float64{
	64, 256, 1024, 4096, 16384, 65536, 262144, 1048576,
}

// serverInstruments groups the instruments created from one meter.
type serverInstruments struct {
	meter    metric.Meter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
	bodySize metric.Int64Histogram
}

var (
	instrumentsMu   sync.Mutex
	instrumentsOnce sync.Once
	instruments     *serverInstruments
)

// reportInstrumentError writes instrument creation failures to stderr. The
// middleware keeps serving with whichever instruments were created.
func reportInstrumentError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize HTTP metric %s: %v\n", name, err)
	}
}

// newServerInstruments creates every instrument on the global meter provider.
func newServerInstruments() *serverInstruments {
	inst := &serverInstruments{meter: otel.Meter(httpMeterName)}

	var err error
	inst.duration, err = inst.meter.Float64Histogram(
		metricHTTPRequestDuration,
		metric.WithDescription("Duration of HTTP server requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpDurationBuckets...),
	)
	reportInstrumentError(metricHTTPRequestDuration, err)

	inst.active, err = inst.meter.Int64UpDownCounter(
		metricHTTPActiveRequests,
		metric.WithDescription("Number of active HTTP server requests"),
		metric.WithUnit("{request}"),
	)
	reportInstrumentError(metricHTTPActiveRequests, err)

	inst.bodySize, err = inst.meter.Int64Histogram(
		metricHTTPResponseBodySize,
		metric.WithDescription("Size of HTTP server response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(httpBodySizeBuckets...),
	)
	reportInstrumentError(metricHTTPResponseBodySize, err)

	return inst
}

// currentInstruments returns the shared instruments, creating them on first use.
func currentInstruments() *serverInstruments {
	instrumentsOnce.Do(func() {
		inst := newServerInstruments()
		instrumentsMu.Lock()
		instruments = inst
		instrumentsMu.Unlock()
	})
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	return instruments
}

// addActive adjusts the active request counter. A nil instrument is skipped.
func (i *serverInstruments) addActive(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if i != nil && i.active != nil {
		i.active.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}

// recordCompletion records duration and response size for a finished request.
// Sizes are only recorded when the response carried a body.
func (i *serverInstruments) recordCompletion(ctx context.Context, elapsed time.Duration, size int64, attrs []attribute.KeyValue) {
	if i == nil {
		return
	}
	opt := metric.WithAttributes(attrs...)
	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), opt)
	}
	if i.bodySize != nil && size > 0 {
		i.bodySize.Record(ctx, size, opt)
	}
}

// HTTPMetricsConfig holds configuration for HTTP metrics middleware.
type HTTPMetricsConfig struct {
	// Skipper excludes requests from measurement. The server passes one that
	// matches the health and readiness endpoints so their traffic does not skew
	// latency percentiles.
	// Default: nil (measure every request)
	Skipper func(c echo.Context) bool
}

// HTTPMetrics returns middleware that records HTTP server metrics per OTel
// semantic conventions.
//
// Metrics recorded:
//   - http.server.request.duration: histogram of request durations in seconds
//   - http.server.active_requests: up/down counter of in-flight requests
//   - http.server.response.body.size: histogram of response sizes in bytes
//
// Attributes included:
//   - http.request.method and url.scheme on every instrument
//   - http.response.status_code and http.route (the echo pattern, such as
//     "/api/weather/:zipcode", so zipcodes never become label values)
//   - error.type: the status code for 4xx/5xx, or "handler_error" when a
//     handler returned an error with a success status
//
// When a handler returns an *echo.HTTPError before anything is written, the
// error's code is recorded instead of the not-yet-final response status.
func HTTPMetrics(config ...HTTPMetricsConfig) echo.MiddlewareFunc {
	var cfg HTTPMetricsConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	inst := currentInstruments()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			return measure(c, next, inst)
		}
	}
}

// measure runs next and records its metrics.
func measure(c echo.Context, next echo.HandlerFunc, inst *serverInstruments) error {
	req := c.Request()
	ctx := req.Context()
	scheme := extractScheme(c)

	baseAttrs := []attribute.KeyValue{
		attribute.String(attrHTTPRequestMethod, req.Method),
		attribute.String(attrURLScheme, scheme),
	}
	inst.addActive(ctx, 1, baseAttrs)
	defer inst.addActive(ctx, -1, baseAttrs)

	start := time.Now()
	err := next(c)
	elapsed := time.Since(start)

	status := c.Response().Status
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) && !c.Response().Committed {
		status = he.Code
	}

	attrs := append(baseAttrs[:len(baseAttrs):len(baseAttrs)],
		attribute.Int(attrHTTPResponseStatus, status),
		attribute.String(attrHTTPRoute, routeOrUnknown(c.Path())),
	)
	if errorType := classifyHTTPError(status, err); errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	inst.recordCompletion(ctx, elapsed, c.Response().Size, attrs)

	return err
}

func routeOrUnknown(route string) string {
	if route == "" {
		return unknownRoute
	}
	return route
}

// extractScheme prefers X-Forwarded-Proto (set by the reverse proxy in front
// of the service), then falls back to the connection's TLS state.
func extractScheme(c echo.Context) string {
	if proto := c.Request().Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if c.Request().TLS != nil {
		return "https"
	}
	return "http"
}

// classifyHTTPError returns the error.type attribute value, or "" for a
// successful response.
//
// Classification:
//   - 4xx and 5xx: the status code as a string (e.g. "404", "502")
//   - success status with a handler error: "handler_error"
func classifyHTTPError(statusCode int, err error) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	if err != nil {
		return handlerErrorType
	}
	return ""
}

// IsInitialized reports whether the instruments have been created.
// This is primarily useful for testing.
func IsInitialized() bool {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	return instruments != nil
}

// ResetForTesting drops the instruments so the next HTTPMetrics call binds to
// the current global meter provider. This should only be called in tests.
func ResetForTesting() {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	instruments = nil
	instrumentsOnce = sync.Once{}
}
