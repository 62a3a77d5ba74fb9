// Package tracking records OpenTelemetry metrics for cache backends.
//
// Both cache/memory and cache/redis report every operation through
// RecordCacheOperation, so a single dashboard can compare hit ratios and
// latencies of the weather cache regardless of which backend is configured.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/communityassist/cache"
)

const (
	cacheMeterName = "communityassist/cache"

	// db.client.operation.duration per OTel database semantic conventions, in seconds
	metricCacheOperationDuration = "db.client.operation.duration"
	metricCacheHit               = "cache.hit"
	metricCacheMiss              = "cache.miss"

	attrDBSystem       = "db.system.name"
	attrDBOperation    = "db.operation.name"
	attrErrorType      = "error.type"
	attrCacheHitStatus = "cache.hit"
)

// Cache operation names
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpHealth = "ping"
)

// Cache systems
const (
	SystemRedis  = "redis"
	SystemMemory = "memory"
)

// Values of the error.type attribute.
const (
	errorTypeTimeout    = "timeout"
	errorTypeCanceled   = "canceled"
	errorTypeClosed     = "closed"
	errorTypeConnection = "connection_error"
	errorTypeTTL        = "invalid_ttl"
	errorTypeOperation  = "operation_error"
	errorTypeOther      = "error"
)

// cacheInstruments groups the instruments created from one meter.
type cacheInstruments struct {
	duration metric.Float64Histogram
	hits     metric.Int64Counter
	misses   metric.Int64Counter
}

var (
	instrumentsMu   sync.Mutex
	instrumentsOnce sync.Once
	instruments     *cacheInstruments
)

// reportInstrumentError writes instrument creation failures to stderr.
// Cache operations keep working without the failed instrument.
func reportInstrumentError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize cache metric %s: %v\n", name, err)
	}
}

func newCacheInstruments() *cacheInstruments {
	meter := otel.Meter(cacheMeterName)
	inst := &cacheInstruments{}

	var err error
	inst.duration, err = meter.Float64Histogram(
		metricCacheOperationDuration,
		metric.WithDescription("Duration of cache operations"),
		metric.WithUnit("s"),
	)
	reportInstrumentError(metricCacheOperationDuration, err)

	inst.hits, err = meter.Int64Counter(
		metricCacheHit,
		metric.WithDescription("Number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	reportInstrumentError(metricCacheHit, err)

	inst.misses, err = meter.Int64Counter(
		metricCacheMiss,
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	reportInstrumentError(metricCacheMiss, err)

	return inst
}

// currentInstruments returns the shared instruments, creating them from the
// global meter provider on first use.
func currentInstruments() *cacheInstruments {
	instrumentsOnce.Do(func() {
		inst := newCacheInstruments()
		instrumentsMu.Lock()
		instruments = inst
		instrumentsMu.Unlock()
	})
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	return instruments
}

// RecordCacheOperation records one cache operation.
// Backends call it after every Get, Set, Delete and health ping.
//
// Parameters:
//   - system: SystemRedis or SystemMemory
//   - operation: OpGet, OpSet, OpDelete or OpHealth
//   - duration: time spent in the backend
//   - hit: whether a Get found the key; ignored for other operations
//   - err: the backend failure, nil for success and for a plain miss
//
// Lookups carry a cache.hit attribute and feed the hit and miss counters.
// A failed lookup is neither a hit nor a miss: it only shows up in the
// duration histogram with an error.type attribute.
func RecordCacheOperation(ctx context.Context, system, operation string, duration time.Duration, hit bool, err error) {
	inst := currentInstruments()

	attrs := []attribute.KeyValue{
		attribute.String(attrDBSystem, system),
		attribute.String(attrDBOperation, operation),
	}
	if operation == OpGet {
		attrs = append(attrs, attribute.Bool(attrCacheHitStatus, hit))
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorType, classifyError(err)))
	}
	opt := metric.WithAttributes(attrs...)

	if inst.duration != nil {
		inst.duration.Record(ctx, duration.Seconds(), opt)
	}
	if operation != OpGet || err != nil {
		return
	}
	if hit && inst.hits != nil {
		inst.hits.Add(ctx, 1, opt)
	}
	if !hit && inst.misses != nil {
		inst.misses.Add(ctx, 1, opt)
	}
}

// classifyError maps a backend failure to an error.type value.
//
// Classification order:
//   - context deadline or a network timeout: "timeout"
//   - context cancellation: "canceled"
//   - cache.ErrClosed: "closed"
//   - cache.ErrInvalidTTL: "invalid_ttl"
//   - *cache.ConnectionError or a dial/read/write failure: "connection_error"
//   - any other *cache.OperationError: "operation_error"
func classifyError(err error) string {
	var netErr net.Error
	isNetErr := errors.As(err, &netErr)

	switch {
	case errors.Is(err, context.DeadlineExceeded), isNetErr && netErr.Timeout():
		return errorTypeTimeout
	case errors.Is(err, context.Canceled):
		return errorTypeCanceled
	case errors.Is(err, cache.ErrClosed):
		return errorTypeClosed
	case errors.Is(err, cache.ErrInvalidTTL):
		return errorTypeTTL
	}

	var connErr *cache.ConnectionError
	var opErr *net.OpError
	if errors.As(err, &connErr) || errors.As(err, &opErr) {
		return errorTypeConnection
	}
	var cacheOpErr *cache.OperationError
	if errors.As(err, &cacheOpErr) {
		return errorTypeOperation
	}
	return errorTypeOther
}

// IsInitialized reports whether the instruments have been created.
func IsInitialized() bool {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	return instruments != nil
}

// ResetForTesting drops the instruments so the next operation binds to the
// current global meter provider. This should only be called in tests.
func ResetForTesting() {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	instruments = nil
	instrumentsOnce = sync.Once{}
}
