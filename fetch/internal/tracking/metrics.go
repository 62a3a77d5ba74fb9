package tracking

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Meter name for fetch instrumentation
	fetchMeterName = "communityassist/fetch"

	metricAttempts = "fetch.attempts" // Counter, one per HTTP call
	metricOutcomes = "fetch.outcomes" // Counter, one per Execute
	metricDuration = "fetch.duration" // Histogram in seconds, whole Execute

	attrMethod     = "http.request.method"
	attrHost       = "server.address"
	attrStatusCode = "http.response.status_code"
	attrKind       = "fetch.kind"
	attrAttempts   = "fetch.attempt_count"

	// KindSuccess labels successful outcomes
	KindSuccess = "success"
)

// Metrics holds the fetch instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts metric.Int64Counter
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// logMetricError logs a metric initialization error to stderr.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize fetch metric %s: %v\n", metricName, err)
	}
}

// New creates the instruments from provider, or the global provider when nil.
func New(provider metric.MeterProvider) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(fetchMeterName)

	m := &Metrics{}
	var err error

	m.attempts, err = meter.Int64Counter(
		metricAttempts,
		metric.WithDescription("Number of upstream HTTP attempts"),
		metric.WithUnit("{attempt}"),
	)
	logMetricError(metricAttempts, err)

	m.outcomes, err = meter.Int64Counter(
		metricOutcomes,
		metric.WithDescription("Number of completed fetches by outcome kind"),
		metric.WithUnit("{fetch}"),
	)
	logMetricError(metricOutcomes, err)

	m.duration, err = meter.Float64Histogram(
		metricDuration,
		metric.WithDescription("Duration of fetches including retries and backoff"),
		metric.WithUnit("s"),
	)
	logMetricError(metricDuration, err)

	return m
}

// RecordAttempt records a single HTTP call. status is 0 for transport errors.
func (m *Metrics) RecordAttempt(ctx context.Context, method, host string, status int) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrHost, host),
		attribute.Int(attrStatusCode, status),
	))
}

// RecordOutcome records the end of an Execute call.
func (m *Metrics) RecordOutcome(ctx context.Context, method, host, kind string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	base := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrHost, host),
		attribute.String(attrKind, kind),
	}
	if m.outcomes != nil {
		withCount := append(append([]attribute.KeyValue(nil), base...), attribute.Int(attrAttempts, attempts))
		m.outcomes.Add(ctx, 1, metric.WithAttributes(withCount...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(base...))
	}
}
