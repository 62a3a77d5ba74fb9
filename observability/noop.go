package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// noopProvider implements Provider with no-op operations.
// Used when observability is disabled or the exporter is "none".
type noopProvider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func newNoopProvider() *noopProvider {
	return &noopProvider{
		tracerProvider: noop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
}

// TracerProvider returns a no-op tracer provider.
func (n *noopProvider) TracerProvider() trace.TracerProvider {
	return n.tracerProvider
}

// MeterProvider returns a no-op meter provider.
func (n *noopProvider) MeterProvider() metric.MeterProvider {
	return n.meterProvider
}

// Shutdown is a no-op.
func (n *noopProvider) Shutdown(_ context.Context) error {
	return nil
}

// ForceFlush is a no-op.
func (n *noopProvider) ForceFlush(_ context.Context) error {
	return nil
}
