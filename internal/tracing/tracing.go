// Package tracing wires OpenTelemetry spans and counters around shared
// memory operations. Providers default to no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmtransport"

// Telemetry holds the tracer and instruments shared by all regions of a config.
type Telemetry struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	failures metric.Int64Counter
	mapped   metric.Int64UpDownCounter
}

// New builds Telemetry from the given providers; nil selects a no-op provider.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.ops, err = meter.Int64Counter("shm.operations",
		metric.WithDescription("Shared memory operations by name")); err != nil {
		t.ops = metricnoop.Int64Counter{}
	}
	if t.failures, err = meter.Int64Counter("shm.failures",
		metric.WithDescription("Failed shared memory operations by name and kind")); err != nil {
		t.failures = metricnoop.Int64Counter{}
	}
	if t.mapped, err = meter.Int64UpDownCounter("shm.mapped",
		metric.WithDescription("Bytes currently mapped"), metric.WithUnit("By")); err != nil {
		t.mapped = metricnoop.Int64UpDownCounter{}
	}
	return t
}

// Start opens a span for op.
func (t *Telemetry) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "shm."+op, trace.WithAttributes(attrs...))
}

// Finish records the outcome of op and ends span. kind classifies err.
func (t *Telemetry) Finish(ctx context.Context, span trace.Span, op string, err error, kind string) {
	opAttr := attribute.String("op", op)
	t.ops.Add(ctx, 1, metric.WithAttributes(opAttr))
	if err != nil {
		t.failures.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("kind", kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}

// AddMapped tracks mapped bytes.
func (t *Telemetry) AddMapped(ctx context.Context, delta int64) {
	t.mapped.Add(ctx, delta)
}
