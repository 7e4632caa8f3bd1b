// Package telemetry configures optional OpenTelemetry tracing. Spans cover
// the sensor alert evaluation cycle and the manager fan-out; custom span
// attributes use the `vigil.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "vigil-hq.io/server"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("vigild"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartEvalSpan creates the span for one sensor alert evaluation cycle.
func StartEvalSpan(ctx context.Context, pending int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "alerts.evaluate",
		trace.WithAttributes(attribute.Int("vigil.pending_alerts", pending)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartFanoutSpan creates the span for one manager status fan-out.
func StartFanoutSpan(ctx context.Context, managers int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "managers.fanout",
		trace.WithAttributes(attribute.Int("vigil.manager_sessions", managers)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
