package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ent0n29/companion"

// Span exporters accepted by TracingConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type TracingConfig struct {
	ServiceName string
	Exporter    string
	SampleRatio float64
}

// InitTracing installs a global tracer provider. With the none exporter the
// global no-op provider stays in place and the returned shutdown does nothing.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		exp, err := stdouttrace.New()
		if err != nil {
			return noop, fmt.Errorf("build stdout span exporter: %w", err)
		}
		exporter = exp
	default:
		return noop, fmt.Errorf("unsupported span exporter %q", cfg.Exporter)
	}
	return installTracerProvider(cfg, sdktrace.WithBatcher(exporter)), nil
}

func installTracerProvider(cfg TracingConfig, opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	name := cfg.ServiceName
	if name == "" {
		name = "companion"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	opts = append(opts,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the process tracer. It resolves the global provider on each
// call so a provider installed after package init is honored.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SpanRecorder pairs a span with its start time so callers can end both in
// one place.
type SpanRecorder struct {
	span  trace.Span
	start time.Time
}

// StartSpan opens a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *SpanRecorder) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &SpanRecorder{span: span, start: time.Now()}
}

func (r *SpanRecorder) SetAttributes(attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	r.span.SetAttributes(attrs...)
}

// End records err (if any) and the elapsed time, then ends the span.
func (r *SpanRecorder) End(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.SetAttributes(attribute.Int64("elapsed_ms", time.Since(r.start).Milliseconds()))
	r.span.End()
}
