package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Fatalf("InitTracing() error = nil, want unsupported exporter")
	}
	shutdown, err := InitTracing(TracingConfig{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("InitTracing(none) error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestStartSpanRecordsErrorAndAttributes(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	shutdown := installTracerProvider(TracingConfig{ServiceName: "test"}, sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "turn", attribute.String("session_id", "s1"))
	span.SetAttributes(attribute.String("context_id", "c1"))
	span.End(errors.New("boom"))

	_, jobSpan := StartSpan(context.Background(), "broadcast.job")
	jobSpan.End(nil)

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	first := ended[0]
	if first.Name() != "turn" {
		t.Fatalf("span name = %q", first.Name())
	}
	if first.Status().Code != codes.Error || first.Status().Description != "boom" {
		t.Fatalf("status = %+v", first.Status())
	}
	got := map[attribute.Key]bool{}
	for _, kv := range first.Attributes() {
		got[kv.Key] = true
	}
	for _, key := range []attribute.Key{"session_id", "context_id", "elapsed_ms"} {
		if !got[key] {
			t.Fatalf("missing attribute %s in %v", key, first.Attributes())
		}
	}
	if ended[1].Status().Code == codes.Error {
		t.Fatalf("successful span marked as error")
	}
}

func TestNilSpanRecorderIsSafe(t *testing.T) {
	var r *SpanRecorder
	r.SetAttributes(attribute.Bool("x", true))
	r.End(errors.New("ignored"))
}
