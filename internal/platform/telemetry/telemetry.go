// Package telemetry wraps go.opentelemetry.io/otel for the handful of spans
// the engine emits around its write paths, in the style of the teacher's
// mopentelemetry package (NewTracer/HandleSpanError) but without the
// exporter/provider wiring, since nothing in this repo stands up a collector.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const libraryName = "github.com/blacklake-io/blacklake"

// Tracer returns the named tracer from the globally configured provider.
// Callers that never call otel.SetTracerProvider get the SDK's no-op
// provider, so Start below is always safe to call unconditionally.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(libraryName + "/" + name)
}

// Start begins a span and sets the given attributes, if any, on it.
func Start(ctx context.Context, tracer trace.Tracer, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// HandleSpanError records err on span and marks it as failed. Mirrors the
// teacher's HandleSpanError convention.
func HandleSpanError(span trace.Span, message string, err error) {
	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}
