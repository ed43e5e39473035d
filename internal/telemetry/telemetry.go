// Package telemetry wraps go.opentelemetry.io/otel the way the teacher's
// services package does: a tracer per operation and a HandleSpanError
// helper that records the error on the span without forcing every call
// site to import the otel codes package directly.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mlscore/core"

// Tracer returns the package-wide tracer. Call sites use it as
// telemetry.Tracer().Start(ctx, "group.publish_messages").
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// HandleSpanError records err on span and marks it as failed, mirroring
// libOpenTelemetry.HandleSpanError call sites throughout the teacher's
// services package.
func HandleSpanError(span *trace.Span, description string, err error) {
	if err == nil {
		return
	}

	(*span).RecordError(err)
	(*span).SetStatus(codes.Error, description)
}

// SetAttributes is a small convenience wrapper kept for symmetry with the
// teacher's span.SetAttributes(attribute.String(...)) call sites.
func SetAttributes(span trace.Span, kv map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(kv))
	for k, v := range kv {
		attrs = append(attrs, attribute.String(k, v))
	}

	span.SetAttributes(attrs...)
}

// StartSpan starts a span named op under the package tracer.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, op)
}
