package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mlscore/core/internal/config"
)

// setupTelemetry registers a real tracer provider when telemetry is
// enabled, so the internal/telemetry.StartSpan call sites threaded
// through every domain package actually export spans instead of
// silently no-opping against the global default provider. Grounded on
// the teacher's InitializeTelemetryWithError (reduced: a stdout exporter
// rather than an OTLP collector endpoint, since this core has no
// deployed collector to target by default — a host application that
// wants OTLP export registers its own provider before calling New and
// leaves EnableTelemetry unset here).
func setupTelemetry(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.EnableTelemetry {
		return nil, nil //nolint:nilnil // disabled telemetry is a valid no-op state, not an error
	}

	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.OtelServiceName))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}

// shutdownTelemetry flushes and stops tp, tolerating a nil provider
// (telemetry disabled).
func shutdownTelemetry(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	return tp.Shutdown(ctx)
}
