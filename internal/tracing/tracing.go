// Package tracing wires the process-wide OpenTelemetry TracerProvider.
// clinval ships no OTLP exporter configuration of its own — just the
// stdout exporter, good enough to inspect pkg/pipeline's spans locally
// or pipe into a collector's stdin shim — a real deployment replaces
// the exporter that Setup installs with its own.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the TracerProvider installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup installs a stdout-exporting TracerProvider as the global
// provider and returns a Shutdown to call on process exit.
func Setup(serviceName string) (Shutdown, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
