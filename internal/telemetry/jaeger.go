// Package telemetry wires OpenTelemetry tracing to a Jaeger collector.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// DefaultEndpoint is the collector's HTTP endpoint on localhost.
const DefaultEndpoint = "http://localhost:14268/api/traces"

// InitJaeger installs a global tracer provider exporting to endpoint.
// The returned function flushes and shuts the provider down.
func InitJaeger(serviceName, version, endpoint string, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	if logger != nil {
		logger.Info("jaeger tracing initialized", "endpoint", endpoint, "service", serviceName)
	}
	return tp, tp.Shutdown, nil
}
