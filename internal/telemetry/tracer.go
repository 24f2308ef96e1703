// Package telemetry wires OpenTelemetry tracing into the daemons. Spans go
// to stdout by default; deployments that ship to a collector swap the
// exporter in through an option.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Option adjusts tracing setup.
type Option func(*settings)

type settings struct {
	exporter sdktrace.SpanExporter
}

// WithExporter replaces the default stdout span exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(s *settings) { s.exporter = exp }
}

// Setup installs the global tracer provider for a daemon and returns the
// function that flushes and stops it.
func Setup(service string, logger *slog.Logger, opts ...Option) (func(context.Context) error, error) {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.exporter == nil {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		cfg.exporter = exp
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(service)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(cfg.exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized", slog.String("service", service))
	return tp.Shutdown, nil
}
