package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// TracingOptions selects the span exporter.
type TracingOptions struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
	Version     string
}

// SetupTracing installs a global tracer provider and returns its shutdown
// function. Spans go to an OTLP/HTTP endpoint configured through the
// standard OTEL_EXPORTER_OTLP_* variables, or to stdout when Stdout is set.
// When tracing is disabled the global no-op provider is left in place.
func SetupTracing(ctx context.Context, opts TracingOptions, logger *zap.Logger) (func(context.Context) error, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if opts.Stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	} else {
		exporter, err = otlptracehttp.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		zap.String("service", opts.ServiceName),
		zap.Bool("stdout", opts.Stdout),
	)
	return tp.Shutdown, nil
}
