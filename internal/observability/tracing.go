// Package observability sets up OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "petfeeder"

type TracingOptions struct {
	Exporter    string // none | stdout | otlphttp
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
	Version     string
}

// InitTracing installs the global tracer provider and returns its shutdown.
// Exporter "none" (or empty) installs a no-op provider.
func InitTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if name == "" || name == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter %s: %w", name, err)
	}
	service := strings.TrimSpace(opts.ServiceName)
	if service == "" {
		service = "petfeeder"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, name string, opts TracingOptions) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlphttp":
		endpoint := strings.TrimSpace(opts.Endpoint)
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		o := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if opts.Insecure {
			o = append(o, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, o...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q", name)
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
