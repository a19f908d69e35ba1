package internal

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "playlock"

// StartSpan starts an OTLP span. Spans must be ended by calling End on the
// returned span.
func StartSpan(ctx context.Context, name string) (newCtx context.Context, span otrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// ConfigureOTLP sets up an OTLP HTTP trace exporter pointing at otlpURL and
// installs it as the global tracer provider. Returns a shutdown function to
// flush spans on exit.
func ConfigureOTLP(ctx context.Context, otlpURL, version string) (func(context.Context) error, error) {
	u, err := url.Parse(otlpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP URL %q: %w", otlpURL, err)
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(u.Host),
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("playlock"),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
