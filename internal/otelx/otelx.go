// Package otelx configures the global OpenTelemetry tracer provider and
// propagators for docview.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// TracerName prefixes the instrumentation scope of docview's own spans.
const TracerName = "linnemanlabs/docview"

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// DialTimeout bounds exporter construction. Default 3s.
	DialTimeout time.Duration
}

// Tracer returns the named tracer from the global provider, so spans
// follow whatever Init installed.
func Tracer(scope string) trace.Tracer {
	return otel.Tracer(TracerName + "/" + scope)
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init installs the tracer provider and returns its shutdown. When
// tracing is disabled spans are created but never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())

	if !o.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return func(context.Context) error { return nil }, nil
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(o.Service + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// otlptracegrpc.New does not block on the connection but the context
	// still bounds client setup
	dialCtx, cancel := context.WithTimeout(ctx, o.DialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, err
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service+"."+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
