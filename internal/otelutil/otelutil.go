// Package otelutil installs the global OpenTelemetry tracer provider.
package otelutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// ErrNoExporter is returned by Init when neither exporter is configured.
var ErrNoExporter = errors.New("no trace exporter configured")

// Config selects the exporter. Endpoint wins over Stdout.
type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
	Stdout      bool
}

var (
	mu sync.Mutex
	tp *sdktrace.TracerProvider
)

// Init builds the tracer provider and installs it globally together with
// the W3C trace-context propagator.
func Init(ctx context.Context, cfg Config) error {
	if cfg.Endpoint == "" && !cfg.Stdout {
		return ErrNoExporter
	}
	name := cfg.ServiceName
	if name == "" {
		name = "audiorelay"
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return err
	}

	var exporter sdktrace.SpanExporter
	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	mu.Lock()
	tp = provider
	mu.Unlock()

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

// Flush shuts the provider down, exporting pending spans. Safe to call
// more than once and without Init.
func Flush() {
	mu.Lock()
	p := tp
	tp = nil
	mu.Unlock()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}
