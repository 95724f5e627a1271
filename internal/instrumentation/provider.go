package instrumentation

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the tracer name used across the engine.
const TracerName = "github.com/scalinity/curaknot-sync"

// Config controls tracing. Disabled tracing costs nothing: spans come from a
// no-op tracer.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Provider owns the OpenTelemetry tracer provider lifecycle.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	enabled        bool
}

// NewProvider builds a tracing provider. When enabled, spans export to
// stdout in OTLP-compatible JSON; the serve command hands this to log
// aggregation.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if !config.Enabled {
		return &Provider{}, nil
	}

	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	)}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, resource.WithAttributes(
			semconv.ServiceInstanceID(hostname)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tracerProvider: tp, enabled: true}, nil
}

// Tracer returns the process tracer from the global provider. Obtained before
// NewProvider registers the real provider it delegates transparently, so
// callers may fetch it at construction time.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Enabled reports whether tracing is active.
func (p *Provider) Enabled() bool { return p.enabled }

// Tracer returns the engine tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if !p.enabled {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return p.tracerProvider.Tracer(TracerName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}
