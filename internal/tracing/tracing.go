// Package tracing builds the OpenTelemetry tracer provider used by tool
// dispatch and the HTTP surface. Tracing is off unless enabled in config; the
// disabled provider is a no-op.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmcp/taskmcp/pkg/errors"
)

// InstrumentationName names the tracer handed to taskmcp components.
const InstrumentationName = "github.com/taskmcp/taskmcp"

// Config holds the tracer provider settings.
type Config struct {
	Enabled     bool
	PrettyPrint bool
	ServiceName string

	// Output receives exported spans; nil means stdout.
	Output io.Writer
}

// Provider owns the tracer provider and its shutdown.
type Provider struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// New builds a provider. A disabled config yields a no-op provider.
func New(config Config) (*Provider, error) {
	if !config.Enabled {
		return &Provider{
			provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(out)}
	if config.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create trace exporter").
			WithComponent("tracing")
	}

	name := config.ServiceName
	if name == "" {
		name = "taskmcp"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	return &Provider{provider: tp, shutdown: tp.Shutdown}, nil
}

// FromProvider wraps an existing provider, for tests and embedding.
func FromProvider(tp trace.TracerProvider) *Provider {
	p := &Provider{provider: tp, shutdown: func(context.Context) error { return nil }}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		p.shutdown = sdk.Shutdown
	}
	return p
}

// TracerProvider returns the underlying provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.provider
}

// Tracer returns the taskmcp tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.provider.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// Propagator returns the W3C trace-context propagator used for HTTP headers.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// SetGlobal installs the provider and propagator as the otel globals.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.provider)
	otel.SetTextMapPropagator(Propagator())
}

// RecordResult marks span as failed with err, or ok when err is nil.
func RecordResult(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetAttributes(attribute.String("taskmcp.error_code", string(errors.CodeOf(err))))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
