// Package observability wires distributed tracing for the agent tree.
// Spans follow the delegation hierarchy; event envelopes carry the
// trace and span ids so bus consumers can reconstruct per-agent order.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracing owns the tracer provider lifecycle.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// NewTracing builds a tracer provider that exports spans as JSON lines to
// w. A nil writer disables export but still generates span contexts, so
// events keep their trace identity.
func NewTracing(serviceName string, w io.Writer) (*Tracing, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	}
	if w != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return &Tracing{provider: sdktrace.NewTracerProvider(opts...)}, nil
}

// Tracer returns a named tracer.
func (t *Tracing) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

// ForceFlush drains pending span exports.
func (t *Tracing) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
