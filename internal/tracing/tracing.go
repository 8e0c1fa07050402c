// Package tracing wraps OpenTelemetry spans around transitions and sends.
// The tracer provider is injected; the zero Tracer records nothing.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/rendis/entityflow"

// Tracer starts spans. A nil *Tracer is valid and starts no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by provider. A nil provider yields a no-op tracer.
func New(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentation)}
}

// NewStdoutProvider builds an SDK provider exporting spans as JSON to w.
// Callers own the provider and must Shutdown it.
func NewStdoutProvider(ctx context.Context, w io.Writer, serviceName, serviceVersion string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Span is an in-flight span.
type Span struct {
	span trace.Span
}

// Start opens a span named name with string attributes.
func (t *Tracer) Start(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	tr := trace.Tracer(noop.NewTracerProvider().Tracer(instrumentation))
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if v != "" {
			kv = append(kv, attribute.String(k, v))
		}
	}
	ctx, span := tr.Start(ctx, name, trace.WithAttributes(kv...))
	return ctx, &Span{span: span}
}

// Set adds an attribute to the span.
func (s *Span) Set(key, value string) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}

// End records err (if any) as the span status and ends the span.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
