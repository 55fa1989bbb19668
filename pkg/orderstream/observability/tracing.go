package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
)

const tracerName = "orderstream"

// SpanManager starts and ends the spans around publish, delivery,
// projection and push.
type SpanManager interface {
	// StartSpan starts a span named orderstream.<name>.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// EndSpanWithError ends span, marking it failed when err is set.
	EndSpanWithError(span trace.Span, err error)
}

// Tracer is the OpenTelemetry SpanManager.
type Tracer struct {
	tracer trace.Tracer
}

// NewSpanManager returns a Tracer on the global provider.
func NewSpanManager() SpanManager {
	return NewTracer(otel.GetTracerProvider())
}

// NewTracer returns a Tracer on provider.
func NewTracer(provider trace.TracerProvider) *Tracer {
	return &Tracer{tracer: provider.Tracer(tracerName)}
}

// spanKind maps message-flow operations to producer and consumer spans.
func spanKind(name string) trace.SpanKind {
	pkg, op, found := strings.Cut(name, ".")
	if !found {
		pkg, op = "", name
	}
	switch {
	case op == "publish":
		return trace.SpanKindProducer
	case op == "deliver", op == "handle", pkg == "consumer":
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

// StartSpan implements SpanManager.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, tracerName+"."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(spanKind(name)),
	)
}

// EndSpanWithError implements SpanManager. Failed spans carry an
// error.category attribute.
func (t *Tracer) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.category", oerrors.Categorize(err).String()))
	span.SetStatus(codes.Error, err.Error())
}
