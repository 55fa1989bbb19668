package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordPublish does nothing.
func (NoopMetrics) RecordPublish(_ context.Context, _, _ string) {}

// RecordDelivery does nothing.
func (NoopMetrics) RecordDelivery(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(_ context.Context, _ string) {}

// RecordPush does nothing.
func (NoopMetrics) RecordPush(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// Telemetry bundles the recorder and span manager handed to components.
// The zero value is usable and records nothing.
type Telemetry struct {
	Metrics MetricsRecorder
	Spans   SpanManager
}

// NewTelemetry returns OTel-backed telemetry using the global providers.
func NewTelemetry() Telemetry {
	return Telemetry{Metrics: NewMetricsRecorder(), Spans: NewSpanManager()}
}

// OrNoop fills unset members with no-op implementations.
func (t Telemetry) OrNoop() Telemetry {
	if t.Metrics == nil {
		t.Metrics = NoopMetrics{}
	}
	if t.Spans == nil {
		t.Spans = NoopSpanManager{}
	}
	return t
}
