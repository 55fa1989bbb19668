package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one event published on a topic.
	RecordPublish(ctx context.Context, topic, eventType string)

	// RecordDelivery records a consumer handling one message.
	RecordDelivery(ctx context.Context, consumer string, duration time.Duration, err error)

	// RecordDeadLetter records a message quarantined by source.
	RecordDeadLetter(ctx context.Context, source string)

	// RecordPush records a push send outcome ("delivered", "pruned").
	RecordPush(ctx context.Context, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	deadLettered    metric.Int64Counter
	pushes          metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("orderstream")

	published, err := meter.Int64Counter("orderstream.events.published",
		metric.WithDescription("Number of events published to topics"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("orderstream.deliveries",
		metric.WithDescription("Number of consumer deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryErrors, err := meter.Int64Counter("orderstream.delivery.errors",
		metric.WithDescription("Number of failed consumer deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("orderstream.delivery.latency_ms",
		metric.WithDescription("Consumer handling latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("orderstream.deadlettered",
		metric.WithDescription("Number of messages moved to a dead-letter store"),
	)
	if err != nil {
		return nil, err
	}

	pushes, err := meter.Int64Counter("orderstream.push.sends",
		metric.WithDescription("Number of push sends by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:       published,
		deliveries:      deliveries,
		deliveryErrors:  deliveryErrors,
		deliveryLatency: deliveryLatency,
		deadLettered:    deadLettered,
		pushes:          pushes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; set it with
// otel.SetMeterProvider before calling this function.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records one published event.
func (m *otelMetrics) RecordPublish(ctx context.Context, topic, eventType string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("event_type", eventType),
	))
}

// RecordDelivery records a consumer delivery.
func (m *otelMetrics) RecordDelivery(ctx context.Context, consumer string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("consumer", consumer))

	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.deliveryErrors.Add(ctx, 1, attrs)
	}
}

// RecordDeadLetter records a quarantined message.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, source string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordPush records a push outcome.
func (m *otelMetrics) RecordPush(ctx context.Context, outcome string) {
	m.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
