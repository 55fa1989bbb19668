package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupMetricsTest installs a manual-reader meter provider for the test.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")
	var total int64
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == key && attr.Value.AsString() == value {
				total += dp.Value
			}
		}
	}
	return total
}

func TestOtelMetrics(t *testing.T) {
	reader := setupMetricsTest(t)

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("publish counter", func(t *testing.T) {
		m.RecordPublish(ctx, "order-events", "ORDER_CREATED")
		m.RecordPublish(ctx, "order-events", "ORDER_CREATED")

		got := sumFor(t, findMetric(t, reader, "orderstream.events.published"), "event_type", "ORDER_CREATED")
		assert.Equal(t, int64(2), got)
	})

	t.Run("delivery errors only when failing", func(t *testing.T) {
		m.RecordDelivery(ctx, "billing", 5*time.Millisecond, nil)
		m.RecordDelivery(ctx, "email", 5*time.Millisecond, errors.New("smtp down"))

		assert.Equal(t, int64(1), sumFor(t, findMetric(t, reader, "orderstream.deliveries"), "consumer", "billing"))
		errs := findMetric(t, reader, "orderstream.delivery.errors")
		assert.Equal(t, int64(1), sumFor(t, errs, "consumer", "email"))
		assert.Equal(t, int64(0), sumFor(t, errs, "consumer", "billing"))

		hist := findMetric(t, reader, "orderstream.delivery.latency_ms")
		require.NotNil(t, hist)
		_, ok := hist.Data.(metricdata.Histogram[float64])
		assert.True(t, ok, "Expected Histogram type")
	})

	t.Run("dead letters and pushes", func(t *testing.T) {
		m.RecordDeadLetter(ctx, "order-events")
		m.RecordPush(ctx, "pruned")

		assert.Equal(t, int64(1), sumFor(t, findMetric(t, reader, "orderstream.deadlettered"), "source", "order-events"))
		assert.Equal(t, int64(1), sumFor(t, findMetric(t, reader, "orderstream.push.sends"), "outcome", "pruned"))
	})
}

func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	sm := NewSpanManager()

	_, span := sm.StartSpan(context.Background(), "publish", attribute.String("topic", "order-events"))
	sm.EndSpanWithError(span, nil)

	_, failed := sm.StartSpan(context.Background(), "project")
	sm.EndSpanWithError(failed, errors.New("malformed record"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "orderstream.publish", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.String("topic", "order-events"))
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "malformed record", spans[1].Status.Description)
	assert.Contains(t, spans[1].Attributes, attribute.String("error.category", "permanent"))
}

func TestNoopTelemetry(t *testing.T) {
	tel := Telemetry{}.OrNoop()
	ctx, span := tel.Spans.StartSpan(context.Background(), "x")
	assert.NotNil(t, ctx)
	tel.Spans.EndSpanWithError(span, errors.New("ignored"))
	tel.Metrics.RecordPublish(ctx, "t", "e")
	tel.Metrics.RecordDelivery(ctx, "c", time.Second, nil)
	tel.Metrics.RecordDeadLetter(ctx, "s")
	tel.Metrics.RecordPush(ctx, "delivered")
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	LogDelivery(logger, "email", "ORDER_CREATED", 2, 1.5, errors.New("smtp down"))
	LogDeadLetter(logger, "order-events", "m-1", 3, "max attempts exceeded")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "delivery failed", first["msg"])
	assert.Equal(t, "email", first["consumer"])
	assert.Equal(t, float64(2), first["attempt"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "ERROR", second["level"])
	assert.Equal(t, "m-1", second["message_id"])

	// nil loggers are ignored
	LogDelivery(nil, "x", "y", 1, 0, nil)
	assert.NotNil(t, OrDiscard(nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
