package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// DefaultEventTTL is how long audit records live before the store reaps them.
const DefaultEventTTL = 5 * time.Minute

// maxConflictRetries bounds how often Consume re-keys after a write conflict.
const maxConflictRetries = 5

// AuditEntry is the payload stored for an order lifecycle event.
type AuditEntry struct {
	OrderID      string   `json:"orderId"`
	ProductCodes []string `json:"productCodes,omitempty"`
	MessageID    string   `json:"messageId"`
	RequestID    string   `json:"requestId,omitempty"`
}

// RecorderConfig configures an EventRecorder.
type RecorderConfig struct {
	Table eventstore.Table
	Clock *eventstore.Clock

	// TTL is the record lifetime. Default: DefaultEventTTL. Negative
	// disables expiry.
	TTL time.Duration

	Now       func() time.Time
	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// EventRecorder appends every order lifecycle event to the event store,
// partitioned by order and looked up by customer email. A message already
// recorded under its order is skipped, so redelivery never duplicates it.
type EventRecorder struct {
	table  eventstore.Table
	clock  *eventstore.Clock
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	tel    observability.Telemetry
}

// NewEventRecorder returns a recorder.
func NewEventRecorder(cfg RecorderConfig) (*EventRecorder, error) {
	if cfg.Table == nil {
		return nil, errors.New("event recorder requires a table")
	}
	if cfg.Clock == nil {
		cfg.Clock = eventstore.NewClock()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultEventTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EventRecorder{
		table:  cfg.Table,
		clock:  cfg.Clock,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		logger: observability.Component(cfg.Logger, "event_recorder"),
		tel:    cfg.Telemetry.OrNoop(),
	}, nil
}

// Consume implements pubsub.Consumer.
func (r *EventRecorder) Consume(ctx context.Context, msg event.Message) (err error) {
	env, oe, err := decodeOrderEvent(msg)
	if err != nil {
		return err
	}

	ctx, span := r.tel.Spans.StartSpan(ctx, "consumer.record",
		attribute.String("event_type", env.EventType),
		attribute.String("order_id", oe.OrderID),
	)
	defer func() { r.tel.Spans.EndSpanWithError(span, err) }()

	pk := event.OrderKey(oe.OrderID)
	seen, err := r.recorded(ctx, pk, msg.ID)
	if err != nil {
		return err
	}
	if seen {
		r.logger.Debug("event already recorded",
			slog.String("message_id", msg.ID),
			slog.String("order_id", oe.OrderID),
		)
		return nil
	}

	payload, err := json.Marshal(AuditEntry{
		OrderID:      oe.OrderID,
		ProductCodes: oe.ProductCodes,
		MessageID:    msg.ID,
		RequestID:    oe.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	now := r.now().UTC()
	rec := event.Record{
		PK:        pk,
		EventType: env.EventType,
		Lookup:    oe.Email,
		Payload:   payload,
		CreatedAt: now,
	}
	if r.ttl > 0 {
		rec.ExpiresAt = now.Add(r.ttl)
	}

	for range maxConflictRetries {
		rec.SK = r.clock.Next()
		err = r.table.Append(ctx, rec)
		if !errors.Is(err, eventstore.ErrWriteConflict) {
			break
		}
		if err := r.observeHead(ctx, rec.PK, rec.SK); err != nil {
			return err
		}
	}
	if err != nil {
		return fmt.Errorf("record %s for order %s: %w", env.EventType, oe.OrderID, err)
	}

	r.logger.Debug("event recorded",
		slog.String("event_type", env.EventType),
		slog.String("order_id", oe.OrderID),
		slog.Int64("sk", rec.SK),
	)
	return nil
}

// observeHead advances the clock past the newest sort key of pk.
func (r *EventRecorder) observeHead(ctx context.Context, pk string, from int64) error {
	recs, err := r.table.QueryByEntity(ctx, pk, eventstore.Range{From: from})
	if err != nil {
		return fmt.Errorf("read partition head %s: %w", pk, err)
	}
	if n := len(recs); n > 0 {
		r.clock.Observe(recs[n-1].SK)
	}
	return nil
}

// recorded reports whether pk already holds an entry for messageID.
func (r *EventRecorder) recorded(ctx context.Context, pk, messageID string) (bool, error) {
	recs, err := r.table.QueryByEntity(ctx, pk, eventstore.Range{})
	if err != nil {
		return false, fmt.Errorf("read partition %s: %w", pk, err)
	}
	for _, rec := range recs {
		var entry AuditEntry
		if json.Unmarshal(rec.Payload, &entry) == nil && entry.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}
