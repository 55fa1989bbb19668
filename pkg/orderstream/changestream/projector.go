// Package changestream projects a table's mutation feed into push
// notifications.
//
// A Reader pages through the feed in small batches and checkpoints its
// position in the store. The Projector applies a Projection to each batch.
// When a batch fails it is split in half and each half retried, one retry
// round per level, so a poison record ends up dead-lettered alone while its
// neighbours go through.
package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/push"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

// DefaultMaxRetryRounds bounds how often a failing record is retried before
// it is dead-lettered.
const DefaultMaxRetryRounds = 3

// Notification is a push produced by projecting one change.
type Notification struct {
	ConnectionID string

	// Payload is JSON-encoded by the dispatcher.
	Payload any

	// Disconnect closes the connection after the payload is sent.
	Disconnect bool
}

// Projection turns one change into zero or more notifications. It must be
// idempotent: a change may be projected again when its batch is retried.
type Projection interface {
	Project(ctx context.Context, c eventstore.Change) ([]Notification, error)
}

// ProjectionFunc adapts a function to Projection.
type ProjectionFunc func(ctx context.Context, c eventstore.Change) ([]Notification, error)

// Project implements Projection.
func (f ProjectionFunc) Project(ctx context.Context, c eventstore.Change) ([]Notification, error) {
	return f(ctx, c)
}

// ProjectorConfig configures a Projector.
type ProjectorConfig struct {
	Projection  Projection
	Notifier    push.Notifier
	DeadLetters queue.DeadLetters

	// Source names the projector on dead letters. Default: "changestream".
	Source string

	// MaxRetryRounds bounds bisection depth. Default: DefaultMaxRetryRounds
	MaxRetryRounds int

	Now       func() time.Time
	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Projected    int
	DeadLettered int
	Notified     int
}

// Projector runs a Projection over batches with bisecting retries.
type Projector struct {
	cfg    ProjectorConfig
	logger *slog.Logger
	tel    observability.Telemetry
}

// NewProjector returns a projector.
func NewProjector(cfg ProjectorConfig) (*Projector, error) {
	switch {
	case cfg.Projection == nil:
		return nil, errors.New("projector requires a projection")
	case cfg.Notifier == nil:
		return nil, errors.New("projector requires a notifier")
	case cfg.DeadLetters == nil:
		return nil, errors.New("projector requires a dead-letter store")
	}
	if cfg.Source == "" {
		cfg.Source = "changestream"
	}
	if cfg.MaxRetryRounds <= 0 {
		cfg.MaxRetryRounds = DefaultMaxRetryRounds
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Projector{
		cfg:    cfg,
		logger: observability.Component(cfg.Logger, "projector").With(slog.String("source", cfg.Source)),
		tel:    cfg.Telemetry.OrNoop(),
	}, nil
}

// MaxBatch is the largest batch whose single bad record bisection can
// isolate within MaxRetryRounds.
func (p *Projector) MaxBatch() int {
	if p.cfg.MaxRetryRounds >= 30 {
		return 1 << 30
	}
	return 1 << p.cfg.MaxRetryRounds
}

// ProcessBatch projects changes. Every change is either projected, with its
// notifications dispatched, or dead-lettered. The error is non-nil only when
// ctx ends or the dead-letter store fails; the caller must then not advance
// its checkpoint.
func (p *Projector) ProcessBatch(ctx context.Context, changes []eventstore.Change) (res BatchResult, err error) {
	ctx, span := p.tel.Spans.StartSpan(ctx, "changestream.batch",
		attribute.String("source", p.cfg.Source),
		attribute.Int("batch_size", len(changes)),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("projected", res.Projected),
			attribute.Int("dead_lettered", res.DeadLettered),
		)
		p.tel.Spans.EndSpanWithError(span, err)
	}()

	err = p.run(ctx, changes, p.cfg.MaxRetryRounds, &res)
	return res, err
}

// run attempts batch. On failure a single record is retried while rounds
// remain; a larger batch is split in half and each half gets one round
// less. With no rounds left the batch is dead-lettered.
func (p *Projector) run(ctx context.Context, batch []eventstore.Change, roundsLeft int, res *BatchResult) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	notes, err := p.attempt(ctx, batch)
	p.tel.Metrics.RecordDelivery(ctx, p.cfg.Source, time.Since(start), err)
	if err == nil {
		res.Projected += len(batch)
		res.Notified += p.dispatch(ctx, notes)
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}

	p.logger.Warn("batch failed",
		slog.Int("size", len(batch)),
		slog.Int64("first_seq", batch[0].Seq),
		slog.Int("rounds_left", roundsLeft),
		slog.String("error", err.Error()),
	)

	if roundsLeft == 0 {
		return p.deadLetter(ctx, batch, p.cfg.MaxRetryRounds+1, err, res)
	}
	if len(batch) == 1 {
		return p.run(ctx, batch, roundsLeft-1, res)
	}
	mid := len(batch) / 2
	if err := p.run(ctx, batch[:mid], roundsLeft-1, res); err != nil {
		return err
	}
	return p.run(ctx, batch[mid:], roundsLeft-1, res)
}

func (p *Projector) attempt(ctx context.Context, batch []eventstore.Change) ([]Notification, error) {
	var notes []Notification
	for _, c := range batch {
		ns, err := p.project(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("change %d (%s %s/%s): %w", c.Seq, c.Op, c.PK, c.SK, err)
		}
		notes = append(notes, ns...)
	}
	return notes, nil
}

func (p *Projector) project(ctx context.Context, c eventstore.Change) (ns []Notification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projection panic: %v", r)
		}
	}()
	return p.cfg.Projection.Project(ctx, c)
}

func (p *Projector) dispatch(ctx context.Context, notes []Notification) int {
	sent := 0
	for _, n := range notes {
		if n.ConnectionID == "" {
			continue
		}
		if n.Payload != nil && p.cfg.Notifier.Send(ctx, n.ConnectionID, n.Payload) == push.Delivered {
			sent++
		}
		if n.Disconnect {
			if err := p.cfg.Notifier.Disconnect(ctx, n.ConnectionID); err != nil {
				p.logger.Debug("disconnect failed", slog.String("channel_id", n.ConnectionID), slog.String("error", err.Error()))
			}
		}
	}
	return sent
}

// deadLetter quarantines each change of batch as a queue message whose
// body is the JSON change.
func (p *Projector) deadLetter(ctx context.Context, batch []eventstore.Change, attempts int, cause error, res *BatchResult) error {
	now := p.cfg.Now().UTC()
	for _, c := range batch {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %d: %w", c.Seq, err)
		}
		dl := queue.DeadLetter{
			Message: queue.Message{
				ID:   fmt.Sprintf("%s-%d", p.cfg.Source, c.Seq),
				Body: body,
				Attributes: map[string]string{
					"op":    string(c.Op),
					"cause": string(c.Cause),
					"pk":    c.PK,
					"sk":    c.SK,
				},
				Attempts:   attempts,
				EnqueuedAt: c.At,
			},
			Source:         p.cfg.Source,
			Reason:         cause.Error(),
			Attempts:       attempts,
			DeadLetteredAt: now,
		}
		if err := p.cfg.DeadLetters.Put(ctx, dl); err != nil {
			return fmt.Errorf("dead-letter change %d: %w", c.Seq, err)
		}
		res.DeadLettered++
		p.tel.Metrics.RecordDeadLetter(ctx, p.cfg.Source)
		observability.LogDeadLetter(p.logger, p.cfg.Source, dl.Message.ID, attempts, dl.Reason)
	}
	return nil
}
