package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/pubsub"
)

// DefaultRetention is how long dead letters are kept.
const DefaultRetention = 10 * 24 * time.Hour

// DeadLetter is a quarantined message with its failure context.
type DeadLetter struct {
	Message        Message   `json:"message"`
	Source         string    `json:"source"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// Poison returns the dead letter as an error.
func (d DeadLetter) Poison() *oerrors.PoisonMessage {
	return &oerrors.PoisonMessage{MessageID: d.Message.ID, Attempts: d.Attempts, LastError: d.Reason}
}

// DeadLetters stores quarantined messages for inspection and redrive.
type DeadLetters interface {
	// Put stores a dead letter, replacing one with the same message ID.
	Put(ctx context.Context, dl DeadLetter) error

	// List returns up to limit dead letters, oldest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]DeadLetter, error)

	// Get returns the dead letter of a message, or ErrNotFound.
	Get(ctx context.Context, id string) (DeadLetter, error)

	// Delete removes a dead letter. Missing IDs are ignored.
	Delete(ctx context.Context, id string) error

	// Count returns the number of dead letters.
	Count(ctx context.Context) (int, error)

	// Purge drops dead letters older than the retention window at now.
	Purge(ctx context.Context, now time.Time) (int, error)

	// Redrive moves a dead letter back to q with its attempt count reset.
	Redrive(ctx context.Context, id string, q Queue) error
}

func redrive(ctx context.Context, store DeadLetters, id string, q Queue) error {
	dl, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	msg := dl.Message
	msg.Attempts = 0
	if err := q.Send(ctx, msg); err != nil {
		return fmt.Errorf("redrive %s to %s: %w", id, q.Name(), err)
	}
	return store.Delete(ctx, id)
}

// SubscriptionDeadLetters adapts a store to receive messages a pubsub
// subscription gave up on.
type SubscriptionDeadLetters struct {
	Store DeadLetters
	Now   func() time.Time
}

// DeadLetter implements pubsub.DeadLetterer.
func (s SubscriptionDeadLetters) DeadLetter(ctx context.Context, source string, msg event.Message, attempts int, cause error) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	qm := FromEvent(msg)
	qm.Attempts = attempts
	qm.EnqueuedAt = msg.PublishedAt
	return s.Store.Put(ctx, deadLetterFor(source, qm, cause.Error(), now()))
}

var _ pubsub.DeadLetterer = SubscriptionDeadLetters{}

// RunPurger drops dead letters past their retention from each store every
// interval until ctx ends.
func RunPurger(ctx context.Context, interval time.Duration, logger *slog.Logger, stores ...DeadLetters) {
	logger = observability.Component(logger, "dlq_purger")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range stores {
				n, err := s.Purge(ctx, now)
				if err != nil {
					logger.Warn("purge failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					logger.Info("dead letters purged", slog.Int("count", n))
				}
			}
		}
	}
}
