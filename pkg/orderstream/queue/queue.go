// Package queue is the durable queue with visibility-timeout leases and a
// dead-letter store.
//
// A message moves Enqueued -> Delivered(N) -> Acknowledged, or back to
// Enqueued when a delivery is nacked or its lease expires. After MaxAttempts
// unacknowledged deliveries it is moved verbatim to the DeadLetters store and
// is no longer visible to consumers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Sentinel errors.
var (
	// ErrStaleReceipt is returned when acking or nacking a delivery whose
	// lease has already expired or been settled.
	ErrStaleReceipt = errors.New("stale delivery receipt")

	// ErrNotFound indicates a missing dead letter.
	ErrNotFound = errors.New("dead letter not found")
)

// Message is a queued message.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// FromEvent wraps a pubsub message for queueing.
func FromEvent(m event.Message) Message {
	return Message{ID: m.ID, Body: m.Body, Attributes: m.Attributes}
}

// Event unwraps the message back into a pubsub message.
func (m Message) Event() event.Message {
	return event.Message{ID: m.ID, Body: m.Body, Attributes: m.Attributes, PublishedAt: m.EnqueuedAt}
}

// Delivery is a leased message. The lease ends at Deadline.
type Delivery struct {
	Message  Message
	Receipt  string
	Deadline time.Time
}

// Queue is the durable queue contract. Implementations must be safe for
// concurrent use by multiple workers.
type Queue interface {
	// Name identifies the queue in logs and dead letters.
	Name() string

	// Send enqueues a message. A missing ID is generated.
	Send(ctx context.Context, msg Message) error

	// Receive leases up to max visible messages, waiting at most wait for
	// the first one. It returns an empty slice when nothing arrived.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)

	// Ack settles a delivery.
	Ack(ctx context.Context, d Delivery) error

	// Nack returns a delivery to the queue, or dead-letters it when its
	// attempts are exhausted.
	Nack(ctx context.Context, d Delivery, reason string) error

	// Release hands a delivery back to the head of the queue without
	// counting the attempt. Workers use it for deliveries they abandon on
	// shutdown.
	Release(ctx context.Context, d Delivery) error

	// RequeueExpired nacks every delivery whose lease ended at or before now.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// Len counts visible and leased messages.
	Len(ctx context.Context) (int, error)
}

// Config configures a queue.
type Config struct {
	// Name is the queue name. Required.
	Name string

	// MaxAttempts is the number of deliveries before dead-lettering.
	// Default: 3
	MaxAttempts int

	// Visibility is the lease duration of a delivery.
	// Default: 30 seconds
	Visibility time.Duration

	// PollInterval is how often Receive re-checks while waiting.
	// Default: 50 milliseconds
	PollInterval time.Duration

	// DeadLetters receives exhausted messages. Required.
	DeadLetters DeadLetters

	// Logger receives dead-letter logs. Default: discard.
	Logger *slog.Logger

	// Telemetry records dead-letter metrics. Default: no-op.
	Telemetry observability.Telemetry
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxAttempts:  3,
	Visibility:   30 * time.Second,
	PollInterval: 50 * time.Millisecond,
}

func (c Config) withDefaults() (Config, error) {
	if c.Name == "" {
		return c, errors.New("queue requires a name")
	}
	if c.DeadLetters == nil {
		return c, fmt.Errorf("queue %s requires a dead-letter store", c.Name)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.Visibility <= 0 {
		c.Visibility = DefaultConfig.Visibility
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	c.Logger = observability.Component(c.Logger, "queue").With(slog.String("queue", c.Name))
	c.Telemetry = c.Telemetry.OrNoop()
	return c, nil
}

// deadLetterFor builds the dead-letter record of an exhausted message.
func deadLetterFor(source string, msg Message, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		Message:        msg,
		Source:         source,
		Reason:         reason,
		Attempts:       msg.Attempts,
		DeadLetteredAt: now.UTC(),
	}
}

func (c Config) reportDeadLetter(ctx context.Context, dl DeadLetter) {
	c.Telemetry.Metrics.RecordDeadLetter(ctx, c.Name)
	observability.LogDeadLetter(c.Logger, c.Name, dl.Message.ID, dl.Attempts, dl.Reason)
}

const expiredReason = "visibility timeout expired"
