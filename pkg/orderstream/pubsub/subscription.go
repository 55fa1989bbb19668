package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// SubscriptionConfig configures delivery to one consumer.
type SubscriptionConfig struct {
	// HighWater overrides the topic backlog warning threshold.
	HighWater int

	// Retry governs in-process redelivery of a failed message.
	Retry oerrors.RetryPolicy

	// Timeout bounds a single Consume call. Default: 0 (none).
	Timeout time.Duration

	// DeadLetter receives messages whose retries are exhausted (optional).
	DeadLetter DeadLetterer

	// OnError is called when a message finally fails (for logging).
	OnError func(subscription string, msg event.Message, err error)
}

// DefaultSubscriptionConfig retries every failure except caller errors and
// poison messages.
var DefaultSubscriptionConfig = SubscriptionConfig{
	Retry: oerrors.DefaultRetry.WithRetryable(retryConsumerError),
}

func retryConsumerError(err error) bool {
	switch oerrors.Categorize(err) {
	case oerrors.CategoryInvalid, oerrors.CategoryPoison:
		return false
	default:
		return true
	}
}

// SubscriptionOption configures a subscription.
type SubscriptionOption func(*SubscriptionConfig)

// WithRetry sets the retry policy.
func WithRetry(p oerrors.RetryPolicy) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		if p.Retryable == nil {
			p.Retryable = retryConsumerError
		}
		c.Retry = p
	}
}

// WithHighWater sets the backlog length that triggers a warning.
func WithHighWater(n int) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.HighWater = n
	}
}

// WithTimeout bounds each Consume call.
func WithTimeout(d time.Duration) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.Timeout = d
	}
}

// WithDeadLetter routes exhausted messages to dl.
func WithDeadLetter(dl DeadLetterer) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.DeadLetter = dl
	}
}

// WithOnError installs a final-failure callback.
func WithOnError(fn func(subscription string, msg event.Message, err error)) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.OnError = fn
	}
}

// Subscription is an active (consumer, filter) pair on a topic.
type Subscription struct {
	name     string
	topic    *Topic
	consumer Consumer
	filter   *Filter
	config   SubscriptionConfig

	mu      sync.Mutex
	backlog []event.Message
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// SubscriptionStats counts delivery outcomes.
type SubscriptionStats struct {
	Delivered    int64
	Failed       int64
	DeadLettered int64
	Pending      int
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Filter returns the subscription filter (nil means all messages).
func (s *Subscription) Filter() *Filter { return s.filter }

// Stats returns delivery counters.
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Delivered:    s.delivered.Load(),
		Failed:       s.failed.Load(),
		DeadLettered: s.deadLettered.Load(),
		Pending:      s.pending(),
	}
}

func (s *Subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// Unsubscribe detaches the subscription. Its backlog is still delivered. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.topic.mu.Lock()
	if s.topic.subs[s.name] == s {
		delete(s.topic.subs, s.name)
	}
	s.topic.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	})
}

// enqueue appends msg to the backlog without waiting on the consumer. It
// reports false once the subscription is stopped.
func (s *Subscription) enqueue(msg event.Message) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.backlog = append(s.backlog, msg)
	n := len(s.backlog)
	s.mu.Unlock()

	if n == s.config.HighWater {
		s.topic.logger.Warn("subscription backlog at high water",
			slog.String("subscription", s.name),
			slog.Int("pending", n),
		)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) next() (event.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return event.Message{}, false
	}
	msg := s.backlog[0]
	s.backlog[0] = event.Message{}
	s.backlog = s.backlog[1:]
	return msg, true
}

// process delivers the backlog in FIFO order until stopped, then drains it.
// stop marks the subscription before closing done, so nothing is appended
// after the final drain.
func (s *Subscription) process() {
	defer s.topic.wg.Done()

	for {
		if msg, ok := s.next(); ok {
			s.deliver(msg)
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			for {
				msg, ok := s.next()
				if !ok {
					return
				}
				s.deliver(msg)
			}
		}
	}
}

func (s *Subscription) deliver(msg event.Message) {
	tel := s.topic.tel
	logger := s.topic.logger

	ctx, span := tel.Spans.StartSpan(context.Background(), "pubsub.deliver",
		attribute.String("subscription", s.name),
		attribute.String("event_type", msg.EventType()),
		attribute.String("message_id", msg.ID),
	)

	result := oerrors.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		if s.config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()
		}
		start := time.Now()
		err := s.consumer.Consume(ctx, msg)
		tel.Metrics.RecordDelivery(ctx, s.name, time.Since(start), err)
		return err
	})
	observability.LogDelivery(logger, s.name, msg.EventType(), result.Calls, float64(result.Elapsed.Microseconds())/1000, result.Err)
	tel.Spans.EndSpanWithError(span, result.Err)

	if result.Err == nil {
		s.delivered.Add(1)
		return
	}

	s.failed.Add(1)
	if s.config.OnError != nil {
		s.config.OnError(s.name, msg, result.Err)
	}
	if s.config.DeadLetter == nil {
		return
	}

	source := s.topic.name + "/" + s.name
	if err := s.config.DeadLetter.DeadLetter(ctx, source, msg, result.Calls, result.Err); err != nil {
		logger.Error("dead-letter write failed",
			slog.String("subscription", s.name),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.deadLettered.Add(1)
	tel.Metrics.RecordDeadLetter(ctx, source)
	observability.LogDeadLetter(logger, source, msg.ID, result.Calls, result.Err.Error())
}
