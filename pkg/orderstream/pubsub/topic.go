// Package pubsub is the in-process publish/subscribe router. A Topic fans
// each published message out to every subscription whose filter matches.
//
// Each subscription owns an unbounded backlog and a goroutine, so delivery
// order is preserved per subscription and a slow or failing consumer never
// blocks the publisher or the other subscriptions. Consumer failures are
// retried per subscription and never surface to the publisher.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Sentinel errors.
var (
	// ErrTopicClosed is returned by Publish and Subscribe after Close.
	ErrTopicClosed = errors.New("topic closed")

	// ErrDuplicateSubscription is returned when a subscription name is reused.
	ErrDuplicateSubscription = errors.New("subscription already exists")
)

// Consumer handles messages delivered to a subscription.
type Consumer interface {
	Consume(ctx context.Context, msg event.Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, msg event.Message) error

// Consume implements Consumer.
func (f ConsumerFunc) Consume(ctx context.Context, msg event.Message) error {
	return f(ctx, msg)
}

// DeadLetterer receives messages a subscription gave up on.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, source string, msg event.Message, attempts int, cause error) error
}

// TopicConfig configures a topic.
type TopicConfig struct {
	// HighWater is the backlog length per subscription above which a
	// warning is logged. Publish never waits on a backlog.
	// Default: 256
	HighWater int

	// Logger receives delivery logs. Default: discard.
	Logger *slog.Logger

	// Telemetry records publish and delivery metrics. Default: no-op.
	Telemetry observability.Telemetry
}

// DefaultTopicConfig provides reasonable defaults.
var DefaultTopicConfig = TopicConfig{
	HighWater: 256,
}

// Topic is a named fan-out point.
type Topic struct {
	name   string
	config TopicConfig
	logger *slog.Logger
	tel    observability.Telemetry

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewTopic creates a topic.
func NewTopic(name string, config TopicConfig) *Topic {
	if config.HighWater <= 0 {
		config.HighWater = DefaultTopicConfig.HighWater
	}
	return &Topic{
		name:   name,
		config: config,
		logger: observability.Component(config.Logger, "pubsub").With(slog.String("topic", name)),
		tel:    config.Telemetry.OrNoop(),
		subs:   make(map[string]*Subscription),
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Publish appends msg to the backlog of every matching subscription and
// returns without waiting for any consumer. The only error is
// ErrTopicClosed. A missing ID or publish time is filled in.
func (t *Topic) Publish(ctx context.Context, msg event.Message) (err error) {
	if t.closed.Load() {
		return ErrTopicClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	ctx, span := t.tel.Spans.StartSpan(ctx, "pubsub.publish",
		attribute.String("topic", t.name),
		attribute.String("event_type", msg.EventType()),
		attribute.String("message_id", msg.ID),
	)
	defer func() { t.tel.Spans.EndSpanWithError(span, err) }()

	t.mu.RLock()
	matched := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.filter.Matches(msg.Attributes) {
			matched = append(matched, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range matched {
		if !sub.enqueue(msg) && t.closed.Load() {
			return fmt.Errorf("publish %s: %w", msg.ID, ErrTopicClosed)
		}
	}

	t.tel.Metrics.RecordPublish(ctx, t.name, msg.EventType())
	t.logger.Debug("message published",
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType()),
		slog.Int("subscriptions", len(matched)),
	)
	return nil
}

// Subscribe attaches consumer under name. A nil filter receives everything.
func (t *Topic) Subscribe(name string, consumer Consumer, filter *Filter, opts ...SubscriptionOption) (*Subscription, error) {
	if consumer == nil {
		return nil, fmt.Errorf("subscribe %s: nil consumer", name)
	}
	if name == "" {
		return nil, fmt.Errorf("subscribe: empty subscription name")
	}

	sub := &Subscription{
		name:     name,
		topic:    t,
		consumer: consumer,
		filter:   filter,
		config:   DefaultSubscriptionConfig,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(&sub.config)
	}
	if sub.config.HighWater <= 0 {
		sub.config.HighWater = t.config.HighWater
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, ErrTopicClosed
	}
	if _, exists := t.subs[name]; exists {
		return nil, fmt.Errorf("subscribe %s: %w", name, ErrDuplicateSubscription)
	}
	t.subs[name] = sub

	t.wg.Add(1)
	go sub.process()

	return sub, nil
}

// Subscriptions returns the subscription names in sorted order.
func (t *Topic) Subscriptions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops accepting messages, lets every subscription drain its
// backlog, and waits for the subscription goroutines to exit.
func (t *Topic) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	for _, sub := range t.subs {
		sub.stop()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Broker holds named topics.
type Broker struct {
	config TopicConfig

	mu     sync.Mutex
	topics map[string]*Topic
}

// NewBroker creates a broker whose topics share config.
func NewBroker(config TopicConfig) *Broker {
	return &Broker{config: config, topics: make(map[string]*Topic)}
}

// Topic returns the named topic, creating it on first use.
func (b *Broker) Topic(name string) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t
	}
	t := NewTopic(name, b.config)
	b.topics[name] = t
	return t
}

// Close closes every topic.
func (b *Broker) Close() error {
	b.mu.Lock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	var errs []error
	for _, t := range topics {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
