package pubsub_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/pubsub"
)

var fastRetry = oerrors.RetryPolicy{Attempts: 3, Backoff: time.Millisecond, Multiplier: 1}

func msg(t *testing.T, eventType string) event.Message {
	t.Helper()
	m, err := event.New(eventType, map[string]string{"k": "v"})
	require.NoError(t, err)
	return m
}

// recorder collects consumed message IDs in order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) Consume(_ context.Context, m event.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, m.ID)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type deadLetters struct {
	mu       sync.Mutex
	sources  []string
	attempts []int
}

func (d *deadLetters) DeadLetter(_ context.Context, source string, _ event.Message, attempts int, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, source)
	d.attempts = append(d.attempts, attempts)
	return nil
}

func TestFilter_Matches(t *testing.T) {
	var nilFilter *pubsub.Filter
	assert.True(t, nilFilter.Matches(nil), "absent filter matches everything")

	f := pubsub.EventTypes(event.OrderCreated)
	assert.True(t, f.Matches(map[string]string{event.AttrEventType: event.OrderCreated}))
	assert.False(t, f.Matches(map[string]string{event.AttrEventType: event.OrderDeleted}))
	assert.False(t, f.Matches(map[string]string{}), "missing attribute never matches")

	custom := &pubsub.Filter{Attribute: "region", AllowList: []string{"eu", "us"}}
	assert.True(t, custom.Matches(map[string]string{"region": "us"}))
	assert.False(t, custom.Matches(map[string]string{"region": "br"}))

	defaulted := &pubsub.Filter{AllowList: []string{event.OrderDeleted}}
	assert.True(t, defaulted.Matches(map[string]string{event.AttrEventType: event.OrderDeleted}))
}

func TestTopic_FilteredFanOut(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})

	audit, billing := &recorder{}, &recorder{}
	_, err := topic.Subscribe("audit", audit, nil)
	require.NoError(t, err)
	_, err = topic.Subscribe("billing", billing, pubsub.EventTypes(event.OrderCreated))
	require.NoError(t, err)

	created := msg(t, event.OrderCreated)
	deleted := msg(t, event.OrderDeleted)
	require.NoError(t, topic.Publish(context.Background(), created))
	require.NoError(t, topic.Publish(context.Background(), deleted))

	require.NoError(t, topic.Close())

	assert.Equal(t, []string{created.ID, deleted.ID}, audit.got())
	assert.Equal(t, []string{created.ID}, billing.got())
}

func TestTopic_FailingConsumerDoesNotAffectOthers(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})
	dl := &deadLetters{}

	var calls atomic.Int32
	failing := pubsub.ConsumerFunc(func(context.Context, event.Message) error {
		calls.Add(1)
		return errors.New("billing backend down")
	})
	healthy := &recorder{}

	var reported atomic.Int32
	_, err := topic.Subscribe("billing", failing, pubsub.EventTypes(event.OrderCreated),
		pubsub.WithRetry(fastRetry),
		pubsub.WithDeadLetter(dl),
		pubsub.WithOnError(func(string, event.Message, error) { reported.Add(1) }),
	)
	require.NoError(t, err)
	_, err = topic.Subscribe("audit", healthy, nil)
	require.NoError(t, err)

	m := msg(t, event.OrderCreated)
	require.NoError(t, topic.Publish(context.Background(), m), "consumer failure never reaches the publisher")
	require.NoError(t, topic.Close())

	assert.Equal(t, []string{m.ID}, healthy.got())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), reported.Load())
	assert.Equal(t, []string{"orders/billing"}, dl.sources)
	assert.Equal(t, []int{3}, dl.attempts)
}

func TestTopic_CallerErrorsAreNotRetried(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})

	var calls atomic.Int32
	sub, err := topic.Subscribe("strict", pubsub.ConsumerFunc(func(context.Context, event.Message) error {
		calls.Add(1)
		return &oerrors.ValidationError{Field: "email", Message: "required"}
	}), nil, pubsub.WithRetry(fastRetry))
	require.NoError(t, err)

	require.NoError(t, topic.Publish(context.Background(), msg(t, event.OrderCreated)))
	require.NoError(t, topic.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), sub.Stats().Failed)
}

func TestTopic_RetrySucceeds(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})

	var calls atomic.Int32
	sub, err := topic.Subscribe("flaky", pubsub.ConsumerFunc(func(context.Context, event.Message) error {
		if calls.Add(1) < 2 {
			return oerrors.Transient(errors.New("timeout"), "flaky")
		}
		return nil
	}), nil, pubsub.WithRetry(fastRetry))
	require.NoError(t, err)

	require.NoError(t, topic.Publish(context.Background(), msg(t, event.OrderCreated)))
	require.NoError(t, topic.Close())

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Zero(t, stats.Failed)
}

func TestTopic_PreservesOrderPerSubscription(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{HighWater: 4})
	rec := &recorder{}
	_, err := topic.Subscribe("audit", rec, nil)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 50; i++ {
		m := msg(t, event.OrderCreated)
		want = append(want, m.ID)
		require.NoError(t, topic.Publish(context.Background(), m))
	}
	require.NoError(t, topic.Close())

	assert.Equal(t, want, rec.got())
}

func TestTopic_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{HighWater: 1})
	release := make(chan struct{})
	slow := &recorder{}
	_, err := topic.Subscribe("slow", pubsub.ConsumerFunc(func(ctx context.Context, m event.Message) error {
		<-release
		return slow.Consume(ctx, m)
	}), nil)
	require.NoError(t, err)
	fast := &recorder{}
	_, err = topic.Subscribe("fast", fast, nil)
	require.NoError(t, err)

	var want []string
	for i := 0; i < 5; i++ {
		m := msg(t, event.OrderCreated)
		want = append(want, m.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		require.NoError(t, topic.Publish(ctx, m))
		cancel()
	}

	require.Eventually(t, func() bool { return len(fast.got()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, want, fast.got())
	assert.Empty(t, slow.got())

	close(release)
	require.NoError(t, topic.Close())
	assert.Equal(t, want, slow.got(), "backlog drains in publish order")
}

func TestTopic_PublishIgnoresCancelledContext(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})
	rec := &recorder{}
	sub, err := topic.Subscribe("audit", rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := msg(t, event.OrderCreated)
	require.NoError(t, topic.Publish(ctx, m))
	require.NoError(t, topic.Close())

	assert.Equal(t, []string{m.ID}, rec.got())
	assert.Zero(t, sub.Stats().Pending)
}

func TestTopic_SubscribeErrors(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})

	_, err := topic.Subscribe("a", &recorder{}, nil)
	require.NoError(t, err)
	_, err = topic.Subscribe("a", &recorder{}, nil)
	assert.ErrorIs(t, err, pubsub.ErrDuplicateSubscription)
	_, err = topic.Subscribe("b", nil, nil)
	assert.Error(t, err)

	assert.Equal(t, []string{"a"}, topic.Subscriptions())

	require.NoError(t, topic.Close())
	require.NoError(t, topic.Close())

	_, err = topic.Subscribe("c", &recorder{}, nil)
	assert.ErrorIs(t, err, pubsub.ErrTopicClosed)
	assert.ErrorIs(t, topic.Publish(context.Background(), msg(t, event.OrderCreated)), pubsub.ErrTopicClosed)
}

func TestTopic_Unsubscribe(t *testing.T) {
	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})
	rec := &recorder{}
	sub, err := topic.Subscribe("audit", rec, nil)
	require.NoError(t, err)

	first := msg(t, event.OrderCreated)
	require.NoError(t, topic.Publish(context.Background(), first))
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, topic.Publish(context.Background(), msg(t, event.OrderCreated)))
	require.NoError(t, topic.Close())

	assert.Equal(t, []string{first.ID}, rec.got())
	assert.Empty(t, topic.Subscriptions())
}

func TestBroker_TopicReuse(t *testing.T) {
	b := pubsub.NewBroker(pubsub.TopicConfig{})
	a := b.Topic("orders")
	assert.Same(t, a, b.Topic("orders"))
	assert.NotSame(t, a, b.Topic("invoices"))
	assert.Equal(t, "orders", a.Name())
	require.NoError(t, b.Close())
}
