package kafkabridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	msg, err := event.New(event.OrderCreated, event.OrderEvent{Email: "a@x.com", OrderID: "o-9"},
		event.WithMessageID("m-1"), event.WithTimestamp(at), event.WithAttribute("requestId", "r-1"))
	require.NoError(t, err)

	km := Message(msg)
	assert.Equal(t, "#order_o-9", string(km.Key))
	assert.Equal(t, []byte(msg.Body), km.Value)
	assert.Equal(t, at, km.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "messageId", Value: []byte("m-1")},
		{Key: event.AttrEventType, Value: []byte(event.OrderCreated)},
		{Key: "requestId", Value: []byte("r-1")},
	}, km.Headers)
}

func TestMessage_KeyFallbacks(t *testing.T) {
	inv, err := event.New(event.InvoiceCreated, event.InvoiceEvent{TransactionID: "tx-1", InvoiceNumber: "INV-1"})
	require.NoError(t, err)
	assert.Equal(t, "#invoice_INV-1", string(Message(inv).Key))

	timeout, err := event.New(event.InvoiceTimeout, event.InvoiceEvent{TransactionID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, "#transaction_tx-1", string(Message(timeout).Key))

	raw := event.Message{ID: "m-raw", Body: []byte("not json")}
	assert.Equal(t, "m-raw", string(Message(raw).Key))
}

func TestSink(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, 0, nil)
	msg, err := event.New(event.OrderDeleted, event.OrderEvent{OrderID: "o-1"})
	require.NoError(t, err)

	require.NoError(t, s.Consume(context.Background(), msg))
	require.Len(t, w.msgs, 1)

	w.err = errors.New("leader not available")
	err = s.Consume(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, oerrors.IsRetryable(err))

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewWriter(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))

	w, err := NewWriter("localhost:9092", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", w.Topic)

	_, err = NewWriter("", "orders")
	assert.Error(t, err)
	_, err = NewWriter("localhost:9092", "")
	assert.Error(t, err)
}
