package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orderstream/pkg/orderstream/email"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/pubsub"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

func orderMessage(t *testing.T, eventType, id string) event.Message {
	t.Helper()
	msg, err := event.New(eventType, event.OrderEvent{
		Email:        "ana@example.com",
		OrderID:      "o-1",
		Shipping:     event.Shipping{Type: "URGENT", Carrier: "FEDEX"},
		Billing:      event.Billing{Payment: "CASH", TotalPrice: 30.5},
		ProductCodes: []string{"COD1", "COD2"},
		RequestID:    "req-1",
	}, event.WithMessageID(id))
	require.NoError(t, err)
	return msg
}

func TestEventRecorder_Appends(t *testing.T) {
	ctx := context.Background()
	table := eventstore.NewMemoryTable()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec, err := NewEventRecorder(RecorderConfig{Table: table, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, rec.Consume(ctx, orderMessage(t, event.OrderCreated, "m-1")))
	require.NoError(t, rec.Consume(ctx, orderMessage(t, event.OrderDeleted, "m-2")))

	recs, err := table.QueryByEntity(ctx, event.OrderKey("o-1"), eventstore.Range{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, event.OrderCreated, recs[0].EventType)
	assert.Equal(t, event.OrderDeleted, recs[1].EventType)
	assert.Less(t, recs[0].SK, recs[1].SK)
	assert.Equal(t, "ana@example.com", recs[0].Lookup)
	assert.Equal(t, now.Add(DefaultEventTTL), recs[0].ExpiresAt)

	var entry AuditEntry
	require.NoError(t, json.Unmarshal(recs[0].Payload, &entry))
	assert.Equal(t, AuditEntry{OrderID: "o-1", ProductCodes: []string{"COD1", "COD2"}, MessageID: "m-1", RequestID: "req-1"}, entry)

	byEmail, err := table.QueryByLookup(ctx, "ana@example.com", event.OrderDeleted)
	require.NoError(t, err)
	assert.Len(t, byEmail, 1)
}

func TestEventRecorder_RekeysAfterConflict(t *testing.T) {
	ctx := context.Background()
	table := eventstore.NewMemoryTable()
	require.NoError(t, table.Append(ctx, event.Record{PK: event.OrderKey("o-1"), SK: 5000, EventType: event.OrderCreated}))

	clock := eventstore.NewClockAt(func() time.Time { return time.Unix(0, 1000) })
	rec, err := NewEventRecorder(RecorderConfig{Table: table, Clock: clock, TTL: -1})
	require.NoError(t, err)

	require.NoError(t, rec.Consume(ctx, orderMessage(t, event.OrderDeleted, "m-2")))

	recs, err := table.QueryByEntity(ctx, event.OrderKey("o-1"), eventstore.Range{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5001), recs[1].SK)
	assert.True(t, recs[1].ExpiresAt.IsZero())
}

// lossyAckTable commits the first append but reports a failure.
type lossyAckTable struct {
	eventstore.Table
	failed bool
}

func (l *lossyAckTable) Append(ctx context.Context, rec event.Record) error {
	if err := l.Table.Append(ctx, rec); err != nil {
		return err
	}
	if !l.failed {
		l.failed = true
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestEventRecorder_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	table := &lossyAckTable{Table: eventstore.NewMemoryTable()}
	rec, err := NewEventRecorder(RecorderConfig{Table: table})
	require.NoError(t, err)

	m := orderMessage(t, event.OrderCreated, "m-1")
	require.Error(t, rec.Consume(ctx, m))
	require.NoError(t, rec.Consume(ctx, m))
	require.NoError(t, rec.Consume(ctx, m))

	recs, err := table.QueryByEntity(ctx, event.OrderKey("o-1"), eventstore.Range{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, rec.Consume(ctx, orderMessage(t, event.OrderDeleted, "m-2")))
	recs, err = table.QueryByEntity(ctx, event.OrderKey("o-1"), eventstore.Range{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEventRecorder_MalformedIsPoison(t *testing.T) {
	rec, err := NewEventRecorder(RecorderConfig{Table: eventstore.NewMemoryTable()})
	require.NoError(t, err)

	err = rec.Consume(context.Background(), event.Message{ID: "bad", Body: []byte("{")})
	require.Error(t, err)
	assert.Equal(t, oerrors.CategoryPoison, oerrors.Categorize(err))

	msg, err := event.New(event.OrderCreated, map[string]string{"email": "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, oerrors.CategoryPoison, oerrors.Categorize(rec.Consume(context.Background(), msg)))

	_, err = NewEventRecorder(RecorderConfig{})
	assert.Error(t, err)
}

func TestBilling(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	b, err := NewBilling(ledger, nil)
	require.NoError(t, err)

	require.NoError(t, b.Consume(ctx, orderMessage(t, event.OrderCreated, "m-1")))
	require.NoError(t, b.Consume(ctx, orderMessage(t, event.OrderCreated, "m-1")))
	require.NoError(t, b.Consume(ctx, orderMessage(t, event.OrderDeleted, "m-2")))

	charges := ledger.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, 30.5, charges["o-1"].Amount)
	assert.Equal(t, "CASH", charges["o-1"].Payment)

	_, err = NewBilling(nil, nil)
	assert.Error(t, err)
}

func TestTableLedger(t *testing.T) {
	ctx := context.Background()
	table := eventstore.NewMemoryTable()
	l := TableLedger{Table: table}

	require.NoError(t, l.Record(ctx, Charge{OrderID: "o-1", Email: "a@x.com", Amount: 10}))
	require.NoError(t, l.Record(ctx, Charge{OrderID: "o-1", Email: "a@x.com", Amount: 99}))

	it, err := table.Get(ctx, "#billing_o-1", chargeSK)
	require.NoError(t, err)
	var c Charge
	require.NoError(t, json.Unmarshal(it.Data, &c))
	assert.Equal(t, 10.0, c.Amount, "first charge wins")

	changes, err := table.Changes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func newEmailQueue(t *testing.T) (*queue.MemoryQueue, *queue.MemoryDeadLetters) {
	t.Helper()
	dl := queue.NewMemoryDeadLetters(0)
	q, err := queue.NewMemoryQueue(queue.Config{Name: "email", DeadLetters: dl, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return q, dl
}

func TestEmailNotifier_DeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	rec := &email.Recorder{}
	n, err := NewEmailNotifier(EmailConfig{Sender: rec})
	require.NoError(t, err)

	q, _ := newEmailQueue(t)
	require.NoError(t, q.Send(ctx, queue.FromEvent(orderMessage(t, event.OrderCreated, "m-1"))))

	w, err := queue.NewWorker(q, n, queue.WorkerConfig{BatchSize: 10, ReceiveWait: 50 * time.Millisecond})
	require.NoError(t, err)
	handled, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	// A copy redelivered after a lost ack.
	d := queue.Delivery{Message: queue.FromEvent(orderMessage(t, event.OrderCreated, "m-1"))}
	d.Message.Attempts = 2
	require.NoError(t, n.Handle(ctx, d))

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].To)
	assert.Equal(t, "Order o-1 received", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "COD1, COD2")

	left, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestEmailNotifier_FailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	rec := &email.Recorder{Fail: func(string) error { return errors.New("relay down") }}
	n, err := NewEmailNotifier(EmailConfig{Sender: rec})
	require.NoError(t, err)

	q, dl := newEmailQueue(t)
	require.NoError(t, q.Send(ctx, queue.FromEvent(orderMessage(t, event.OrderCreated, "m-1"))))

	w, err := queue.NewWorker(q, n, queue.WorkerConfig{BatchSize: 1, ReceiveWait: 50 * time.Millisecond})
	require.NoError(t, err)
	for range 3 {
		handled, err := w.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, handled)
	}

	letters, err := dl.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "m-1", letters[0].Message.ID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "relay down")
}

func TestEmailNotifier_IgnoresOtherEvents(t *testing.T) {
	rec := &email.Recorder{}
	n, err := NewEmailNotifier(EmailConfig{Sender: rec})
	require.NoError(t, err)

	d := queue.Delivery{Message: queue.FromEvent(orderMessage(t, event.OrderDeleted, "m-1"))}
	require.NoError(t, n.Handle(context.Background(), d))
	assert.Empty(t, rec.Sent())

	_, err = NewEmailNotifier(EmailConfig{})
	assert.Error(t, err)
}

func TestDedupers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	for name, d := range map[string]Deduper{
		"memory": NewMemoryDeduper(),
		"redis":  NewRedisDeduper(client, ""),
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := d.Claim(ctx, "k", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = d.Claim(ctx, "k", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, d.Release(ctx, "k"))
			ok, err = d.Claim(ctx, "k", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
	assert.True(t, mr.Exists("orderstream:dedupe:k"))
}

func TestMemoryDeduper_Expires(t *testing.T) {
	now := time.Unix(100, 0)
	d := NewMemoryDeduper()
	d.now = func() time.Time { return now }

	ok, _ := d.Claim(context.Background(), "k", time.Minute)
	require.True(t, ok)
	now = now.Add(time.Minute)
	ok, _ = d.Claim(context.Background(), "k", time.Minute)
	assert.True(t, ok)
}

// TestFanOut wires the consumers to one topic the way the service does:
// the recorder sees every event, billing and the email queue only
// ORDER_CREATED.
func TestFanOut(t *testing.T) {
	ctx := context.Background()
	table := eventstore.NewMemoryTable()
	recorder, err := NewEventRecorder(RecorderConfig{Table: table})
	require.NoError(t, err)
	ledger := NewMemoryLedger()
	billing, err := NewBilling(ledger, nil)
	require.NoError(t, err)
	q, _ := newEmailQueue(t)

	topic := pubsub.NewTopic("orders", pubsub.TopicConfig{})
	_, err = topic.Subscribe("events", recorder, nil)
	require.NoError(t, err)
	_, err = topic.Subscribe("billing", billing, pubsub.EventTypes(event.OrderCreated))
	require.NoError(t, err)
	_, err = topic.Subscribe("email", queue.NewSink(q), pubsub.EventTypes(event.OrderCreated))
	require.NoError(t, err)

	require.NoError(t, topic.Publish(ctx, orderMessage(t, event.OrderCreated, "m-1")))
	require.NoError(t, topic.Publish(ctx, orderMessage(t, event.OrderDeleted, "m-2")))
	require.NoError(t, topic.Close())

	recs, err := table.QueryByEntity(ctx, event.OrderKey("o-1"), eventstore.Range{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Len(t, ledger.Charges(), 1)
	queued, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}
