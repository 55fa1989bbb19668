package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

func TestNewTagsEventType(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, err := event.New(event.OrderCreated, event.OrderEvent{
		Email:        "ana@example.com",
		OrderID:      "o-1",
		ProductCodes: []string{"COD1"},
	}, event.WithMessageID("m-1"), event.WithTimestamp(ts), event.WithAttribute("source", "orders"))
	require.NoError(t, err)

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, ts, msg.PublishedAt)
	assert.Equal(t, event.OrderCreated, msg.EventType())
	assert.Equal(t, "orders", msg.Attribute("source"))

	env, err := event.Open(msg)
	require.NoError(t, err)
	assert.Equal(t, event.OrderCreated, env.EventType)

	var payload event.OrderEvent
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "o-1", payload.OrderID)
	assert.Equal(t, []string{"COD1"}, payload.ProductCodes)
}

func TestNewGeneratesIDs(t *testing.T) {
	a, err := event.New(event.OrderDeleted, map[string]string{"k": "v"})
	require.NoError(t, err)
	b, err := event.New(event.OrderDeleted, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := event.Open(event.Message{ID: "bad", Body: []byte("{not json")})
	assert.Error(t, err)

	assert.Error(t, event.Envelope{EventType: "X"}.Decode(&struct{}{}))
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	_, err := event.New(event.OrderCreated, make(chan int))
	assert.Error(t, err)
}
