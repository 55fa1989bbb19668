package order_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/order"
)

// capturePublisher records published messages. When store is set it also
// records whether the order row existed at publish time.
type capturePublisher struct {
	mu        sync.Mutex
	msgs      []event.Message
	fail      error
	store     order.Store
	persisted []bool
}

func (c *capturePublisher) Publish(ctx context.Context, msg event.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg)
	if c.store != nil {
		env, _ := event.Open(msg)
		var payload event.OrderEvent
		_ = env.Decode(&payload)
		_, err := c.store.Get(ctx, payload.Email, payload.OrderID)
		c.persisted = append(c.persisted, err == nil)
	}
	return nil
}

func newProducer(t *testing.T, pub order.Publisher) (*order.Producer, *order.MemoryStore) {
	t.Helper()
	store := order.NewMemoryStore()
	cat := catalog.NewMemory(
		catalog.Product{ID: "p1", Code: "COD1", Price: 10},
		catalog.Product{ID: "p2", Code: "COD2", Price: 5.5},
	)
	ids := 0
	p, err := order.NewProducer(order.ProducerConfig{
		Store:     store,
		Catalog:   cat,
		Publisher: pub,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) },
		NewID: func() string {
			ids++
			return "order-" + string(rune('0'+ids))
		},
	})
	require.NoError(t, err)
	return p, store
}

func validRequest() order.CreateRequest {
	return order.CreateRequest{
		Email:      "ana@example.com",
		ProductIDs: []string{"p1", "p2"},
		Payment:    order.PaymentCreditCard,
		Shipping:   order.Shipping{Type: order.ShippingUrgent, Carrier: order.CarrierFedex},
		RequestID:  "req-1",
	}
}

func TestCreateOrder_PersistsThenPublishes(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	p, store := newProducer(t, pub)
	pub.store = store

	o, err := p.CreateOrder(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "order-1", o.ID)
	assert.Equal(t, order.StatusCreated, o.Status)
	assert.InDelta(t, 15.5, o.Total(), 0.0001)
	assert.Equal(t, order.PaymentCreditCard, o.PaymentMethod())

	stored, err := store.Get(ctx, "ana@example.com", "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"COD1", "COD2"}, stored.ProductCodes())

	require.Len(t, pub.msgs, 1, "exactly one event")
	msg := pub.msgs[0]
	assert.Equal(t, event.OrderCreated, msg.EventType())
	assert.Equal(t, "req-1", msg.Attribute("requestId"))
	assert.Equal(t, []bool{true}, pub.persisted, "row committed before publish")

	env, err := event.Open(msg)
	require.NoError(t, err)
	assert.Equal(t, event.OrderCreated, env.EventType)
	var payload event.OrderEvent
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, event.OrderEvent{
		Email:        "ana@example.com",
		OrderID:      "order-1",
		Shipping:     event.Shipping{Type: "URGENT", Carrier: "FEDEX"},
		Billing:      event.Billing{Payment: "CREDIT_CARD", TotalPrice: 15.5},
		ProductCodes: []string{"COD1", "COD2"},
		RequestID:    "req-1",
	}, payload)
}

func TestCreateOrder_ValidationHasNoEffects(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(*order.CreateRequest){
		"empty products":  func(r *order.CreateRequest) { r.ProductIDs = nil },
		"blank product":   func(r *order.CreateRequest) { r.ProductIDs = []string{"p1", " "} },
		"bad payment":     func(r *order.CreateRequest) { r.Payment = "BITCOIN" },
		"empty email":     func(r *order.CreateRequest) { r.Email = "" },
		"malformed email": func(r *order.CreateRequest) { r.Email = "ana" },
		"unknown product": func(r *order.CreateRequest) { r.ProductIDs = []string{"p1", "missing"} },
		"bad carrier":     func(r *order.CreateRequest) { r.Shipping.Carrier = "DHL" },
		"bad shipping":    func(r *order.CreateRequest) { r.Shipping.Type = "SLOW" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			pub := &capturePublisher{}
			p, store := newProducer(t, pub)

			req := validRequest()
			mutate(&req)
			_, err := p.CreateOrder(ctx, req)

			require.Error(t, err)
			assert.ErrorIs(t, err, oerrors.ErrInvalidOrder)
			var ve *oerrors.ValidationError
			assert.ErrorAs(t, err, &ve)

			orders, lerr := store.ListByEmail(ctx, req.Email)
			require.NoError(t, lerr)
			assert.Empty(t, orders, "no mutation")
			assert.Empty(t, pub.msgs, "no publish")
		})
	}
}

func TestCreateOrder_DefaultsShipping(t *testing.T) {
	p, _ := newProducer(t, &capturePublisher{})
	req := validRequest()
	req.Shipping = order.Shipping{}

	o, err := p.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, order.Shipping{Type: order.ShippingEconomic, Carrier: order.CarrierCorreios}, o.Shipping)
}

func TestCreateOrder_PublishFailureKeepsOrder(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{fail: errors.New("topic unavailable")}
	p, store := newProducer(t, pub)

	o, err := p.CreateOrder(ctx, validRequest())
	require.Error(t, err)

	var tdf *oerrors.TransientDeliveryFailure
	require.ErrorAs(t, err, &tdf)
	assert.True(t, oerrors.IsRetryable(err))
	require.NotNil(t, o)

	stored, gerr := store.Get(ctx, "ana@example.com", o.ID)
	require.NoError(t, gerr, "write is not rolled back")
	assert.Equal(t, order.StatusCreated, stored.Status)
}

func TestDeleteOrder(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	p, store := newProducer(t, pub)
	pub.store = store

	created, err := p.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	deleted, err := p.DeleteOrder(ctx, "ana@example.com", created.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDeleted, deleted.Status)

	stored, err := store.Get(ctx, "ana@example.com", created.ID)
	require.NoError(t, err, "soft delete keeps the row")
	assert.Equal(t, order.StatusDeleted, stored.Status)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, event.OrderDeleted, pub.msgs[1].EventType())

	_, err = p.DeleteOrder(ctx, "ana@example.com", created.ID)
	assert.ErrorIs(t, err, oerrors.ErrNotFound, "already deleted")
	assert.Len(t, pub.msgs, 2)
}

func TestDeleteOrder_Errors(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	p, _ := newProducer(t, pub)

	_, err := p.DeleteOrder(ctx, "", "")
	require.ErrorIs(t, err, oerrors.ErrMissingParameter)
	var mp *oerrors.MissingParameterError
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, []string{"email", "orderId"}, mp.Parameters)

	_, err = p.DeleteOrder(ctx, "ana@example.com", "")
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, []string{"orderId"}, mp.Parameters)

	_, err = p.DeleteOrder(ctx, "ana@example.com", "ghost")
	assert.ErrorIs(t, err, oerrors.ErrNotFound)
	assert.Empty(t, pub.msgs)
}

func TestGetAndListOrders(t *testing.T) {
	ctx := context.Background()
	p, _ := newProducer(t, &capturePublisher{})

	a, err := p.CreateOrder(ctx, validRequest())
	require.NoError(t, err)
	b, err := p.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	got, err := p.GetOrder(ctx, "ana@example.com", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	list, err := p.ListOrders(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, []string{list[0].ID, list[1].ID})

	_, err = p.ListOrders(ctx, "")
	assert.ErrorIs(t, err, oerrors.ErrMissingParameter)
	_, err = p.GetOrder(ctx, "ana@example.com", "nope")
	assert.ErrorIs(t, err, oerrors.ErrNotFound)
}

func TestNewProducer_RequiresCollaborators(t *testing.T) {
	_, err := order.NewProducer(order.ProducerConfig{})
	assert.Error(t, err)
	_, err = order.NewProducer(order.ProducerConfig{Store: order.NewMemoryStore()})
	assert.Error(t, err)
	_, err = order.NewProducer(order.ProducerConfig{Store: order.NewMemoryStore(), Catalog: catalog.NewMemory()})
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ORDERSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORDERSTREAM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	store := order.NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))

	email := "pg-" + time.Now().Format("150405.000000") + "@example.com"
	o := order.Order{ID: "o-1", Email: email, Status: order.StatusCreated, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.Put(ctx, o))
	o.Status = order.StatusDeleted
	require.NoError(t, store.Put(ctx, o))

	got, err := store.Get(ctx, email, "o-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusDeleted, got.Status)

	list, err := store.ListByEmail(ctx, email)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, email, "missing")
	assert.ErrorIs(t, err, oerrors.ErrNotFound)
}
