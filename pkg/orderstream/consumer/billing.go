package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Charge is a billing entry for one order.
type Charge struct {
	OrderID   string    `json:"orderId"`
	Email     string    `json:"email"`
	Payment   string    `json:"payment"`
	Amount    float64   `json:"amount"`
	MessageID string    `json:"messageId"`
	ChargedAt time.Time `json:"chargedAt"`
}

// Ledger stores charges. Recording the same order twice keeps one charge.
type Ledger interface {
	Record(ctx context.Context, c Charge) error
}

// MemoryLedger is an in-memory Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	charges map[string]Charge
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{charges: make(map[string]Charge)}
}

// Record implements Ledger.
func (l *MemoryLedger) Record(_ context.Context, c Charge) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.charges[c.OrderID]; !ok {
		l.charges[c.OrderID] = c
	}
	return nil
}

// Charges returns the recorded charges keyed by order ID.
func (l *MemoryLedger) Charges() map[string]Charge {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Charge, len(l.charges))
	for k, v := range l.charges {
		out[k] = v
	}
	return out
}

// chargeSK is the sort key of the single charge item of an order.
const chargeSK = "charge"

// TableLedger keeps charges as items of an eventstore table.
type TableLedger struct {
	Table eventstore.Table
}

// Record implements Ledger.
func (l TableLedger) Record(ctx context.Context, c Charge) error {
	pk := "#billing_" + c.OrderID
	if _, err := l.Table.Get(ctx, pk, chargeSK); err == nil {
		return nil
	} else if !errors.Is(err, eventstore.ErrNotFound) {
		return fmt.Errorf("load charge %s: %w", c.OrderID, err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}
	return l.Table.Put(ctx, eventstore.Item{
		PK:     pk,
		SK:     chargeSK,
		Type:   "CHARGE",
		Lookup: c.Email,
		Data:   data,
	})
}

// Billing charges created orders.
type Billing struct {
	ledger Ledger
	now    func() time.Time
	logger *slog.Logger
}

// NewBilling returns a billing consumer writing to ledger.
func NewBilling(ledger Ledger, logger *slog.Logger) (*Billing, error) {
	if ledger == nil {
		return nil, errors.New("billing consumer requires a ledger")
	}
	return &Billing{ledger: ledger, now: time.Now, logger: observability.Component(logger, "billing")}, nil
}

// Consume implements pubsub.Consumer. Events other than ORDER_CREATED are
// ignored.
func (b *Billing) Consume(ctx context.Context, msg event.Message) error {
	if msg.EventType() != event.OrderCreated {
		return nil
	}
	_, oe, err := decodeOrderEvent(msg)
	if err != nil {
		return err
	}

	c := Charge{
		OrderID:   oe.OrderID,
		Email:     oe.Email,
		Payment:   oe.Billing.Payment,
		Amount:    oe.Billing.TotalPrice,
		MessageID: msg.ID,
		ChargedAt: b.now().UTC(),
	}
	if err := b.ledger.Record(ctx, c); err != nil {
		return fmt.Errorf("bill order %s: %w", oe.OrderID, err)
	}

	b.logger.Info("order billed",
		slog.String("order_id", oe.OrderID),
		slog.String("payment", c.Payment),
		slog.Float64("amount", c.Amount),
	)
	return nil
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = TableLedger{}
)
