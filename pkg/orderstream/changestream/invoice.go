package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/invoice"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// InvoiceCreated is pushed to the client whose upload produced an invoice.
type InvoiceCreated struct {
	Type          string  `json:"type"`
	TransactionID string  `json:"transactionId"`
	InvoiceNumber string  `json:"invoiceNumber"`
	TotalValue    float64 `json:"totalValue"`
}

// TransactionTimeout is pushed when an issued URL expires unused.
type TransactionTimeout struct {
	TransactionID string         `json:"transactionId"`
	Status        invoice.Status `json:"status"`
}

// InvoiceProjection projects the invoice table. A new invoice is appended
// to the event store as INVOICE_CREATED and reported to the uploading
// client, which is then disconnected. A transaction reaped while still
// URL_GENERATED is recorded as INVOICE_TIMEOUT and reported as TIMEOUT.
// Other changes are ignored.
type InvoiceProjection struct {
	Events eventstore.Table
	Logger *slog.Logger
}

// Project implements Projection.
func (p InvoiceProjection) Project(ctx context.Context, c eventstore.Change) ([]Notification, error) {
	switch {
	case c.Op == eventstore.OpInsert && invoice.IsInvoiceItem(c.NewImage):
		return p.invoiceCreated(ctx, c)
	case c.Op == eventstore.OpRemove && c.Cause == eventstore.CauseTTL && invoice.IsTransactionItem(c.OldImage):
		return p.transactionExpired(ctx, c)
	default:
		return nil, nil
	}
}

func (p InvoiceProjection) invoiceCreated(ctx context.Context, c eventstore.Change) ([]Notification, error) {
	inv, err := invoice.DecodeInvoice(*c.NewImage)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(event.InvoiceEvent{
		TransactionID: inv.TransactionID,
		InvoiceNumber: inv.Number,
		CustomerName:  inv.CustomerName,
		ProductID:     inv.ProductID,
		Quantity:      inv.Quantity,
		TotalValue:    inv.TotalValue,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invoice event: %w", err)
	}

	// The change sequence is the sort key, so a replayed change collides
	// with its own earlier append.
	rec := event.Record{
		PK:        event.InvoiceKey(inv.Number),
		SK:        c.Seq,
		EventType: event.InvoiceCreated,
		Lookup:    inv.CustomerName,
		Payload:   payload,
		CreatedAt: c.At,
	}
	if err := p.appendOnce(ctx, rec); err != nil {
		return nil, err
	}

	if inv.ConnectionID == "" {
		return nil, nil
	}
	return []Notification{{
		ConnectionID: inv.ConnectionID,
		Payload: InvoiceCreated{
			Type:          event.InvoiceCreated,
			TransactionID: inv.TransactionID,
			InvoiceNumber: inv.Number,
			TotalValue:    inv.TotalValue,
		},
		Disconnect: true,
	}}, nil
}

func (p InvoiceProjection) transactionExpired(ctx context.Context, c eventstore.Change) ([]Notification, error) {
	tx, err := invoice.DecodeTransaction(*c.OldImage)
	if err != nil {
		return nil, err
	}
	if tx.Status != invoice.StatusURLGenerated {
		return nil, nil
	}

	payload, err := json.Marshal(event.InvoiceEvent{TransactionID: tx.ID, RequestID: tx.RequestID})
	if err != nil {
		return nil, fmt.Errorf("marshal timeout event: %w", err)
	}
	err = p.appendOnce(ctx, event.Record{
		PK:        event.TransactionKey(tx.ID),
		SK:        c.Seq,
		EventType: event.InvoiceTimeout,
		Payload:   payload,
		CreatedAt: c.At,
	})
	if err != nil {
		return nil, err
	}

	if tx.ConnectionID == "" {
		return nil, nil
	}
	return []Notification{{
		ConnectionID: tx.ConnectionID,
		Payload:      TransactionTimeout{TransactionID: tx.ID, Status: invoice.StatusTimeout},
		Disconnect:   true,
	}}, nil
}

// appendOnce appends rec, treating a write conflict as an earlier append of
// the same change.
func (p InvoiceProjection) appendOnce(ctx context.Context, rec event.Record) error {
	err := p.Events.Append(ctx, rec)
	if errors.Is(err, eventstore.ErrWriteConflict) {
		observability.OrDiscard(p.Logger).Debug("event already recorded",
			slog.String("pk", rec.PK),
			slog.Int64("sk", rec.SK),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("append %s to %s: %w", rec.EventType, rec.PK, err)
	}
	return nil
}
