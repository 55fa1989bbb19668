package event

import (
	"encoding/json"
	"time"
)

// Record is a persisted lifecycle event. PK is the entity key, SK a sort key
// that strictly increases within one PK, Lookup the customer email used for
// secondary-index queries.
type Record struct {
	PK        string          `json:"pk"`
	SK        int64           `json:"sk"`
	EventType string          `json:"eventType"`
	Lookup    string          `json:"lookup,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Expired reports whether the record's TTL has passed at now.
// A zero ExpiresAt never expires.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// OrderKey is the partition key of an order's event history.
func OrderKey(orderID string) string {
	return "#order_" + orderID
}

// InvoiceKey is the partition key of an invoice's event history.
func InvoiceKey(invoiceNumber string) string {
	return "#invoice_" + invoiceNumber
}

// TransactionKey is the partition key of an import transaction's events.
func TransactionKey(transactionID string) string {
	return "#transaction_" + transactionID
}
