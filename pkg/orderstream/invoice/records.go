// Package invoice ingests uploaded invoice files. A client asks for an
// import URL over its push connection, uploads a file to the object store,
// and the importer turns the file into an invoice record, reporting each
// step back to the client.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
)

// TransactionPK is the partition holding every import transaction.
const TransactionPK = "#transaction"

// Item types stored in the invoice table.
const (
	TypeTransaction = "URL_IMPORT"
	TypeInvoice     = "INVOICE"
)

// Status is the state of an import transaction.
type Status string

const (
	StatusURLGenerated     Status = "URL_GENERATED"
	StatusInvoiceReceived  Status = "INVOICE_RECEIVED"
	StatusInvoiceProcessed Status = "INVOICE_PROCESSED"
	StatusInvalidNumber    Status = "NON_VALID_INVOICE_NUMBER"
	StatusTimeout          Status = "TIMEOUT"
)

// Transaction tracks one upload from URL issue to processing.
type Transaction struct {
	ID           string    `json:"transactionId"`
	Status       Status    `json:"status"`
	ConnectionID string    `json:"connectionId"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Invoice is a parsed invoice.
type Invoice struct {
	Number        string    `json:"invoiceNumber"`
	CustomerName  string    `json:"customerName"`
	TotalValue    float64   `json:"totalValue"`
	ProductID     string    `json:"productId"`
	Quantity      int       `json:"quantity"`
	TransactionID string    `json:"transactionId"`
	ConnectionID  string    `json:"connectionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// InvoiceKey is the partition of a customer's invoices.
func InvoiceKey(customerName string) string {
	return "#invoice_" + customerName
}

// IsTransactionItem reports whether it holds a Transaction.
func IsTransactionItem(it *eventstore.Item) bool {
	return it != nil && it.PK == TransactionPK
}

// IsInvoiceItem reports whether it holds an Invoice.
func IsInvoiceItem(it *eventstore.Item) bool {
	return it != nil && strings.HasPrefix(it.PK, "#invoice_") && it.Type == TypeInvoice
}

// DecodeTransaction reads a Transaction from a table item.
func DecodeTransaction(it eventstore.Item) (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(it.Data, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction %s: %w", it.SK, err)
	}
	if tx.ID == "" {
		tx.ID = it.SK
	}
	return tx, nil
}

// DecodeInvoice reads an Invoice from a table item.
func DecodeInvoice(it eventstore.Item) (Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(it.Data, &inv); err != nil {
		return Invoice{}, fmt.Errorf("decode invoice %s/%s: %w", it.PK, it.SK, err)
	}
	if inv.Number == "" {
		return Invoice{}, fmt.Errorf("decode invoice %s/%s: missing invoice number", it.PK, it.SK)
	}
	return inv, nil
}

// Records reads and writes transactions and invoices in one table.
type Records struct {
	Table eventstore.Table
}

// PutTransaction stores tx, expiring with it.
func (r Records) PutTransaction(ctx context.Context, tx Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	return r.Table.Put(ctx, eventstore.Item{
		PK:        TransactionPK,
		SK:        tx.ID,
		Type:      TypeTransaction,
		Data:      data,
		ExpiresAt: tx.ExpiresAt,
	})
}

// Transaction returns the transaction id or a NotFoundError.
func (r Records) Transaction(ctx context.Context, id string) (Transaction, error) {
	it, err := r.Table.Get(ctx, TransactionPK, id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return Transaction{}, &oerrors.NotFoundError{Kind: "transaction", ID: id}
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return DecodeTransaction(it)
}

// PutInvoice stores inv under its customer partition.
func (r Records) PutInvoice(ctx context.Context, inv Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}
	return r.Table.Put(ctx, eventstore.Item{
		PK:     InvoiceKey(inv.CustomerName),
		SK:     inv.Number,
		Type:   TypeInvoice,
		Lookup: inv.CustomerName,
		Data:   data,
	})
}

// Invoice returns one invoice of a customer or a NotFoundError.
func (r Records) Invoice(ctx context.Context, customerName, number string) (Invoice, error) {
	it, err := r.Table.Get(ctx, InvoiceKey(customerName), number)
	if errors.Is(err, eventstore.ErrNotFound) {
		return Invoice{}, &oerrors.NotFoundError{Kind: "invoice", ID: number}
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("get invoice %s: %w", number, err)
	}
	return DecodeInvoice(it)
}
