package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/push"
)

// Defaults for import transactions.
const (
	DefaultTransactionTTL = 2 * time.Minute
	DefaultURLTTL         = 5 * time.Minute

	// MinInvoiceNumberLength is the shortest accepted invoice number.
	MinInvoiceNumberLength = 5
)

// ImportURL is sent to a client that asked for one.
type ImportURL struct {
	URL           string    `json:"url"`
	Expires       time.Time `json:"expires"`
	TransactionID string    `json:"transactionId"`
}

// StatusUpdate reports transaction progress to the client.
type StatusUpdate struct {
	TransactionID string `json:"transactionId"`
	Status        Status `json:"status"`
}

// ImporterConfig configures an Importer.
type ImporterConfig struct {
	Table    eventstore.Table
	Objects  Objects
	Notifier push.Notifier

	// Endpoint is recorded on transactions so operators can tell which
	// push endpoint issued them.
	Endpoint string

	// TransactionTTL bounds the time between URL issue and upload.
	// Default: DefaultTransactionTTL
	TransactionTTL time.Duration

	// URLTTL is the lifetime of upload URLs. Default: DefaultURLTTL
	URLTTL time.Duration

	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// Importer issues upload URLs and processes uploaded invoice files.
type Importer struct {
	records  Records
	objects  Objects
	notifier push.Notifier
	cfg      ImporterConfig
	logger   *slog.Logger
	tel      observability.Telemetry
}

// NewImporter returns an importer.
func NewImporter(cfg ImporterConfig) (*Importer, error) {
	switch {
	case cfg.Table == nil:
		return nil, errors.New("invoice importer requires a table")
	case cfg.Objects == nil:
		return nil, errors.New("invoice importer requires an object store")
	case cfg.Notifier == nil:
		return nil, errors.New("invoice importer requires a notifier")
	}
	if cfg.TransactionTTL <= 0 {
		cfg.TransactionTTL = DefaultTransactionTTL
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = DefaultURLTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Importer{
		records:  Records{Table: cfg.Table},
		objects:  cfg.Objects,
		notifier: cfg.Notifier,
		cfg:      cfg,
		logger:   observability.Component(cfg.Logger, "invoice_importer"),
		tel:      cfg.Telemetry.OrNoop(),
	}, nil
}

// IssueURL opens a transaction for connectionID and returns the URL the
// client uploads its invoice to. The transaction expires after
// TransactionTTL; an expired transaction still in URL_GENERATED is reported
// to the client as a timeout.
func (im *Importer) IssueURL(ctx context.Context, connectionID, requestID string) (ImportURL, error) {
	if connectionID == "" {
		return ImportURL{}, &oerrors.MissingParameterError{Parameters: []string{"connectionId"}}
	}
	id := im.cfg.NewID()
	u, exp, err := im.objects.PresignPut(ctx, id, im.cfg.URLTTL)
	if err != nil {
		return ImportURL{}, fmt.Errorf("presign upload: %w", err)
	}

	now := im.cfg.Now().UTC()
	tx := Transaction{
		ID:           id,
		Status:       StatusURLGenerated,
		ConnectionID: connectionID,
		Endpoint:     im.cfg.Endpoint,
		RequestID:    requestID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(im.cfg.TransactionTTL),
	}
	if err := im.records.PutTransaction(ctx, tx); err != nil {
		return ImportURL{}, err
	}

	im.logger.Info("import url issued",
		slog.String("transaction_id", id),
		slog.String("channel_id", connectionID),
	)
	return ImportURL{URL: u, Expires: exp, TransactionID: id}, nil
}

// HandleGetImportURL is the push action handler for "getImportUrl". The URL
// is sent back over the same connection.
func (im *Importer) HandleGetImportURL(ctx context.Context, connectionID string, in push.Inbound) error {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if len(in.Data) > 0 {
		_ = json.Unmarshal(in.Data, &req)
	}
	out, err := im.IssueURL(ctx, connectionID, req.RequestID)
	if err != nil {
		return err
	}
	im.notifier.Send(ctx, connectionID, out)
	return nil
}

// Import processes the uploaded object ev.Key, whose key is the
// transaction ID. Client-visible failures (unknown or reused transaction,
// bad invoice) end the session and return nil; only store errors are
// returned.
func (im *Importer) Import(ctx context.Context, ev ObjectCreated) (err error) {
	ctx, span := im.tel.Spans.StartSpan(ctx, "invoice.import", attribute.String("transaction_id", ev.Key))
	defer func() { im.tel.Spans.EndSpanWithError(span, err) }()

	tx, err := im.records.Transaction(ctx, ev.Key)
	if errors.Is(err, oerrors.ErrNotFound) {
		im.logger.Warn("upload without transaction", slog.String("transaction_id", ev.Key))
		return im.objects.Delete(ctx, ev.Key)
	}
	if err != nil {
		return err
	}

	if tx.Status != StatusURLGenerated {
		im.logger.Warn("upload for used transaction",
			slog.String("transaction_id", tx.ID),
			slog.String("status", string(tx.Status)),
		)
		im.notifier.Send(ctx, tx.ConnectionID, StatusUpdate{TransactionID: tx.ID, Status: tx.Status})
		return im.finish(ctx, tx, true)
	}

	if err := im.setStatus(ctx, &tx, StatusInvoiceReceived); err != nil {
		return err
	}

	data, err := im.objects.Get(ctx, ev.Key)
	if err != nil {
		return fmt.Errorf("read upload %s: %w", ev.Key, err)
	}
	inv, perr := parseInvoice(data)
	if perr != nil {
		im.logger.Warn("invalid invoice", slog.String("transaction_id", tx.ID), slog.String("error", perr.Error()))
		if err := im.setStatus(ctx, &tx, StatusInvalidNumber); err != nil {
			return err
		}
		return im.finish(ctx, tx, true)
	}

	inv.TransactionID = tx.ID
	inv.ConnectionID = tx.ConnectionID
	inv.CreatedAt = im.cfg.Now().UTC()
	if err := im.records.PutInvoice(ctx, inv); err != nil {
		return err
	}
	if err := im.setStatus(ctx, &tx, StatusInvoiceProcessed); err != nil {
		return err
	}

	im.logger.Info("invoice imported",
		slog.String("transaction_id", tx.ID),
		slog.String("invoice_number", inv.Number),
	)
	// The change-stream projection reports INVOICE_CREATED and ends the session.
	return im.finish(ctx, tx, false)
}

// setStatus persists and reports a transaction status change.
func (im *Importer) setStatus(ctx context.Context, tx *Transaction, s Status) error {
	tx.Status = s
	if err := im.records.PutTransaction(ctx, *tx); err != nil {
		return err
	}
	im.notifier.Send(ctx, tx.ConnectionID, StatusUpdate{TransactionID: tx.ID, Status: s})
	return nil
}

func (im *Importer) finish(ctx context.Context, tx Transaction, disconnect bool) error {
	if err := im.objects.Delete(ctx, tx.ID); err != nil {
		return err
	}
	if disconnect {
		if err := im.notifier.Disconnect(ctx, tx.ConnectionID); err != nil {
			im.logger.Debug("disconnect client", slog.String("channel_id", tx.ConnectionID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// parseInvoice decodes an uploaded invoice file.
func parseInvoice(data []byte) (Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return Invoice{}, &oerrors.ValidationError{Field: "invoice", Message: err.Error()}
	}
	inv.Number = strings.TrimSpace(inv.Number)
	inv.CustomerName = strings.TrimSpace(inv.CustomerName)
	if len(inv.Number) < MinInvoiceNumberLength {
		return Invoice{}, &oerrors.ValidationError{
			Field:   "invoiceNumber",
			Message: fmt.Sprintf("must have at least %d characters", MinInvoiceNumberLength),
		}
	}
	if inv.CustomerName == "" {
		return Invoice{}, &oerrors.ValidationError{Field: "customerName", Message: "required"}
	}
	if inv.Quantity < 0 || inv.TotalValue < 0 {
		return Invoice{}, &oerrors.ValidationError{Field: "invoice", Message: "quantity and totalValue must not be negative"}
	}
	return inv, nil
}
