package invoice

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/push"
)

type sent struct {
	ID      string
	Payload any
}

type recordingNotifier struct {
	mu           sync.Mutex
	sent         []sent
	disconnected []string
}

func (r *recordingNotifier) Send(_ context.Context, id string, payload any) push.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{ID: id, Payload: payload})
	return push.Delivered
}

func (r *recordingNotifier) Disconnect(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, id)
	return nil
}

func (r *recordingNotifier) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.sent {
		if u, ok := s.Payload.(StatusUpdate); ok {
			out = append(out, u.Status)
		}
	}
	return out
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	im      *Importer
	table   *eventstore.MemoryTable
	objects *MemoryObjects
	notes   *recordingNotifier
}

func newHarness(t *testing.T) harness {
	t.Helper()
	h := harness{
		table:   eventstore.NewMemoryTable(),
		objects: NewMemoryObjects(Signer{Secret: []byte("s3cret"), BaseURL: "http://localhost:8080", Now: func() time.Time { return testNow }}),
		notes:   &recordingNotifier{},
	}
	im, err := NewImporter(ImporterConfig{
		Table:    h.table,
		Objects:  h.objects,
		Notifier: h.notes,
		Endpoint: "ws://localhost:8080/ws",
		Now:      func() time.Time { return testNow },
		NewID:    func() string { return "tx-1" },
	})
	require.NoError(t, err)
	h.im = im
	return h
}

func TestIssueURL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.im.IssueURL(ctx, "conn-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", out.TransactionID)
	assert.Equal(t, testNow.Add(DefaultURLTTL), out.Expires)
	assert.True(t, strings.HasPrefix(out.URL, "http://localhost:8080/imports/tx-1?"))

	tx, err := Records{Table: h.table}.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusURLGenerated, tx.Status)
	assert.Equal(t, "conn-1", tx.ConnectionID)
	assert.Equal(t, "req-1", tx.RequestID)
	assert.Equal(t, testNow.Add(DefaultTransactionTTL), tx.ExpiresAt)

	it, err := h.table.Get(ctx, TransactionPK, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ExpiresAt, it.ExpiresAt, "item expires with the transaction")

	_, err = h.im.IssueURL(ctx, "", "")
	assert.ErrorIs(t, err, oerrors.ErrMissingParameter)
}

func TestHandleGetImportURL_RepliesOnConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.im.HandleGetImportURL(context.Background(), "conn-1",
		push.Inbound{Action: "getImportUrl", Data: json.RawMessage(`{"requestId":"r-9"}`)}))

	require.Len(t, h.notes.sent, 1)
	assert.Equal(t, "conn-1", h.notes.sent[0].ID)
	out, ok := h.notes.sent[0].Payload.(ImportURL)
	require.True(t, ok)
	assert.Equal(t, "tx-1", out.TransactionID)
}

func TestImport_Valid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.im.IssueURL(ctx, "conn-1", "")
	require.NoError(t, err)

	require.NoError(t, h.objects.Put(ctx, "tx-1", []byte(`{"invoiceNumber":"ABC-123","customerName":"ana","totalValue":99.5,"productId":"p-1","quantity":2}`)))
	require.NoError(t, h.im.Import(ctx, ObjectCreated{Key: "tx-1"}))

	inv, err := Records{Table: h.table}.Invoice(ctx, "ana", "ABC-123")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", inv.TransactionID)
	assert.Equal(t, "conn-1", inv.ConnectionID)
	assert.Equal(t, 2, inv.Quantity)

	tx, err := Records{Table: h.table}.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInvoiceProcessed, tx.Status)

	assert.Equal(t, []Status{StatusInvoiceReceived, StatusInvoiceProcessed}, h.notes.statuses())
	assert.Empty(t, h.notes.disconnected)

	_, err = h.objects.Get(ctx, "tx-1")
	assert.ErrorIs(t, err, ErrObjectNotFound, "upload removed after processing")

	changes, err := h.table.Changes(ctx, 0, 0)
	require.NoError(t, err)
	var inserts int
	for _, c := range changes {
		if c.Op == eventstore.OpInsert && IsInvoiceItem(c.NewImage) {
			inserts++
		}
	}
	assert.Equal(t, 1, inserts)
}

func TestImport_InvalidInvoice(t *testing.T) {
	ctx := context.Background()
	for name, body := range map[string]string{
		"short number": `{"invoiceNumber":"A1","customerName":"ana"}`,
		"no customer":  `{"invoiceNumber":"ABC-123"}`,
		"not json":     `invoice`,
		"negative qty": `{"invoiceNumber":"ABC-123","customerName":"ana","quantity":-1}`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.im.IssueURL(ctx, "conn-1", "")
			require.NoError(t, err)
			require.NoError(t, h.objects.Put(ctx, "tx-1", []byte(body)))

			require.NoError(t, h.im.Import(ctx, ObjectCreated{Key: "tx-1"}))

			assert.Equal(t, []Status{StatusInvoiceReceived, StatusInvalidNumber}, h.notes.statuses())
			assert.Equal(t, []string{"conn-1"}, h.notes.disconnected)
			_, err = h.objects.Get(ctx, "tx-1")
			assert.ErrorIs(t, err, ErrObjectNotFound)
		})
	}
}

func TestImport_UnknownAndReusedTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.objects.Put(ctx, "stray", []byte(`{}`)))
	require.NoError(t, h.im.Import(ctx, ObjectCreated{Key: "stray"}))
	_, err := h.objects.Get(ctx, "stray")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Empty(t, h.notes.sent)

	_, err = h.im.IssueURL(ctx, "conn-1", "")
	require.NoError(t, err)
	body := []byte(`{"invoiceNumber":"ABC-123","customerName":"ana"}`)
	require.NoError(t, h.objects.Put(ctx, "tx-1", body))
	require.NoError(t, h.im.Import(ctx, ObjectCreated{Key: "tx-1"}))

	require.NoError(t, h.objects.Put(ctx, "tx-1", body))
	require.NoError(t, h.im.Import(ctx, ObjectCreated{Key: "tx-1"}))
	assert.Equal(t, []Status{StatusInvoiceReceived, StatusInvoiceProcessed, StatusInvoiceProcessed}, h.notes.statuses())
	assert.Equal(t, []string{"conn-1"}, h.notes.disconnected)
}

func TestNewImporter_Requires(t *testing.T) {
	_, err := NewImporter(ImporterConfig{})
	assert.Error(t, err)
	_, err = NewImporter(ImporterConfig{Table: eventstore.NewMemoryTable()})
	assert.Error(t, err)
	_, err = NewImporter(ImporterConfig{Table: eventstore.NewMemoryTable(), Objects: NewMemoryObjects(Signer{})})
	assert.Error(t, err)
}

func TestSigner(t *testing.T) {
	now := testNow
	s := Signer{Secret: []byte("k"), BaseURL: "http://h", Now: func() time.Time { return now }}

	raw, exp := s.URL("tx-1", time.Minute)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/imports/tx-1", u.Path)
	assert.Equal(t, testNow.Add(time.Minute), exp)

	q := u.Query()
	require.NoError(t, s.Verify("tx-1", q.Get("expires"), q.Get("signature")))
	assert.ErrorIs(t, s.Verify("tx-2", q.Get("expires"), q.Get("signature")), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("tx-1", "x", q.Get("signature")), ErrBadSignature)

	other := Signer{Secret: []byte("other"), Now: s.Now}
	assert.ErrorIs(t, other.Verify("tx-1", q.Get("expires"), q.Get("signature")), ErrBadSignature)

	now = now.Add(time.Minute)
	assert.ErrorIs(t, s.Verify("tx-1", q.Get("expires"), q.Get("signature")), ErrURLExpired)
}

func TestObjectStores(t *testing.T) {
	ctx := context.Background()
	dir, err := NewDirObjects(t.TempDir(), Signer{Secret: []byte("k")})
	require.NoError(t, err)

	for name, o := range map[string]Objects{
		"memory": NewMemoryObjects(Signer{Secret: []byte("k")}),
		"dir":    dir,
		"s3":     newS3Objects(t, newFakeBucket()),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, o.Put(ctx, "tx-1", []byte("data")))
			got, err := o.Get(ctx, "tx-1")
			require.NoError(t, err)
			assert.Equal(t, "data", string(got))

			require.NoError(t, o.Put(ctx, "tx-1", []byte("replaced")))
			got, err = o.Get(ctx, "tx-1")
			require.NoError(t, err)
			assert.Equal(t, "replaced", string(got))

			require.NoError(t, o.Delete(ctx, "tx-1"))
			require.NoError(t, o.Delete(ctx, "tx-1"))
			_, err = o.Get(ctx, "tx-1")
			assert.ErrorIs(t, err, ErrObjectNotFound)

			for _, bad := range []string{"", "../etc", ".hidden", "a/b"} {
				assert.ErrorIs(t, o.Put(ctx, bad, nil), ErrInvalidKey, bad)
			}
			_, _, err = o.PresignPut(ctx, "../x", time.Minute)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}
