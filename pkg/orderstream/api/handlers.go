package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/invoice"
	"github.com/randalmurphal/orderstream/pkg/orderstream/order"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

// partialOrder is returned when the order was written but its event could
// not be published.
type partialOrder struct {
	Error string       `json:"error"`
	Order *order.Order `json:"order"`
}

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &oerrors.ValidationError{Message: "request body is not valid JSON"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetReqID(r.Context())
	}
	o, err := s.cfg.Orders.CreateOrder(r.Context(), req)
	if err != nil {
		if o != nil {
			writeJSON(w, http.StatusServiceUnavailable, partialOrder{Error: err.Error(), Order: o})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// getOrders returns one order when orderId is set, otherwise every order of
// the customer.
func (s *server) getOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, orderID := q.Get("email"), q.Get("orderId")
	if orderID != "" {
		o, err := s.cfg.Orders.GetOrder(r.Context(), email, orderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
		return
	}
	orders, err := s.cfg.Orders.ListOrders(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	o, err := s.cfg.Orders.DeleteOrder(r.Context(), q.Get("email"), q.Get("orderId"))
	if err != nil {
		if o != nil {
			writeJSON(w, http.StatusServiceUnavailable, partialOrder{Error: err.Error(), Order: o})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// orderEvents returns a customer's event history through the lookup index,
// optionally narrowed by repeated eventType parameters.
func (s *server) orderEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := q.Get("email")
	if email == "" {
		s.writeError(w, r, &oerrors.MissingParameterError{Parameters: []string{"email"}})
		return
	}
	recs, err := s.cfg.Events.QueryByLookup(r.Context(), email, q["eventType"]...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRecords(w, recs)
}

// entityEvents returns the history of one partition. from and to bound the
// sort key.
func (s *server) entityEvents(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	var rng eventstore.Range
	for name, dst := range map[string]*int64{"from": &rng.From, "to": &rng.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, r, &oerrors.ValidationError{Field: name, Message: "must be a non-negative integer"})
			return
		}
		*dst = v
	}
	recs, err := s.cfg.Events.QueryByEntity(r.Context(), pk, rng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRecords(w, recs)
}

func writeRecords(w http.ResponseWriter, recs []event.Record) {
	if recs == nil {
		recs = []event.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) deadLetterStore(source string) (queue.DeadLetters, error) {
	if source == "" {
		return nil, &oerrors.MissingParameterError{Parameters: []string{"queue"}}
	}
	store, ok := s.cfg.DeadLetters[source]
	if !ok {
		return nil, &oerrors.NotFoundError{Kind: "dead-letter queue", ID: source}
	}
	return store, nil
}

func (s *server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	store, err := s.deadLetterStore(r.URL.Query().Get("queue"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, &oerrors.ValidationError{Field: "limit", Message: "must be an integer"})
			return
		}
	}
	dls, err := store.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if dls == nil {
		dls = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

func (s *server) redrive(w http.ResponseWriter, r *http.Request) {
	source, id := chi.URLParam(r, "source"), chi.URLParam(r, "id")
	store, err := s.deadLetterStore(source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, ok := s.cfg.Queues[source]
	if !ok {
		s.writeError(w, r, &oerrors.ValidationError{Field: "source", Message: fmt.Sprintf("%s has no queue to redrive to", source)})
		return
	}
	if err := store.Redrive(r.Context(), id, target); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("dead letter redriven",
		slog.String("source", source),
		slog.String("message_id", id),
	)
	w.WriteHeader(http.StatusNoContent)
}

// upload accepts a file on a signed URL, stores it and runs the import.
func (s *server) upload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := r.URL.Query()
	if err := s.cfg.Signer.Verify(key, q.Get("expires"), q.Get("signature")); err != nil {
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large"})
			return
		}
		s.writeError(w, r, &oerrors.ValidationError{Message: "unreadable upload body"})
		return
	}
	if err := s.cfg.Objects.Put(r.Context(), key, data); err != nil {
		if errors.Is(err, invoice.ErrInvalidKey) {
			s.writeError(w, r, &oerrors.ValidationError{Field: "key", Message: err.Error()})
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Importer.Import(r.Context(), invoice.ObjectCreated{Key: key}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// objectNotification imports every upload a bucket notification reports.
func (s *server) objectNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.writeError(w, r, &oerrors.ValidationError{Message: "unreadable notification body"})
		return
	}
	created, err := s.cfg.Notifications.ObjectsCreated(body)
	if err != nil {
		s.writeError(w, r, &oerrors.ValidationError{Message: err.Error()})
		return
	}
	for _, ev := range created {
		if err := s.cfg.Importer.Import(r.Context(), ev); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
