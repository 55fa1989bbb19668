// Package api is the HTTP surface: order commands and queries, product
// management, the event history queries, dead-letter inspection, invoice
// uploads and the push WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/invoice"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/order"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

// maxUploadBytes bounds an invoice upload.
const maxUploadBytes = 1 << 20

// Importer processes uploaded invoice files.
type Importer interface {
	Import(ctx context.Context, ev invoice.ObjectCreated) error
}

// ObjectNotifications decodes a bucket notification into the uploads it
// reports.
type ObjectNotifications interface {
	ObjectsCreated(body []byte) ([]invoice.ObjectCreated, error)
}

// Config wires the API to its components. Orders and Events are required;
// the other routes are mounted only when their components are set.
type Config struct {
	Orders *order.Producer
	Events eventstore.Table

	// Products mounts /products.
	Products catalog.Store

	// DeadLetters maps a source name to its store. Queues maps a source
	// name to the queue its dead letters are redriven to.
	DeadLetters map[string]queue.DeadLetters
	Queues      map[string]queue.Queue

	Objects  invoice.Objects
	Signer   invoice.Signer
	Importer Importer

	// Notifications mounts POST /imports/notifications for stores whose
	// presigned URLs bypass the upload route.
	Notifications ObjectNotifications

	// Push serves the WebSocket endpoint.
	Push http.Handler

	// Health reports dependency health for /healthz.
	Health func(ctx context.Context) error

	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string

	Logger *slog.Logger
}

type server struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter returns the HTTP handler.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Orders == nil {
		return nil, errors.New("api requires an order producer")
	}
	if cfg.Events == nil {
		return nil, errors.New("api requires an event table")
	}
	s := &server{cfg: cfg, logger: observability.Component(cfg.Logger, "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.health)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.createOrder)
		r.Get("/", s.getOrders)
		r.Delete("/", s.deleteOrder)
		r.Get("/events", s.orderEvents)
	})
	r.Get("/events/{pk}", s.entityEvents)

	if cfg.Products != nil {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", s.listProducts)
			r.Post("/", s.createProduct)
			r.Get("/{id}", s.getProduct)
			r.Put("/{id}", s.updateProduct)
			r.Delete("/{id}", s.deleteProduct)
		})
	}

	if len(cfg.DeadLetters) > 0 {
		r.Get("/deadletters", s.listDeadLetters)
		r.Post("/deadletters/{source}/{id}/redrive", s.redrive)
	}
	if cfg.Objects != nil && cfg.Importer != nil {
		r.Put("/imports/{key}", s.upload)
	}
	if cfg.Notifications != nil && cfg.Importer != nil {
		r.Post("/imports/notifications", s.objectNotification)
	}
	if cfg.Push != nil {
		r.Handle("/ws", cfg.Push)
	}
	return r, nil
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
	Field   string   `json:"field,omitempty"`
}

// statusFor maps the error taxonomy to HTTP: caller errors 400, missing
// entities 404, transient failures 503, the rest 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, oerrors.ErrNotFound), errors.Is(err, queue.ErrNotFound),
		errors.Is(err, eventstore.ErrNotFound), errors.Is(err, invoice.ErrObjectNotFound):
		return http.StatusNotFound
	}
	switch oerrors.Categorize(err) {
	case oerrors.CategoryInvalid:
		return http.StatusBadRequest
	case oerrors.CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var missing *oerrors.MissingParameterError
	if errors.As(err, &missing) {
		body.Missing = missing.Parameters
	}
	var invalid *oerrors.ValidationError
	if errors.As(err, &invalid) {
		body.Field = invalid.Field
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}
