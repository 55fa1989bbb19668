package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// Publisher publishes lifecycle events. *pubsub.Topic satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg event.Message) error
}

// ProducerConfig wires a Producer.
type ProducerConfig struct {
	Store     Store
	Catalog   catalog.Catalog
	Publisher Publisher

	// Target names the publish destination in delivery failures.
	// Default: "orders"
	Target string

	Logger    *slog.Logger
	Telemetry observability.Telemetry

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Producer owns the order rows and emits ORDER_CREATED and ORDER_DELETED.
// Every operation writes first and publishes second; a publish failure
// after a committed write leaves the order persisted and is reported as a
// TransientDeliveryFailure.
type Producer struct {
	store     Store
	catalog   catalog.Catalog
	publisher Publisher
	target    string
	logger    *slog.Logger
	tel       observability.Telemetry
	now       func() time.Time
	newID     func() string
}

// NewProducer validates the wiring and returns a producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("order producer requires a store")
	case cfg.Catalog == nil:
		return nil, errors.New("order producer requires a catalog")
	case cfg.Publisher == nil:
		return nil, errors.New("order producer requires a publisher")
	}
	if cfg.Target == "" {
		cfg.Target = "orders"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Producer{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		publisher: cfg.Publisher,
		target:    cfg.Target,
		logger:    observability.Component(cfg.Logger, "order-producer"),
		tel:       cfg.Telemetry.OrNoop(),
		now:       cfg.Now,
		newID:     cfg.NewID,
	}, nil
}

// CreateOrder validates req, persists a new order and publishes
// ORDER_CREATED. Invalid input returns a *ValidationError and changes
// nothing.
func (p *Producer) CreateOrder(ctx context.Context, req CreateRequest) (o *Order, err error) {
	ctx, span := p.tel.Spans.StartSpan(ctx, "order.create", attribute.String("email", req.Email))
	defer func() { p.tel.Spans.EndSpanWithError(span, err) }()

	shipping, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	products := make([]ProductSummary, 0, len(req.ProductIDs))
	var total float64
	for _, id := range req.ProductIDs {
		prod, err := p.catalog.Fetch(ctx, id)
		if errors.Is(err, oerrors.ErrNotFound) {
			return nil, &oerrors.ValidationError{Field: "productIds", Message: fmt.Sprintf("unknown product %q", id)}
		}
		if err != nil {
			return nil, fmt.Errorf("resolve product %s: %w", id, err)
		}
		products = append(products, ProductSummary{ID: prod.ID, Code: prod.Code, Price: prod.Price})
		total += prod.Price
	}

	now := p.now().UTC()
	created := Order{
		ID:         p.newID(),
		Email:      req.Email,
		ProductIDs: append([]string(nil), req.ProductIDs...),
		Products:   products,
		Shipping:   shipping,
		Billing:    Billing{Payment: req.Payment, TotalPrice: total},
		Status:     StatusCreated,
		RequestID:  req.RequestID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.Put(ctx, created); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if err := p.publish(ctx, event.OrderCreated, created); err != nil {
		return &created, err
	}
	p.logger.Info("order created",
		slog.String("order_id", created.ID),
		slog.String("email", created.Email),
		slog.Int("products", len(created.Products)),
	)
	return &created, nil
}

// DeleteOrder marks an order DELETED and publishes ORDER_DELETED. Both
// parameters are required. Unknown or already deleted orders return a
// NotFoundError.
func (p *Producer) DeleteOrder(ctx context.Context, email, orderID string) (o *Order, err error) {
	ctx, span := p.tel.Spans.StartSpan(ctx, "order.delete",
		attribute.String("email", email),
		attribute.String("order_id", orderID),
	)
	defer func() { p.tel.Spans.EndSpanWithError(span, err) }()

	if missing := missingParams(map[string]string{"email": email, "orderId": orderID}); len(missing) > 0 {
		return nil, &oerrors.MissingParameterError{Parameters: missing}
	}

	existing, err := p.store.Get(ctx, email, orderID)
	if err != nil {
		return nil, err
	}
	if existing.Status == StatusDeleted {
		return nil, notFound(email, orderID)
	}

	existing.Status = StatusDeleted
	existing.UpdatedAt = p.now().UTC()
	if err := p.store.Put(ctx, existing); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if err := p.publish(ctx, event.OrderDeleted, existing); err != nil {
		return &existing, err
	}
	p.logger.Info("order deleted",
		slog.String("order_id", existing.ID),
		slog.String("email", existing.Email),
	)
	return &existing, nil
}

// GetOrder returns one order. Both parameters are required.
func (p *Producer) GetOrder(ctx context.Context, email, orderID string) (*Order, error) {
	if missing := missingParams(map[string]string{"email": email, "orderId": orderID}); len(missing) > 0 {
		return nil, &oerrors.MissingParameterError{Parameters: missing}
	}
	o, err := p.store.Get(ctx, email, orderID)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders returns a customer's orders, oldest first.
func (p *Producer) ListOrders(ctx context.Context, email string) ([]Order, error) {
	if email == "" {
		return nil, &oerrors.MissingParameterError{Parameters: []string{"email"}}
	}
	return p.store.ListByEmail(ctx, email)
}

func (p *Producer) publish(ctx context.Context, eventType string, o Order) error {
	opts := []event.Option{}
	if o.RequestID != "" {
		opts = append(opts, event.WithAttribute("requestId", o.RequestID))
	}
	msg, err := event.New(eventType, o.Event(), opts...)
	if err != nil {
		return fmt.Errorf("build %s: %w", eventType, err)
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		p.logger.Error("publish after commit failed",
			slog.String("order_id", o.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return &oerrors.TransientDeliveryFailure{Target: p.target, Err: err}
	}
	return nil
}

func validateRequest(req CreateRequest) (Shipping, error) {
	if strings.TrimSpace(req.Email) == "" {
		return Shipping{}, &oerrors.ValidationError{Field: "email", Message: "is required"}
	}
	if !strings.Contains(req.Email, "@") {
		return Shipping{}, &oerrors.ValidationError{Field: "email", Message: "is not an email address"}
	}
	if len(req.ProductIDs) == 0 {
		return Shipping{}, &oerrors.ValidationError{Field: "productIds", Message: "must not be empty"}
	}
	for _, id := range req.ProductIDs {
		if strings.TrimSpace(id) == "" {
			return Shipping{}, &oerrors.ValidationError{Field: "productIds", Message: "contains an empty id"}
		}
	}
	if !req.Payment.Valid() {
		return Shipping{}, &oerrors.ValidationError{Field: "payment", Message: fmt.Sprintf("unknown payment method %q", req.Payment)}
	}

	s := req.Shipping
	if s.Type == "" {
		s.Type = ShippingEconomic
	}
	if s.Carrier == "" {
		s.Carrier = CarrierCorreios
	}
	if s.Type != ShippingEconomic && s.Type != ShippingUrgent {
		return Shipping{}, &oerrors.ValidationError{Field: "shipping.type", Message: fmt.Sprintf("unknown shipping type %q", s.Type)}
	}
	if s.Carrier != CarrierCorreios && s.Carrier != CarrierFedex {
		return Shipping{}, &oerrors.ValidationError{Field: "shipping.carrier", Message: fmt.Sprintf("unknown carrier %q", s.Carrier)}
	}
	return s, nil
}

// missingParams returns the names of empty values in a stable order.
func missingParams(params map[string]string) []string {
	var missing []string
	for _, name := range []string{"email", "orderId"} {
		if v, ok := params[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
