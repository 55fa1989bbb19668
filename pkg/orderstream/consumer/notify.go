package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/email"
	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

// DefaultDedupeTTL is how long a sent notification blocks redelivered copies.
const DefaultDedupeTTL = 24 * time.Hour

// EmailConfig configures an EmailNotifier.
type EmailConfig struct {
	Sender  email.Sender
	Deduper Deduper

	// DedupeTTL bounds how long a message ID is remembered.
	// Default: DefaultDedupeTTL
	DedupeTTL time.Duration

	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// EmailNotifier is the queue handler that emails customers about created
// orders. Each message ID is sent at most once while its claim lives.
type EmailNotifier struct {
	sender  email.Sender
	deduper Deduper
	ttl     time.Duration
	logger  *slog.Logger
	tel     observability.Telemetry
}

// NewEmailNotifier returns a notifier.
func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.Sender == nil {
		return nil, errors.New("email notifier requires a sender")
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewMemoryDeduper()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &EmailNotifier{
		sender:  cfg.Sender,
		deduper: cfg.Deduper,
		ttl:     cfg.DedupeTTL,
		logger:  observability.Component(cfg.Logger, "email_notifier"),
		tel:     cfg.Telemetry.OrNoop(),
	}, nil
}

// Handle implements queue.Handler.
func (n *EmailNotifier) Handle(ctx context.Context, d queue.Delivery) (err error) {
	msg := d.Message.Event()
	if msg.EventType() != event.OrderCreated {
		return nil
	}
	_, oe, err := decodeOrderEvent(msg)
	if err != nil {
		return err
	}

	ctx, span := n.tel.Spans.StartSpan(ctx, "consumer.email",
		attribute.String("order_id", oe.OrderID),
		attribute.Int("attempt", d.Message.Attempts),
	)
	defer func() { n.tel.Spans.EndSpanWithError(span, err) }()

	key := "email:" + msg.ID
	claimed, err := n.deduper.Claim(ctx, key, n.ttl)
	if err != nil {
		return &oerrors.TransientDeliveryFailure{Target: "dedupe", Err: err}
	}
	if !claimed {
		n.logger.Info("duplicate delivery skipped",
			slog.String("message_id", msg.ID),
			slog.String("order_id", oe.OrderID),
		)
		return nil
	}

	subject, body := orderCreatedEmail(oe)
	if err := n.sender.Send(ctx, oe.Email, subject, body); err != nil {
		if rerr := n.deduper.Release(context.WithoutCancel(ctx), key); rerr != nil {
			n.logger.Warn("release dedupe claim", slog.String("message_id", msg.ID), slog.String("error", rerr.Error()))
		}
		return &oerrors.TransientDeliveryFailure{Target: "email", Err: err}
	}

	n.logger.Info("order email sent",
		slog.String("order_id", oe.OrderID),
		slog.String("message_id", msg.ID),
	)
	return nil
}

func orderCreatedEmail(oe event.OrderEvent) (string, string) {
	subject := fmt.Sprintf("Order %s received", oe.OrderID)
	var b strings.Builder
	fmt.Fprintf(&b, "Hello,\n\nWe received your order %s.\n", oe.OrderID)
	if len(oe.ProductCodes) > 0 {
		fmt.Fprintf(&b, "Products: %s\n", strings.Join(oe.ProductCodes, ", "))
	}
	fmt.Fprintf(&b, "Total: %.2f (%s)\n", oe.Billing.TotalPrice, oe.Billing.Payment)
	if oe.Shipping.Type != "" {
		fmt.Fprintf(&b, "Shipping: %s via %s\n", oe.Shipping.Type, oe.Shipping.Carrier)
	}
	return subject, b.String()
}

var _ queue.Handler = (*EmailNotifier)(nil)
