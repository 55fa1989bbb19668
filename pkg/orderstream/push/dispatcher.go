package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// ErrGone reports that a connection's channel no longer exists.
var ErrGone = errors.New("connection gone")

// Transport writes to and closes client channels.
type Transport interface {
	Send(ctx context.Context, id string, data []byte) error
	Close(ctx context.Context, id string) error
}

// Notifier is the dispatcher surface used by producers of notifications.
type Notifier interface {
	Send(ctx context.Context, id string, payload any) Outcome
	Disconnect(ctx context.Context, id string) error
}

// Outcome is the result of a push send.
type Outcome int

const (
	// Delivered means the transport accepted the payload.
	Delivered Outcome = iota

	// Pruned means the connection was stale and has been removed.
	Pruned

	// Dropped means the payload was not delivered and the connection is
	// kept: it could not be encoded or the owning instance did not answer.
	Dropped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Pruned:
		return "pruned"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DefaultSendTimeout bounds one transport write.
const DefaultSendTimeout = 3 * time.Second

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry  Registry
	Transport Transport

	// SendTimeout bounds each send. Default: DefaultSendTimeout
	SendTimeout time.Duration

	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// Dispatcher sends JSON notifications to registered connections.
type Dispatcher struct {
	registry  Registry
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	tel       observability.Telemetry
}

// NewDispatcher returns a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("push dispatcher requires a registry")
	}
	if cfg.Transport == nil {
		return nil, errors.New("push dispatcher requires a transport")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		transport: cfg.Transport,
		timeout:   cfg.SendTimeout,
		logger:    observability.Component(cfg.Logger, "push"),
		tel:       cfg.Telemetry.OrNoop(),
	}, nil
}

// Send encodes payload and writes it to connection id. A missing
// registration, ErrGone, a write error or a timeout prune the connection;
// ErrUnreachable does not. Send never fails the caller.
func (d *Dispatcher) Send(ctx context.Context, id string, payload any) Outcome {
	ctx, span := d.tel.Spans.StartSpan(ctx, "push.send", attribute.String("channel_id", id))
	outcome, err := d.send(ctx, id, payload)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	d.tel.Spans.EndSpanWithError(span, err)
	d.tel.Metrics.RecordPush(ctx, outcome.String())
	return outcome
}

func (d *Dispatcher) send(ctx context.Context, id string, payload any) (Outcome, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode push payload", slog.String("channel_id", id), slog.String("error", err.Error()))
		return Dropped, err
	}

	if _, err := d.registry.Get(ctx, id); err != nil {
		if errors.Is(err, ErrUnknownConnection) {
			d.logger.Debug("push to unregistered connection", slog.String("channel_id", id))
			return Pruned, nil
		}
		d.logger.Warn("registry lookup failed", slog.String("channel_id", id), slog.String("error", err.Error()))
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.transport.Send(sctx, id, data)
	cancel()
	if err == nil {
		return Delivered, nil
	}
	if errors.Is(err, ErrUnreachable) {
		d.logger.Warn("push owner unreachable", slog.String("channel_id", id), slog.String("error", err.Error()))
		return Dropped, err
	}

	d.logger.Info("pruning stale connection", slog.String("channel_id", id), slog.String("error", err.Error()))
	if !errors.Is(err, ErrGone) {
		if cerr := d.transport.Close(context.WithoutCancel(ctx), id); cerr != nil {
			d.logger.Debug("close stale connection", slog.String("channel_id", id), slog.String("error", cerr.Error()))
		}
	}
	if rerr := d.registry.Remove(context.WithoutCancel(ctx), id); rerr != nil {
		d.logger.Warn("remove stale connection", slog.String("channel_id", id), slog.String("error", rerr.Error()))
	}
	return Pruned, err
}

// Disconnect closes connection id and removes it from the registry.
func (d *Dispatcher) Disconnect(ctx context.Context, id string) error {
	var errs []error
	if err := d.transport.Close(ctx, id); err != nil && !errors.Is(err, ErrGone) {
		errs = append(errs, err)
	}
	if err := d.registry.Remove(ctx, id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Dispatcher)(nil)
