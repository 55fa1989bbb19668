package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/pubsub"
)

// Handler processes one delivery. A nil error acks it, anything else nacks.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Name identifies the worker in logs and metrics. Default: queue name.
	Name string

	// Concurrency is the number of polling goroutines.
	// Default: 1
	Concurrency int

	// BatchSize is the maximum messages leased per receive.
	// Default: 10
	BatchSize int

	// ReceiveWait bounds each receive call.
	// Default: 5 seconds
	ReceiveWait time.Duration

	// HandlerTimeout bounds one Handle call. Default: 0 (none).
	HandlerTimeout time.Duration

	Logger    *slog.Logger
	Telemetry observability.Telemetry
}

// DefaultWorkerConfig provides reasonable defaults.
var DefaultWorkerConfig = WorkerConfig{
	Concurrency: 1,
	BatchSize:   10,
	ReceiveWait: 5 * time.Second,
}

// Worker polls a queue and hands deliveries to a handler.
type Worker struct {
	q      Queue
	h      Handler
	cfg    WorkerConfig
	logger *slog.Logger
	tel    observability.Telemetry
}

// NewWorker creates a worker.
func NewWorker(q Queue, h Handler, cfg WorkerConfig) (*Worker, error) {
	if q == nil {
		return nil, errors.New("worker requires a queue")
	}
	if h == nil {
		return nil, fmt.Errorf("worker for %s requires a handler", q.Name())
	}
	if cfg.Name == "" {
		cfg.Name = q.Name()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWorkerConfig.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig.BatchSize
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = DefaultWorkerConfig.ReceiveWait
	}
	return &Worker{
		q:      q,
		h:      h,
		cfg:    cfg,
		logger: observability.Component(cfg.Logger, "worker").With(slog.String("worker", cfg.Name)),
		tel:    cfg.Telemetry.OrNoop(),
	}, nil
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := w.ProcessOnce(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					w.logger.Error("receive failed", slog.String("error", err.Error()))
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

// ProcessOnce leases one batch and handles it. It returns the number of
// deliveries handled. Once ctx ends, the rest of the batch is released
// without using up an attempt.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deliveries, err := w.q.Receive(ctx, w.cfg.BatchSize, w.cfg.ReceiveWait)
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", w.q.Name(), err)
	}
	for i, d := range deliveries {
		if ctx.Err() != nil {
			w.release(ctx, deliveries[i:])
			return i, nil
		}
		w.handle(ctx, d)
	}
	return len(deliveries), nil
}

// releaseTimeout bounds handing deliveries back after ctx has ended.
const releaseTimeout = 5 * time.Second

func (w *Worker) release(ctx context.Context, deliveries []Delivery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, d := range deliveries {
		if err := w.q.Release(ctx, d); err != nil {
			w.logger.Warn("release failed",
				slog.String("message_id", d.Message.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d Delivery) {
	eventType := d.Message.Attributes[event.AttrEventType]
	ctx, span := w.tel.Spans.StartSpan(ctx, "queue.handle",
		attribute.String("queue", w.q.Name()),
		attribute.String("message_id", d.Message.ID),
		attribute.Int("attempt", d.Message.Attempts),
	)

	hctx := ctx
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	err := w.h.Handle(hctx, d)
	elapsed := time.Since(start)
	w.tel.Metrics.RecordDelivery(ctx, w.cfg.Name, elapsed, err)
	observability.LogDelivery(w.logger, w.cfg.Name, eventType, d.Message.Attempts, float64(elapsed.Microseconds())/1000, err)
	w.tel.Spans.EndSpanWithError(span, err)

	if err == nil {
		if ackErr := w.q.Ack(ctx, d); ackErr != nil {
			// Lease expired mid-handle; the message will be redelivered.
			w.logger.Warn("ack failed",
				slog.String("message_id", d.Message.ID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown, not a processing failure.
		w.release(ctx, []Delivery{d})
		return
	}
	if nackErr := w.q.Nack(ctx, d, err.Error()); nackErr != nil {
		w.logger.Warn("nack failed",
			slog.String("message_id", d.Message.ID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// Sink is a pubsub consumer that enqueues every message it receives, making
// a queue a subscriber of a topic.
type Sink struct {
	q Queue
}

// NewSink returns a sink feeding q.
func NewSink(q Queue) *Sink {
	return &Sink{q: q}
}

// Consume implements pubsub.Consumer.
func (s *Sink) Consume(ctx context.Context, msg event.Message) error {
	if err := s.q.Send(ctx, FromEvent(msg)); err != nil {
		return &oerrors.TransientDeliveryFailure{Target: s.q.Name(), Err: err}
	}
	return nil
}

var _ pubsub.Consumer = (*Sink)(nil)
