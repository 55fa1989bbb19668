package changestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// DefaultBatchSize is the number of changes handed to the projector at once.
const DefaultBatchSize = 5

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Table is the table whose feed is read.
	Table eventstore.Table

	// Name is the checkpoint key. Readers sharing a name share a position.
	Name string

	// BatchSize bounds each batch. Default: DefaultBatchSize
	BatchSize int

	// PollInterval is the wait after an empty poll.
	// Default: 200 milliseconds
	PollInterval time.Duration

	Logger *slog.Logger
}

// Reader feeds a table's changes to a projector in order, saving its
// position after each batch.
type Reader struct {
	cfg       ReaderConfig
	projector *Projector
	logger    *slog.Logger
}

// NewReader returns a reader.
func NewReader(cfg ReaderConfig, projector *Projector) (*Reader, error) {
	switch {
	case cfg.Table == nil:
		return nil, errors.New("change reader requires a table")
	case cfg.Name == "":
		return nil, errors.New("change reader requires a name")
	case projector == nil:
		return nil, errors.New("change reader requires a projector")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if limit := projector.MaxBatch(); cfg.BatchSize > limit {
		return nil, fmt.Errorf("change reader batch size %d exceeds %d, the most %d retry rounds can isolate",
			cfg.BatchSize, limit, projector.cfg.MaxRetryRounds)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Reader{
		cfg:       cfg,
		projector: projector,
		logger:    observability.Component(cfg.Logger, "change_reader").With(slog.String("reader", cfg.Name)),
	}, nil
}

// Poll processes at most one batch past the checkpoint. It returns the
// number of changes consumed.
func (r *Reader) Poll(ctx context.Context) (int, error) {
	after, err := r.cfg.Table.LoadCheckpoint(ctx, r.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", r.cfg.Name, err)
	}
	changes, err := r.cfg.Table.Changes(ctx, after, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read changes after %d: %w", after, err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	res, err := r.projector.ProcessBatch(ctx, changes)
	if err != nil {
		return 0, err
	}

	last := changes[len(changes)-1].Seq
	if err := r.cfg.Table.SaveCheckpoint(ctx, r.cfg.Name, last); err != nil {
		return 0, fmt.Errorf("save checkpoint %s: %w", r.cfg.Name, err)
	}

	r.logger.Debug("batch projected",
		slog.Int64("checkpoint", last),
		slog.Int("projected", res.Projected),
		slog.Int("dead_lettered", res.DeadLettered),
		slog.Int("notified", res.Notified),
	)
	return len(changes), nil
}

// Run polls until ctx ends. Errors are logged and retried after
// PollInterval.
func (r *Reader) Run(ctx context.Context) error {
	for {
		n, err := r.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error("poll failed", slog.String("error", err.Error()))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}
