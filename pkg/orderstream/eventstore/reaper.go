package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

// RunReaper calls Reap on each table every interval until ctx ends.
func RunReaper(ctx context.Context, interval time.Duration, logger *slog.Logger, tables ...Table) {
	logger = observability.Component(logger, "reaper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, t := range tables {
				n, err := t.Reap(ctx, now)
				if err != nil {
					logger.Warn("reap failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					logger.Debug("expired items reaped", slog.Int("count", n))
				}
			}
		}
	}
}
