package history

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes call log entries older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// StartRetentionTicker runs a background goroutine that removes call log
// entries older than maxAge every interval. A non-positive maxAge disables
// pruning. The goroutine stops when ctx is cancelled.
func StartRetentionTicker(ctx context.Context, p Pruner, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "call-history")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune(ctx, p, time.Now().Add(-maxAge), logger)
			}
		}
	}()
}

func prune(ctx context.Context, p Pruner, cutoff time.Time, logger *slog.Logger) {
	n, err := p.DeleteBefore(ctx, cutoff)
	if err != nil {
		logger.Error("call log retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("call log retention cleanup", "deleted", n, "cutoff", cutoff)
	}
}
