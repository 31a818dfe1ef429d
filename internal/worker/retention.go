// Package worker holds the background maintenance loops of the mirror:
// sync log retention, image blob eviction and query cache sweeping.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the operations required for the sync log
// retention sweep. Implemented by store.SQLiteStore.
type RetentionStore interface {
	PruneSyncLog(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCoordinator periodically deletes synced sync log entries older
// than the retention window. Pending and failed entries are never touched.
type RetentionCoordinator struct {
	store     RetentionStore
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewRetentionCoordinator creates a coordinator that sweeps every interval.
func NewRetentionCoordinator(store RetentionStore, interval, retention time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		store:     store,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run starts the retention loop. It blocks until ctx is cancelled.
//
// The first sweep runs one interval after start, keeping startup free for
// the first sync cycle.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("retention coordinator started",
		"component", "worker",
		"worker", "retention-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention coordinator stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep prunes once and returns the number of deleted entries.
func (c *RetentionCoordinator) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := c.now().Add(-c.retention)

	deleted, err := c.store.PruneSyncLog(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("sync log retention failed",
				"component", "worker",
				"worker", "retention-coordinator",
				"error", err,
			)
		}
		return 0, err
	}

	slog.Info("sync log retention completed",
		"component", "worker",
		"worker", "retention-coordinator",
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"entries_deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted, nil
}
