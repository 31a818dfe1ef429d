package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/heritage/internal/imagecache"
)

// ImageEvictor is implemented by imagecache.Cache.
type ImageEvictor interface {
	Evict(ctx context.Context, budget int64) (*imagecache.EvictStats, error)
}

// ImageEvictionCoordinator keeps the image blob cache within its byte
// budget.
type ImageEvictionCoordinator struct {
	evictor  ImageEvictor
	interval time.Duration
	budget   int64
}

// NewImageEvictionCoordinator creates a coordinator evicting down to budget
// bytes every interval.
func NewImageEvictionCoordinator(evictor ImageEvictor, interval time.Duration, budget int64) *ImageEvictionCoordinator {
	return &ImageEvictionCoordinator{
		evictor:  evictor,
		interval: interval,
		budget:   budget,
	}
}

// Run evicts once on start, then every interval, until ctx is cancelled.
func (c *ImageEvictionCoordinator) Run(ctx context.Context) {
	slog.Info("image eviction coordinator started",
		"component", "worker",
		"worker", "image-eviction",
		"interval", c.interval.String(),
		"budget_bytes", c.budget,
	)

	c.evict(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("image eviction coordinator stopped",
				"component", "worker",
				"worker", "image-eviction",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.evict(ctx)
		}
	}
}

func (c *ImageEvictionCoordinator) evict(ctx context.Context) {
	stats, err := c.evictor.Evict(ctx, c.budget)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("image eviction failed",
			"component", "worker",
			"worker", "image-eviction",
			"error", err,
		)
		return
	}
	slog.Debug("image eviction pass",
		"component", "worker",
		"worker", "image-eviction",
		"removed", stats.Removed,
		"total_bytes", stats.TotalBytes,
	)
}
