package worker

import (
	"context"
	"log/slog"
	"time"
)

// ExpiringCache is implemented by cache.QueryCache.
type ExpiringCache interface {
	PurgeExpired() int
}

// CacheSweeper drops expired query cache entries so they stop holding
// capacity between reads.
type CacheSweeper struct {
	cache    ExpiringCache
	interval time.Duration
}

// NewCacheSweeper creates a sweeper running every interval.
func NewCacheSweeper(cache ExpiringCache, interval time.Duration) *CacheSweeper {
	return &CacheSweeper{cache: cache, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (s *CacheSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.PurgeExpired(); n > 0 {
				slog.Debug("expired cache entries purged",
					"component", "worker",
					"worker", "cache-sweeper",
					"purged", n,
				)
			}
		}
	}
}
