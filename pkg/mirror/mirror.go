// Package mirror is the embedding API of the offline-first church heritage
// mirror. It wires the local store, sync engine, query cache, pager, image
// cache and maintenance workers together behind one handle.
//
// Reads are served from the local mirror through the query cache; writes go
// to the local mirror and the sync log synchronously and reach the remote in
// the background. Push failures never surface from write calls; they arrive
// on Notifications.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/heritage/internal/cache"
	"github.com/hyperengineering/heritage/internal/config"
	"github.com/hyperengineering/heritage/internal/engine"
	"github.com/hyperengineering/heritage/internal/imagecache"
	"github.com/hyperengineering/heritage/internal/pager"
	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/remote/httpremote"
	"github.com/hyperengineering/heritage/internal/store"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/hyperengineering/heritage/internal/worker"
)

// ErrOffline is returned by operations that need the remote while the
// mirror runs without one.
var ErrOffline = engine.ErrOffline

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mirror is closed")

// Options customise Open. Only Config is required.
type Options struct {
	Config *config.Config
	// Remote replaces the HTTP client built from Config.Remote.
	Remote remote.Store
	// ImageFetcher replaces the fetcher built from Config.Images.
	ImageFetcher imagecache.Fetcher
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Mirror is an open local mirror.
type Mirror struct {
	cfg      *config.Config
	now      func() time.Time
	sourceID string

	store     *store.SQLiteStore
	remote    remote.Store
	engine    *engine.Engine
	pager     *pager.Pager
	cache     *cache.QueryCache
	images    *imagecache.Cache
	retention *worker.RetentionCoordinator

	mu      sync.Mutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open opens (creating if needed) the mirror database and wires the sync
// engine. Background work starts with Start.
func Open(ctx context.Context, opts Options) (*Mirror, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("mirror config is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	sourceID, err := st.SourceID(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	r := opts.Remote
	if r == nil && !cfg.Remote.Offline {
		r, err = httpremote.New(httpremote.Config{
			BaseURL:  cfg.Remote.BaseURL,
			APIKey:   cfg.Remote.APIKey,
			SourceID: sourceID,
			Timeout:  cfg.Remote.RequestTimeout.Std(),
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	fetcher := opts.ImageFetcher
	if fetcher == nil {
		fetcher, err = imagecache.NewFetcher(cfg.Images)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	m := &Mirror{
		cfg:      cfg,
		now:      now,
		sourceID: sourceID,
		store:    st,
		remote:   r,
		cache: cache.New(cache.Config{
			Capacity:   cfg.Cache.Capacity,
			DefaultTTL: cfg.Cache.DefaultTTL.Std(),
			Now:        now,
		}),
		images:    imagecache.New(st, fetcher, cfg.Images.Dir),
		retention: worker.NewRetentionCoordinator(st, cfg.Sync.RetentionInterval.Std(), cfg.Sync.Retention.Std()),
	}

	m.engine = engine.New(st, r, engine.Config{
		Workers:           cfg.Sync.Workers,
		MaxRetries:        cfg.Sync.MaxRetries,
		BackoffBase:       cfg.Sync.BackoffBase.Std(),
		BackoffMax:        cfg.Sync.BackoffMax.Std(),
		PullBatchSize:     cfg.Sync.PullBatchSize,
		PullRetryAttempts: cfg.Sync.PullRetryAttempts,
		RequestTimeout:    cfg.Remote.RequestTimeout.Std(),
		Interval:          cfg.Sync.Interval.Std(),
		Now:               now,
	})
	if r == nil {
		m.engine.SetOnline(false)
	} else {
		m.pager = pager.New(r, st, pager.Config{
			PageSize:       cfg.Pager.PageSize,
			Lookahead:      cfg.Pager.Lookahead,
			RequestTimeout: cfg.Remote.RequestTimeout.Std(),
			RetryAttempts:  cfg.Sync.PullRetryAttempts,
			RetryMax:       cfg.Sync.BackoffMax.Std(),
		})
	}

	// Any committed change makes every cached result of its kind stale.
	st.OnChange(func(kind types.Kind, id string) {
		m.cache.InvalidatePrefix(string(kind) + ":")
	})
	m.engine.OnApplied(m.images.Refresh)

	slog.Info("mirror opened",
		"component", "mirror",
		"path", cfg.Database.Path,
		"source_id", sourceID,
		"offline", r == nil,
	)
	return m, nil
}

// Start launches the sync scheduler, the change feed (when configured) and
// the maintenance workers. They stop on Close or when ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.startWorker(ctx, "sync-scheduler", m.engine.Run)
	m.startWorker(ctx, "retention", m.retention.Run)
	m.startWorker(ctx, "image-eviction", worker.NewImageEvictionCoordinator(
		m.images, m.cfg.Images.EvictionInterval.Std(), m.cfg.Images.BudgetBytes).Run)
	m.startWorker(ctx, "cache-sweeper", worker.NewCacheSweeper(m.cache, m.cfg.Cache.SweepInterval.Std()).Run)

	if w, ok := m.remote.(remote.Watcher); ok && m.cfg.Remote.Watch {
		m.startWorker(ctx, "change-feed", func(ctx context.Context) {
			m.engine.FollowChanges(ctx, w)
		})
	}
	return nil
}

// startWorker launches a background goroutine tracked for Close.
func (m *Mirror) startWorker(ctx context.Context, name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		slog.Info("worker started", "component", "mirror", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "component", "mirror", "worker", name)
	}()
}

// Close stops background work, waits for queued side effects and closes
// the database. Unpushed changes stay in the sync log for the next Open.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.engine.Close()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close mirror store: %w", err)
	}
	slog.Info("mirror closed", "component", "mirror")
	return nil
}

// SourceID is this device's stable identifier.
func (m *Mirror) SourceID() string { return m.sourceID }

// Store exposes the underlying mirror store for tooling.
func (m *Mirror) Store() *store.SQLiteStore { return m.store }

func (m *Mirror) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}
