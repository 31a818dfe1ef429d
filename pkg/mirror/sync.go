package mirror

import (
	"context"
	"time"

	"github.com/hyperengineering/heritage/internal/cache"
	"github.com/hyperengineering/heritage/internal/engine"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

// Status is a point-in-time view of the mirror.
type Status struct {
	SourceID    string                   `json:"source_id"`
	Engine      engine.Status            `json:"engine"`
	Log         *syncpkg.LogStats        `json:"sync_log"`
	Watermarks  map[types.Kind]time.Time `json:"watermarks"`
	Cache       cache.Stats              `json:"cache"`
	LastSyncAge string                   `json:"last_sync_age,omitempty"`
}

// SyncNow runs one cycle immediately and returns its stats.
func (m *Mirror) SyncNow(ctx context.Context) (*engine.CycleStats, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.engine.Cycle(ctx, engine.ReasonManual)
}

// SetOnline reports connectivity changes from the host platform.
func (m *Mirror) SetOnline(online bool) {
	if m.remote == nil {
		return
	}
	m.engine.SetOnline(online)
}

// Foreground tells the mirror the app came to the foreground.
func (m *Mirror) Foreground() {
	m.engine.Trigger(engine.ReasonForeground)
}

// Notifications delivers persistent failures, conflicts and decode errors.
func (m *Mirror) Notifications() <-chan syncpkg.Notification {
	return m.engine.Notifications()
}

// OnStateChange registers fn for engine state transitions.
func (m *Mirror) OnStateChange(fn func(engine.State)) {
	m.engine.OnStateChange(fn)
}

// Status collects engine, sync log, watermark and cache state.
func (m *Mirror) Status(ctx context.Context) (*Status, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	logStats, err := m.store.LogStats(ctx)
	if err != nil {
		return nil, err
	}
	watermarks := make(map[types.Kind]time.Time, len(types.Kinds))
	for _, kind := range types.Kinds {
		wm, err := m.store.GetWatermark(ctx, kind)
		if err != nil {
			return nil, err
		}
		if !wm.IsZero() {
			watermarks[kind] = wm
		}
	}

	s := &Status{
		SourceID:   m.sourceID,
		Engine:     m.engine.Status(),
		Log:        logStats,
		Watermarks: watermarks,
		Cache:      m.cache.Stats(),
	}
	if s.Engine.LastCycle != nil {
		s.LastSyncAge = lastSyncAge(s.Engine, m.now()).Round(time.Second).String()
	}
	return s, nil
}

// FailedEntries lists sync log entries that will not be retried
// automatically.
func (m *Mirror) FailedEntries(ctx context.Context) ([]syncpkg.LogEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.store.FailedLog(ctx)
}

// RetryFailed re-queues failed entries (all of them when ids is empty) and
// triggers a cycle.
func (m *Mirror) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	n, err := m.store.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.engine.Trigger(engine.ReasonManual)
	}
	return n, nil
}

// Prune runs the sync log retention sweep now.
func (m *Mirror) Prune(ctx context.Context) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.retention.Sweep(ctx)
}

// PruneOlderThan deletes synced log entries older than age.
func (m *Mirror) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.store.PruneSyncLog(ctx, m.now().Add(-age))
}
