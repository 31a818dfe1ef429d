// Package engine keeps the local mirror and the remote document store in
// step: it pulls remote changes per kind from a durable watermark and pushes
// the sync log with retries, coalescing and bounded concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/store"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/oklog/ulid/v2"
)

// ErrOffline is returned by Cycle while the engine is marked offline.
var ErrOffline = errors.New("sync engine is offline")

// LocalStore is the subset of the mirror the engine drives.
type LocalStore interface {
	ApplyRemote(ctx context.Context, e types.Entity) (store.ApplyOutcome, error)
	GetWatermark(ctx context.Context, kind types.Kind) (time.Time, error)
	SetWatermark(ctx context.Context, kind types.Kind, t time.Time) error

	PendingLog(ctx context.Context) ([]syncpkg.LogEntry, error)
	NextAttemptAt(ctx context.Context) (*time.Time, error)
	CompletePush(ctx context.Context, key syncpkg.EntityKey, upToID int64, remoteUpdatedAt time.Time) (int64, error)
	RecordPushFailure(ctx context.Context, id int64, cause string, nextAttempt *time.Time, terminal bool) (*syncpkg.LogEntry, error)
}

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	// Kinds are pulled in order each cycle.
	Kinds []types.Kind
	// Workers bounds concurrent pushes.
	Workers int
	// MaxRetries is the retry_count at which an entry is marked failed.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	PullBatchSize int
	// PullRetryAttempts bounds in-cycle retries of a transient fetch error.
	PullRetryAttempts int
	PullRetryBase     time.Duration

	RequestTimeout time.Duration
	// Interval is the periodic trigger of Run.
	Interval time.Duration

	NotificationBuffer int
	Now                func() time.Time
}

const (
	DefaultWorkers           = 4
	DefaultMaxRetries        = 5
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultPullBatchSize     = 100
	DefaultPullRetryAttempts = 3
	DefaultPullRetryBase     = 500 * time.Millisecond
	DefaultRequestTimeout    = 30 * time.Second
	DefaultInterval          = 5 * time.Minute

	defaultNotificationBuffer = 64
)

func (c *Config) applyDefaults() {
	if len(c.Kinds) == 0 {
		c.Kinds = types.Kinds
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.PullBatchSize <= 0 {
		c.PullBatchSize = DefaultPullBatchSize
	}
	if c.PullRetryAttempts < 0 {
		c.PullRetryAttempts = 0
	} else if c.PullRetryAttempts == 0 {
		c.PullRetryAttempts = DefaultPullRetryAttempts
	}
	if c.PullRetryBase <= 0 {
		c.PullRetryBase = DefaultPullRetryBase
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = defaultNotificationBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine runs sync cycles between a LocalStore and a remote.Store.
type Engine struct {
	local  LocalStore
	remote remote.Store
	cfg    Config

	tasks         *TaskQueue
	notifications chan syncpkg.Notification
	trigger       chan Reason
	onApplied     func(ctx context.Context, e types.Entity)
	onState       func(State)

	// cycleMu serialises cycles.
	cycleMu sync.Mutex

	mu        sync.RWMutex
	state     State
	online    bool
	lastCycle *CycleStats
	lastErr   error
}

// New creates an Engine. It starts online.
func New(local LocalStore, r remote.Store, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		local:         local,
		remote:        r,
		cfg:           cfg,
		tasks:         NewTaskQueue(1, 256),
		notifications: make(chan syncpkg.Notification, cfg.NotificationBuffer),
		trigger:       make(chan Reason, 1),
		online:        true,
	}
}

// Notifications delivers user-visible sync events. Events are dropped when
// the buffer is full.
func (e *Engine) Notifications() <-chan syncpkg.Notification {
	return e.notifications
}

// OnApplied registers fn to run on the task queue for every remote row
// applied to the mirror.
func (e *Engine) OnApplied(fn func(ctx context.Context, ent types.Entity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApplied = fn
}

// OnStateChange registers fn to be called synchronously on every state
// transition. fn must not call back into the engine.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// Tasks returns the engine's side-effect queue.
func (e *Engine) Tasks() *TaskQueue { return e.tasks }

// Close waits for queued side effects to finish.
func (e *Engine) Close() {
	e.tasks.Close()
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Status{State: e.state, Online: e.online}
	if e.lastCycle != nil {
		c := *e.lastCycle
		s.LastCycle = &c
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// State returns the current cycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	hook := e.onState
	e.mu.Unlock()
	if prev != s {
		if hook != nil {
			hook(s)
		}
		slog.Debug("sync state changed",
			"component", "engine",
			"from", prev.String(),
			"to", s.String(),
		)
	}
}

func (e *Engine) isOnline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

// Cycle runs one pull-then-push cycle. Cycles never overlap: a call made
// while another cycle runs waits for it. A rejected pull still pushes; any
// other pull error skips the push. Cancelling ctx abandons the cycle and
// leaves every durable state as of the last committed step.
func (e *Engine) Cycle(ctx context.Context, reason Reason) (*CycleStats, error) {
	if !e.isOnline() {
		return nil, ErrOffline
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	stats := &CycleStats{ID: ulid.Make().String(), Reason: reason, StartedAt: e.cfg.Now()}
	start := time.Now()

	err := e.pull(ctx, stats)
	switch {
	case err == nil:
		err = e.push(ctx, stats)
	case errors.Is(remote.Classify(err), remote.ErrRejected) && ctx.Err() == nil:
		// A refused read does not block queued writes.
		slog.Warn("pull rejected, pushing anyway",
			"component", "engine",
			"action", "cycle",
			"cycle_id", stats.ID,
			"error", err,
		)
		if pushErr := e.push(ctx, stats); pushErr != nil {
			err = errors.Join(err, pushErr)
		}
	}
	e.setState(StateIdle)
	stats.Duration = time.Since(start)

	e.mu.Lock()
	e.lastCycle = stats
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		slog.Warn("sync cycle abandoned",
			"component", "engine",
			"action", "cycle",
			"cycle_id", stats.ID,
			"reason", string(reason),
			"error", err,
		)
		e.notify(ctx, syncpkg.Notification{
			Type:    syncpkg.NotifyCycleFailed,
			Message: err.Error(),
		})
		return stats, fmt.Errorf("sync cycle: %w", err)
	}

	slog.Info("sync cycle completed",
		"component", "engine",
		"action", "cycle",
		"cycle_id", stats.ID,
		"reason", string(reason),
		"applied", stats.Applied,
		"deferred", stats.Deferred,
		"decode_errors", stats.DecodeErrors,
		"pushed", stats.Pushed,
		"coalesced", stats.Coalesced,
		"retrying", stats.Retrying,
		"failed", stats.Failed,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// notify hands n to the notifications buffer without blocking. A full
// buffer drops n.
func (e *Engine) notify(ctx context.Context, n syncpkg.Notification) {
	if n.At.IsZero() {
		n.At = e.cfg.Now()
	}
	select {
	case e.notifications <- n:
	default:
		slog.WarnContext(ctx, "notification dropped",
			"component", "engine",
			"type", string(n.Type),
			"entity_id", n.EntityID,
		)
	}
}

// requestContext bounds a single remote call.
func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}
