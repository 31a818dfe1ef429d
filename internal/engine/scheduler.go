package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/sethvargo/go-retry"
)

// Trigger asks Run to start a cycle soon. Triggers that arrive while one is
// already queued are merged.
func (e *Engine) Trigger(reason Reason) {
	select {
	case e.trigger <- reason:
	default:
	}
}

// SetOnline records connectivity. Going offline suspends cycles; coming back
// online triggers one.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if was == online {
		return
	}
	slog.Info("connectivity changed",
		"component", "engine",
		"online", online,
	)
	if online {
		e.Trigger(ReasonConnectivity)
	}
}

// Run drives cycles until ctx is cancelled: once on start, then on every
// Interval tick, Trigger call, and when the earliest scheduled retry is due.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("sync scheduler started",
		"component", "engine",
		"interval", e.cfg.Interval.String(),
		"workers", e.cfg.Workers,
	)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	e.runCycle(ctx, ReasonStartup)
	for {
		e.armRetry(ctx, retryTimer)

		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped",
				"component", "engine",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			e.runCycle(ctx, ReasonPeriodic)
		case reason := <-e.trigger:
			e.runCycle(ctx, reason)
		case <-retryTimer.C:
			e.runCycle(ctx, ReasonRetryTimer)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context, reason Reason) {
	if !e.isOnline() {
		slog.Debug("skipping sync cycle while offline",
			"component", "engine",
			"reason", string(reason),
		)
		return
	}
	// Errors are logged and notified by Cycle.
	_, _ = e.Cycle(ctx, reason)
}

// armRetry points timer at the earliest scheduled push retry.
func (e *Engine) armRetry(ctx context.Context, timer *time.Timer) {
	timer.Stop()
	if ctx.Err() != nil {
		return
	}
	next, err := e.local.NextAttemptAt(ctx)
	if err != nil {
		slog.Warn("failed to read next retry time",
			"component", "engine",
			"error", err,
		)
		return
	}
	if next == nil {
		return
	}
	timer.Reset(max(next.Sub(e.cfg.Now()), 0))
}

// FollowChanges subscribes to the remote change feed and triggers a cycle on
// every change. Dropped feeds are reconnected with capped exponential
// backoff. It returns when ctx is cancelled.
func (e *Engine) FollowChanges(ctx context.Context, w remote.Watcher) {
	backoff := retry.WithCappedDuration(e.cfg.BackoffMax, retry.NewExponential(e.cfg.BackoffBase))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.Watch(ctx, func(c remote.Change) {
			slog.Debug("remote change",
				"component", "engine",
				"kind", c.Kind,
				"id", c.ID,
			)
			e.Trigger(ReasonRemoteChange)
		})
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if err == nil {
			err = errors.New("change feed closed")
		}
		slog.Warn("change feed dropped, reconnecting",
			"component", "engine",
			"error", err,
		)
		return retry.RetryableError(err)
	})
}
