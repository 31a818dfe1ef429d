package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// pushGroup is the pending work for one entity: its newest entry, which
// carries the latest payload, and how many older entries it supersedes.
type pushGroup struct {
	latest     syncpkg.LogEntry
	superseded int
}

// groupPending collapses the FIFO log into one group per entity, ordered by
// each entity's oldest pending entry.
func groupPending(entries []syncpkg.LogEntry) []*pushGroup {
	index := make(map[syncpkg.EntityKey]*pushGroup)
	var groups []*pushGroup
	for _, entry := range entries {
		key := entry.Key()
		if g, ok := index[key]; ok {
			g.latest = entry
			g.superseded++
			continue
		}
		g := &pushGroup{latest: entry}
		index[key] = g
		groups = append(groups, g)
	}
	return groups
}

// pushResult is what happened to one group.
type pushResult int

const (
	resultPushed pushResult = iota
	resultRetrying
	resultFailed
	resultWaiting
)

// push drains the sync log through a bounded worker pool.
func (e *Engine) push(ctx context.Context, stats *CycleStats) error {
	e.setState(StatePushing)

	entries, err := e.local.PendingLog(ctx)
	if err != nil {
		return fmt.Errorf("load sync log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, group := range groupPending(entries) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.pushOne(gctx, group, stats, &mu)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultPushed:
				stats.Pushed++
			case resultRetrying:
				stats.Retrying++
			case resultFailed:
				stats.Failed++
			case resultWaiting:
				stats.Waiting++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return ctx.Err()
}

// pushOne sends the newest entry of an entity. Remote failures are recorded
// on the entry and are not returned; only local store errors and
// cancellation abort the push.
func (e *Engine) pushOne(ctx context.Context, group *pushGroup, stats *CycleStats, mu *sync.Mutex) (pushResult, error) {
	entry := group.latest
	now := e.cfg.Now()
	if entry.NextAttemptAt != nil && entry.NextAttemptAt.After(now) {
		return resultWaiting, nil
	}

	updatedAt, err := e.send(ctx, entry, entry.BaseVersion)
	if errors.Is(err, remote.ErrConflict) {
		// Local wins: the remote copy changed since this edit was made, so
		// overwrite it unconditionally.
		mu.Lock()
		stats.Conflicts++
		mu.Unlock()
		slog.Info("remote version conflict, overwriting",
			"component", "engine",
			"action", "push",
			"kind", entry.EntityType,
			"id", entry.EntityID,
		)
		e.notify(ctx, syncpkg.Notification{
			Type:     syncpkg.NotifyConflict,
			Kind:     entry.EntityType,
			EntityID: entry.EntityID,
			LogID:    entry.ID,
			Message:  "remote copy changed since the local edit; local version kept",
		})
		updatedAt, err = e.send(ctx, entry, nil)
	}

	if err == nil {
		resolved, err := e.local.CompletePush(ctx, entry.Key(), entry.ID, updatedAt)
		if err != nil {
			return resultPushed, err
		}
		if resolved > 1 {
			mu.Lock()
			stats.Coalesced += int(resolved) - 1
			mu.Unlock()
		}
		slog.Debug("entry pushed",
			"component", "engine",
			"action", "push",
			"kind", entry.EntityType,
			"id", entry.EntityID,
			"log_id", entry.ID,
			"resolved", resolved,
		)
		return resultPushed, nil
	}

	class := remote.Classify(err)
	if errors.Is(class, context.Canceled) || ctx.Err() != nil {
		return resultRetrying, err
	}
	return e.recordFailure(ctx, entry, err, errors.Is(class, remote.ErrRejected))
}

// send performs the remote call for entry and returns the remote version.
func (e *Engine) send(ctx context.Context, entry syncpkg.LogEntry, expected *time.Time) (time.Time, error) {
	rctx, cancel := e.requestContext(ctx)
	defer cancel()

	if entry.Operation == syncpkg.OperationDelete {
		err := e.remote.DeleteDocument(rctx, entry.EntityType, entry.EntityID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return time.Time{}, err
		}
		return e.cfg.Now(), nil
	}

	result, err := e.remote.WriteDocument(rctx, entry.EntityType, entry.EntityID, entry.DataJSON, expected)
	if err != nil {
		return time.Time{}, err
	}
	return result.UpdatedAt, nil
}

// recordFailure stores a failed attempt, scheduling the next one or marking
// the entry failed when it was rejected or has used up its retries.
func (e *Engine) recordFailure(ctx context.Context, entry syncpkg.LogEntry, cause error, rejected bool) (pushResult, error) {
	attempts := entry.RetryCount + 1
	terminal := rejected || attempts >= e.cfg.MaxRetries

	var next *time.Time
	if !terminal {
		t := e.cfg.Now().Add(e.backoff(attempts))
		next = &t
	}

	if _, err := e.local.RecordPushFailure(ctx, entry.ID, cause.Error(), next, terminal); err != nil {
		return resultFailed, err
	}

	if !terminal {
		slog.Warn("push failed, will retry",
			"component", "engine",
			"action", "push",
			"kind", entry.EntityType,
			"id", entry.EntityID,
			"log_id", entry.ID,
			"attempt", attempts,
			"next_attempt_at", next,
			"error", cause,
		)
		return resultRetrying, nil
	}

	slog.Error("push permanently failed",
		"component", "engine",
		"action", "push",
		"kind", entry.EntityType,
		"id", entry.EntityID,
		"log_id", entry.ID,
		"attempts", attempts,
		"rejected", rejected,
		"error", cause,
	)
	e.notify(ctx, syncpkg.Notification{
		Type:     syncpkg.NotifyPersistentFailure,
		Kind:     entry.EntityType,
		EntityID: entry.EntityID,
		LogID:    entry.ID,
		Message:  cause.Error(),
	})
	return resultFailed, nil
}

// backoff returns the delay before attempt n+1 after n failures:
// base, 2*base, 4*base, ... capped at BackoffMax.
func (e *Engine) backoff(failures int) time.Duration {
	b := retry.WithCappedDuration(e.cfg.BackoffMax, retry.NewExponential(e.cfg.BackoffBase))
	var d time.Duration
	for i := 0; i < failures; i++ {
		d, _ = b.Next()
	}
	return d
}
