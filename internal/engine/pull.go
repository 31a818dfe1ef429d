package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/store"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/sethvargo/go-retry"
)

// pull fetches every kind's changes since its watermark.
func (e *Engine) pull(ctx context.Context, stats *CycleStats) error {
	e.setState(StatePulling)
	for _, kind := range e.cfg.Kinds {
		if err := e.pullKind(ctx, kind, stats); err != nil {
			return fmt.Errorf("pull %s: %w", kind, err)
		}
	}
	return nil
}

func (e *Engine) pullKind(ctx context.Context, kind types.Kind, stats *CycleStats) error {
	watermark, err := e.local.GetWatermark(ctx, kind)
	if err != nil {
		return err
	}

	for {
		docs, err := e.fetch(ctx, kind, watermark)
		if err != nil {
			return err
		}
		stats.Fetched += len(docs)

		highest := watermark
		for _, doc := range docs {
			if doc.UpdatedAt.After(highest) {
				highest = doc.UpdatedAt
			}
			if err := e.applyDoc(ctx, kind, doc, stats); err != nil {
				return err
			}
		}

		advanced := highest.After(watermark)
		if advanced {
			if err := e.local.SetWatermark(ctx, kind, highest); err != nil {
				return err
			}
			watermark = highest
		}

		// A short page is the end of the feed. A full page that did not move
		// the watermark would repeat forever.
		if len(docs) < e.cfg.PullBatchSize || !advanced {
			return nil
		}
	}
}

// fetch reads one batch, retrying transient errors within the cycle.
func (e *Engine) fetch(ctx context.Context, kind types.Kind, since time.Time) ([]types.Document, error) {
	backoff := retry.NewExponential(e.cfg.PullRetryBase)
	backoff = retry.WithCappedDuration(e.cfg.BackoffMax, backoff)
	backoff = retry.WithMaxRetries(uint64(e.cfg.PullRetryAttempts), backoff)

	var docs []types.Document
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			e.setState(StatePulling)
		}
		attempt++

		rctx, cancel := e.requestContext(ctx)
		defer cancel()
		var err error
		docs, err = e.remote.FetchChanged(rctx, kind, since, e.cfg.PullBatchSize)
		if err == nil {
			return nil
		}
		if errors.Is(remote.Classify(err), remote.ErrTransient) && ctx.Err() == nil {
			slog.Warn("fetch failed, retrying",
				"component", "engine",
				"action", "pull",
				"kind", kind,
				"attempt", attempt,
				"error", err,
			)
			e.setState(StateRetrying)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// applyDoc decodes doc and merges it into the mirror. Undecodable documents
// are skipped and reported; they never reach the mirror.
func (e *Engine) applyDoc(ctx context.Context, kind types.Kind, doc types.Document, stats *CycleStats) error {
	ent, err := types.Decode(kind, doc)
	if err != nil {
		stats.DecodeErrors++
		slog.Warn("skipping undecodable document",
			"component", "engine",
			"action", "pull",
			"kind", kind,
			"id", doc.ID,
			"error", err,
		)
		e.notify(ctx, syncpkg.Notification{
			Type:     syncpkg.NotifyDecodeError,
			Kind:     kind,
			EntityID: doc.ID,
			Message:  err.Error(),
		})
		return nil
	}

	outcome, err := e.local.ApplyRemote(ctx, ent)
	if err != nil {
		return err
	}
	switch outcome {
	case store.Applied:
		stats.Applied++
		e.mu.RLock()
		hook := e.onApplied
		e.mu.RUnlock()
		if hook != nil {
			e.tasks.Submit(ctx, "on-applied", func(ctx context.Context) { hook(ctx, ent) })
		}
	case store.Deferred:
		stats.Deferred++
	case store.Stale:
		stats.Stale++
	case store.Removed:
		stats.Removed++
	}
	return nil
}
