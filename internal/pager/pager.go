// Package pager walks remote listings page by page with opaque keyset
// cursors, applying every fetched document to the local mirror.
package pager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/store"
	"github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

const (
	DefaultPageSize       = 20
	DefaultRetryAttempts  = 3
	DefaultRetryBase      = 500 * time.Millisecond
	defaultRetryMax       = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// LocalStore is the subset of the mirror the pager writes through.
type LocalStore interface {
	Get(ctx context.Context, kind types.Kind, id string) (types.Entity, error)
	ApplyRemote(ctx context.Context, e types.Entity) (store.ApplyOutcome, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// Config configures a Pager.
type Config struct {
	// PageSize is used when a call passes pageSize <= 0.
	PageSize int
	// Lookahead probes for one more document before reporting HasMore,
	// instead of assuming more exist whenever a page comes back full.
	Lookahead bool
	// RequestTimeout bounds each remote call; 30s when zero.
	RequestTimeout time.Duration
	// RetryAttempts bounds retries of a transient list error. Zero means
	// the default; negative disables retries.
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// Page is one page of a remote listing as seen through the local mirror.
type Page struct {
	types.Page
	// Skipped counts documents dropped because they failed to decode.
	Skipped int
}

// Pager fetches pages of remote listings.
type Pager struct {
	remote remote.Store
	local  LocalStore
	cfg    Config
}

// New creates a Pager.
func New(r remote.Store, local LocalStore, cfg Config) *Pager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	} else if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(defaultRetryMax, cfg.RetryBase)
	}
	return &Pager{remote: r, local: local, cfg: cfg}
}

// FirstPage fetches the first page of kind matching filter.
func (p *Pager) FirstPage(ctx context.Context, kind types.Kind, filter types.Filter, pageSize int) (*Page, error) {
	return p.fetch(ctx, kind, filter, "", pageSize)
}

// NextPage fetches the page following cursor. An empty cursor is the first page.
func (p *Pager) NextPage(ctx context.Context, kind types.Kind, filter types.Filter, cursor string, pageSize int) (*Page, error) {
	return p.fetch(ctx, kind, filter, cursor, pageSize)
}

// Resume continues the listing from the last cursor recorded for this
// kind and filter, or starts from the beginning if there is none.
func (p *Pager) Resume(ctx context.Context, kind types.Kind, filter types.Filter, pageSize int) (*Page, error) {
	cursor, err := p.local.GetSyncMeta(ctx, sync.CursorKey(kind, filter.Shape()))
	if err != nil && !errors.Is(err, store.ErrMetaNotFound) {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	return p.fetch(ctx, kind, filter, cursor, pageSize)
}

func (p *Pager) fetch(ctx context.Context, kind types.Kind, filter types.Filter, cursor string, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = p.cfg.PageSize
	}

	result, err := p.list(ctx, kind, remote.ListRequest{Filter: filter, Cursor: cursor, Limit: pageSize})
	if err != nil {
		return nil, err
	}

	page := &Page{Page: types.Page{Items: make([]types.Entity, 0, len(result.Documents))}}
	page.NextCursor = result.NextCursor
	page.HasMore = len(result.Documents) == pageSize && result.NextCursor != ""

	if page.HasMore && p.cfg.Lookahead {
		probe, err := p.list(ctx, kind, remote.ListRequest{Filter: filter, Cursor: result.NextCursor, Limit: 1})
		if err != nil {
			return nil, err
		}
		page.HasMore = len(probe.Documents) > 0
	}

	for _, doc := range result.Documents {
		e, err := p.apply(ctx, kind, doc)
		if errors.Is(err, types.ErrDecode) {
			page.Skipped++
			slog.Warn("skipping undecodable document",
				"component", "pager",
				"kind", kind,
				"id", doc.ID,
				"error", err,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		if e != nil {
			page.Items = append(page.Items, e)
		}
	}

	if page.NextCursor != "" {
		if err := p.local.SetSyncMeta(ctx, sync.CursorKey(kind, filter.Shape()), page.NextCursor); err != nil {
			return nil, fmt.Errorf("save cursor: %w", err)
		}
	}

	slog.Debug("page fetched",
		"component", "pager",
		"kind", kind,
		"count", len(page.Items),
		"skipped", page.Skipped,
		"has_more", page.HasMore,
	)
	return page, nil
}

// list reads one remote page, retrying transient errors with capped
// exponential backoff. Rejections and cancellation return at once.
func (p *Pager) list(ctx context.Context, kind types.Kind, req remote.ListRequest) (*remote.ListResult, error) {
	backoff := retry.NewExponential(p.cfg.RetryBase)
	backoff = retry.WithCappedDuration(p.cfg.RetryMax, backoff)
	backoff = retry.WithMaxRetries(uint64(p.cfg.RetryAttempts), backoff)

	var result *remote.ListResult
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()

		var err error
		result, err = p.remote.ListPage(rctx, kind, req)
		if err == nil {
			return nil
		}
		if errors.Is(remote.Classify(err), remote.ErrTransient) && ctx.Err() == nil {
			slog.Warn("list failed, retrying",
				"component", "pager",
				"kind", kind,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return result, nil
}

// apply merges doc into the mirror and returns the row callers should see:
// the remote version when it was applied, or the local one when a pending
// edit or a newer local copy wins. A nil entity means the row is locally
// deleted.
func (p *Pager) apply(ctx context.Context, kind types.Kind, doc types.Document) (types.Entity, error) {
	e, err := types.Decode(kind, doc)
	if err != nil {
		return nil, err
	}

	outcome, err := p.local.ApplyRemote(ctx, e)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case store.Applied:
		return e, nil
	case store.Removed:
		return nil, nil
	}

	local, err := p.local.Get(ctx, kind, doc.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local %s/%s: %w", kind, doc.ID, err)
	}
	return local, nil
}
