package store

import (
	"context"
	"time"

	"github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

// Store is the local mirror: typed rows plus the sync log that records every
// local mutation until it reaches the remote.
type Store interface {
	Get(ctx context.Context, kind types.Kind, id string) (types.Entity, error)
	List(ctx context.Context, kind types.Kind, q types.Query) (*types.Page, error)
	Upsert(ctx context.Context, e types.Entity) (*sync.LogEntry, error)
	Delete(ctx context.Context, kind types.Kind, id string) (*sync.LogEntry, error)
	MarkSynced(ctx context.Context, kind types.Kind, id string, remoteUpdatedAt time.Time) error
	ApplyRemote(ctx context.Context, e types.Entity) (ApplyOutcome, error)

	PendingLog(ctx context.Context) ([]sync.LogEntry, error)
	CompletePush(ctx context.Context, key sync.EntityKey, upToID int64, remoteUpdatedAt time.Time) (int64, error)
	RecordPushFailure(ctx context.Context, id int64, cause string, nextAttempt *time.Time, terminal bool) (*sync.LogEntry, error)
	RetryFailed(ctx context.Context, ids ...int64) (int64, error)
	PruneSyncLog(ctx context.Context, cutoff time.Time) (int64, error)

	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error

	Close() error
}

// ApplyOutcome reports what ApplyRemote did with a remote row.
type ApplyOutcome int

const (
	// Applied: the remote row replaced (or created) the local one.
	Applied ApplyOutcome = iota
	// Deferred: the local row has unflushed changes and was left alone.
	Deferred
	// Stale: the local row is at least as new as the remote one.
	Stale
	// Removed: the remote tombstone was applied locally.
	Removed
)

func (o ApplyOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Stale:
		return "stale"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

var _ Store = (*SQLiteStore)(nil)
