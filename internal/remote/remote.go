// Package remote defines the contract between the sync engine and the
// authoritative document store.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// Error classes. Implementations wrap one of these so callers can decide with
// errors.Is whether an operation is worth retrying.
var (
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("transient remote error")
	// ErrRejected means the remote refused the payload; retrying will not help.
	ErrRejected = errors.New("remote rejected request")
	// ErrConflict means a conditional write found a different remote version.
	ErrConflict = errors.New("remote version conflict")
	// ErrNotFound means the document does not exist remotely.
	ErrNotFound = errors.New("remote document not found")
)

// Store is the remote document store.
type Store interface {
	// FetchChanged returns documents of kind updated strictly after since,
	// oldest first, including tombstones.
	FetchChanged(ctx context.Context, kind types.Kind, since time.Time, limit int) ([]types.Document, error)
	// WriteDocument creates or replaces kind/id. With expectedVersion set the
	// write only succeeds if the remote copy is still at that version.
	WriteDocument(ctx context.Context, kind types.Kind, id string, fields json.RawMessage, expectedVersion *time.Time) (*WriteResult, error)
	// DeleteDocument removes kind/id. Deleting a missing document returns ErrNotFound.
	DeleteDocument(ctx context.Context, kind types.Kind, id string) error
	// ListPage returns one page of live documents matching req.
	ListPage(ctx context.Context, kind types.Kind, req ListRequest) (*ListResult, error)
}

// Watcher is implemented by remotes that can push change notifications.
type Watcher interface {
	// Watch calls fn for every remote change until ctx is done or the feed
	// breaks.
	Watch(ctx context.Context, fn func(Change)) error
}

// WriteResult is the remote's acknowledgement of a write.
type WriteResult struct {
	UpdatedAt time.Time `json:"updated_at"`
	Created   bool      `json:"created"`
}

// ListRequest asks for one page of a filtered listing.
type ListRequest struct {
	Filter types.Filter `json:"filter"`
	Cursor string       `json:"cursor,omitempty"`
	Limit  int          `json:"limit"`
}

// ListResult is one page of a listing. NextCursor resumes after the last
// document and is empty when the page is empty.
type ListResult struct {
	Documents  []types.Document `json:"documents"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Change announces a remote write.
type Change struct {
	Kind      types.Kind `json:"kind"`
	ID        string     `json:"id"`
	UpdatedAt time.Time  `json:"updated_at"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// Classify returns the error class of err: one of the sentinels above, or nil
// when err is nil. Context deadlines and network errors are transient;
// anything unrecognised is treated as transient as well so that it is retried
// within the retry budget instead of being dropped.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejected):
		return ErrRejected
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrTransient):
		return ErrTransient
	case errors.Is(err, context.Canceled):
		return context.Canceled
	default:
		return ErrTransient
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == ErrTransient
}
