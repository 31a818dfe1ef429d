package sync

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// Operation is the mutation recorded by a sync log entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// LogEntry is one locally originated mutation awaiting (or done with) push.
type LogEntry struct {
	ID            int64           `json:"id"`
	EntityType    types.Kind      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	DataJSON      json.RawMessage `json:"data_json,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Synced        bool            `json:"synced"`
	Failed        bool            `json:"failed"`
	Error         string          `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	// BaseVersion is the remote updated_at the local edit was made against.
	// Nil for creates and for rows never seen remotely.
	BaseVersion *time.Time `json:"base_version,omitempty"`
}

// EntityKey identifies the entity a log entry belongs to.
type EntityKey struct {
	Kind types.Kind
	ID   string
}

func (k EntityKey) String() string { return string(k.Kind) + "/" + k.ID }

// Key returns the entity the entry mutates.
func (e LogEntry) Key() EntityKey { return EntityKey{Kind: e.EntityType, ID: e.EntityID} }

// LogStats summarises the sync log.
type LogStats struct {
	Pending     int        `json:"pending"`
	Failed      int        `json:"failed"`
	Synced      int        `json:"synced"`
	OldestQueue *time.Time `json:"oldest_pending,omitempty"`
}

// Sync meta keys.
const (
	MetaSourceID        = "source_id"
	MetaWatermarkPrefix = "watermark:"
	MetaCursorPrefix    = "cursor:"
)

// WatermarkKey is the sync meta key holding the pull watermark for kind.
func WatermarkKey(kind types.Kind) string { return MetaWatermarkPrefix + string(kind) }

// CursorKey is the sync meta key holding the last list cursor for a query shape.
func CursorKey(kind types.Kind, shape string) string {
	return MetaCursorPrefix + string(kind) + ":" + shape
}
