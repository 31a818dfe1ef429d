package sync

import (
	"time"

	"github.com/hyperengineering/heritage/internal/types"
)

// NotificationType classifies a user-visible sync event.
type NotificationType string

const (
	// NotifyPersistentFailure: a log entry exhausted its retries or was
	// rejected by the remote and will not be retried automatically.
	NotifyPersistentFailure NotificationType = "persistent_failure"
	// NotifyConflict: the remote held a different version; the local copy won.
	NotifyConflict NotificationType = "conflict"
	// NotifyDecodeError: a pulled document was skipped because it was malformed.
	NotifyDecodeError NotificationType = "decode_error"
	// NotifyCycleFailed: a sync cycle was abandoned.
	NotifyCycleFailed NotificationType = "cycle_failed"
)

// Notification is emitted on the engine's notification channel.
type Notification struct {
	Type     NotificationType `json:"type"`
	Kind     types.Kind       `json:"kind,omitempty"`
	EntityID string           `json:"entity_id,omitempty"`
	LogID    int64            `json:"log_id,omitempty"`
	Message  string           `json:"message"`
	At       time.Time        `json:"at"`
}
