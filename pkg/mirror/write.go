package mirror

import (
	"context"

	"github.com/google/uuid"

	"github.com/hyperengineering/heritage/internal/engine"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

// Save writes e to the local mirror and queues it for push. An entity
// without a key gets a new UUID. The returned log entry records the queued
// mutation; push outcomes arrive later on Notifications.
func (m *Mirror) Save(ctx context.Context, e types.Entity) (*syncpkg.LogEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if e.Key() == "" {
		e.SetKey(uuid.NewString())
	}
	entry, err := m.store.Upsert(ctx, e)
	if err != nil {
		return nil, err
	}
	m.engine.Trigger(engine.ReasonLocalWrite)
	return entry, nil
}

// Delete tombstones a row locally and queues the remote delete.
func (m *Mirror) Delete(ctx context.Context, kind types.Kind, id string) (*syncpkg.LogEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	entry, err := m.store.Delete(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	m.engine.Trigger(engine.ReasonLocalWrite)
	return entry, nil
}
