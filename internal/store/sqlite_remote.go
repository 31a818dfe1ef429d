package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/heritage/internal/types"
)

// ApplyRemote merges a pulled remote row into the mirror. A local row with
// needs_sync set is never overwritten, and a remote row that is not strictly
// newer than the local one is ignored. Remote tombstones remove the local row.
func (s *SQLiteStore) ApplyRemote(ctx context.Context, e types.Entity) (ApplyOutcome, error) {
	kind, id := e.Kind(), e.Key()
	schema, err := schemaFor(kind)
	if err != nil {
		return Stale, err
	}

	unlock := s.LockEntity(kind, id)
	defer unlock()

	remote := e.Meta()
	outcome := Stale
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := getRow(ctx, tx, schema, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if local != nil {
			lm := local.Meta()
			if lm.NeedsSync {
				outcome = Deferred
				return nil
			}
			if !remote.UpdatedAt.After(lm.UpdatedAt) {
				outcome = Stale
				return nil
			}
		}

		if remote.DeletedAt != nil {
			if local == nil {
				outcome = Stale
				return nil
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE %s = ?", schema.table, schema.key), id)
			if err != nil {
				return fmt.Errorf("remove %s row %s: %w", kind, id, err)
			}
			outcome = Removed
			return nil
		}

		now := s.now()
		remote.NeedsSync = false
		remote.LastSyncedAt = &now
		remote.DeletedAt = nil
		if _, err := tx.ExecContext(ctx, schema.upsertSQL(), schema.upsertArgs(e)...); err != nil {
			return fmt.Errorf("apply %s row %s: %w", kind, id, err)
		}
		outcome = Applied
		return nil
	})
	if err != nil {
		return Stale, fmt.Errorf("apply remote %s %s: %w", kind, id, err)
	}

	if outcome == Applied || outcome == Removed {
		s.notify(kind, id)
	}
	return outcome, nil
}
