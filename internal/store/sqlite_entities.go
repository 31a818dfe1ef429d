package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Get returns the live (non-deleted) row for kind/id.
func (s *SQLiteStore) Get(ctx context.Context, kind types.Kind, id string) (types.Entity, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}
	e, err := getRow(ctx, s.db, schema, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if e.Meta().DeletedAt != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, ErrNotFound)
	}
	return e, nil
}

// getRow reads a row including tombstones.
func getRow(ctx context.Context, q queryer, schema *tableSchema, id string) (types.Entity, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", schema.selectList(), schema.table, schema.key), id)
	e, err := schema.scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", schema.table, err)
	}
	return e, nil
}

var sqlOps = map[types.Op]string{
	types.OpEq:   "=",
	types.OpNe:   "!=",
	types.OpLt:   "<",
	types.OpLte:  "<=",
	types.OpGt:   ">",
	types.OpGte:  ">=",
	types.OpLike: "LIKE",
}

// listCursor is the decoded form of a local keyset cursor.
type listCursor struct {
	V any    `json:"v"`
	K string `json:"k"`
}

func encodeCursor(c listCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (listCursor, error) {
	var c listCursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(data, &c); err != nil || c.K == "" {
		return c, fmt.Errorf("%w: malformed", ErrInvalidCursor)
	}
	return c, nil
}

// List returns one page of live rows matching q, ordered by q.OrderBy (default
// the key) with the key as tiebreak. NextCursor resumes strictly after the last
// returned row, so rows inserted mid-pagination never cause repeats.
func (s *SQLiteStore) List(ctx context.Context, kind types.Kind, q types.Query) (*types.Page, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if !q.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	for _, c := range q.Where {
		if !schema.filterable(c.Field) {
			return nil, fmt.Errorf("%w: field %q not filterable on %s", ErrInvalidQuery, c.Field, kind)
		}
		op, ok := sqlOps[c.Op]
		if !ok {
			return nil, fmt.Errorf("%w: operator %q", ErrInvalidQuery, c.Op)
		}
		where = append(where, fmt.Sprintf("%s %s ?", c.Field, op))
		args = append(args, sqlValue(c.Value))
	}

	order := schema.key
	if q.OrderBy != "" {
		if !schema.filterable(q.OrderBy) {
			return nil, fmt.Errorf("%w: cannot order %s by %q", ErrInvalidQuery, kind, q.OrderBy)
		}
		order = q.OrderBy
	}
	dir, cmp := "ASC", ">"
	if q.Desc {
		dir, cmp = "DESC", "<"
	}

	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("(%s %s ? OR (%s = ? AND %s %s ?))", order, cmp, order, schema.key, cmp))
		args = append(args, c.V, c.V, c.K)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := fmt.Sprintf("SELECT %s, %s FROM %s", schema.selectList(), order, schema.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s, %s %s LIMIT ?", order, dir, schema.key, dir)
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	page := &types.Page{Items: make([]types.Entity, 0, limit)}
	var lastOrder any
	for rows.Next() {
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		var orderVal any
		e, err := schema.scanEntity(rows, &orderVal)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		page.Items = append(page.Items, e)
		lastOrder = orderVal
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	if page.HasMore {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = encodeCursor(listCursor{V: lastOrder, K: last.Key()})
	}
	return page, nil
}

// sqlValue converts predicate literals to values comparable with stored columns.
func sqlValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatTime(x)
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return v
	}
}

// Count returns the number of live rows of kind.
func (s *SQLiteStore) Count(ctx context.Context, kind types.Kind) (int, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", schema.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}

// CountBy groups live rows of kind by column and counts each group.
func (s *SQLiteStore) CountBy(ctx context.Context, kind types.Kind, column string) (map[string]int, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}
	if !schema.filterable(column) {
		return nil, fmt.Errorf("%w: cannot group %s by %q", ErrInvalidQuery, kind, column)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT CAST(%s AS TEXT), COUNT(*) FROM %s WHERE deleted_at IS NULL GROUP BY 1", column, schema.table))
	if err != nil {
		return nil, fmt.Errorf("count %s by %s: %w", kind, column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var group sql.NullString
		var n int
		if err := rows.Scan(&group, &n); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		counts[group.String] += n
	}
	return counts, rows.Err()
}

// Upsert writes e locally, flags it for sync and appends one create or update
// entry to the sync log, all in one transaction. The caller's value is left
// untouched.
func (s *SQLiteStore) Upsert(ctx context.Context, e types.Entity) (*sync.LogEntry, error) {
	kind, id := e.Kind(), e.Key()
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", kind, err)
	}
	e = e.Clone()
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}

	unlock := s.LockEntity(kind, id)
	defer unlock()

	payload, err := types.Fields(e)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var entry *sync.LogEntry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := getRow(ctx, tx, schema, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		op := sync.OperationCreate
		var base *time.Time
		m := e.Meta()
		m.LastSyncedAt = nil
		if prev != nil {
			if prev.Meta().DeletedAt == nil {
				op = sync.OperationUpdate
			}
			if base, err = baseVersion(ctx, tx, prev); err != nil {
				return err
			}
			m.LastSyncedAt = prev.Meta().LastSyncedAt
		}

		m.UpdatedAt = now
		m.NeedsSync = true
		m.DeletedAt = nil

		if _, err := tx.ExecContext(ctx, schema.upsertSQL(), schema.upsertArgs(e)...); err != nil {
			return fmt.Errorf("upsert %s row %s: %w", kind, id, err)
		}

		entry = &sync.LogEntry{
			EntityType:  kind,
			EntityID:    id,
			Operation:   op,
			DataJSON:    payload,
			Timestamp:   now,
			BaseVersion: base,
		}
		entry.ID, err = appendLog(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify(kind, id)
	return entry, nil
}

// Delete tombstones kind/id locally and appends a delete entry to the sync log.
// The row stays hidden until the delete reaches the remote and is then purged.
func (s *SQLiteStore) Delete(ctx context.Context, kind types.Kind, id string) (*sync.LogEntry, error) {
	schema, err := schemaFor(kind)
	if err != nil {
		return nil, err
	}

	unlock := s.LockEntity(kind, id)
	defer unlock()

	now := s.now()
	var entry *sync.LogEntry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := getRow(ctx, tx, schema, id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", kind, id, err)
		}
		if prev.Meta().DeletedAt != nil {
			return fmt.Errorf("delete %s %s: %w", kind, id, ErrNotFound)
		}
		base, err := baseVersion(ctx, tx, prev)
		if err != nil {
			return err
		}

		ts := formatTime(now)
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET deleted_at = ?, updated_at = ?, needs_sync = 1 WHERE %s = ?", schema.table, schema.key),
			ts, ts, id)
		if err != nil {
			return fmt.Errorf("tombstone %s row %s: %w", kind, id, err)
		}

		entry = &sync.LogEntry{
			EntityType:  kind,
			EntityID:    id,
			Operation:   sync.OperationDelete,
			Timestamp:   now,
			BaseVersion: base,
		}
		entry.ID, err = appendLog(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notify(kind, id)
	return entry, nil
}

// baseVersion returns the remote version a new edit of prev is based on: the
// row's own updated_at when it is clean, else whatever the pending edits used.
func baseVersion(ctx context.Context, q queryer, prev types.Entity) (*time.Time, error) {
	m := prev.Meta()
	if !m.NeedsSync {
		if m.LastSyncedAt == nil {
			return nil, nil
		}
		t := m.UpdatedAt
		return &t, nil
	}
	var base sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT base_version FROM sync_log
		WHERE entity_type = ? AND entity_id = ? AND synced = 0
		ORDER BY id DESC LIMIT 1
	`, prev.Kind(), prev.Key()).Scan(&base)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !base.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read base version: %w", err)
	}
	t, err := parseTime(base.String)
	if err != nil {
		return nil, fmt.Errorf("parse base version: %w", err)
	}
	return &t, nil
}

// MarkSynced records that the remote accepted kind/id at remoteUpdatedAt.
// needs_sync is cleared only when no unsynced log entries remain; a pushed
// tombstone is purged.
func (s *SQLiteStore) MarkSynced(ctx context.Context, kind types.Kind, id string, remoteUpdatedAt time.Time) error {
	schema, err := schemaFor(kind)
	if err != nil {
		return err
	}

	unlock := s.LockEntity(kind, id)
	defer unlock()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.markSyncedTx(ctx, tx, schema, id, remoteUpdatedAt)
	})
	if err != nil {
		return err
	}
	s.notify(kind, id)
	return nil
}

func (s *SQLiteStore) markSyncedTx(ctx context.Context, tx *sql.Tx, schema *tableSchema, id string, remoteUpdatedAt time.Time) error {
	var remaining int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_log WHERE entity_type = ? AND entity_id = ? AND synced = 0
	`, schema.kind, id).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("count unsynced entries: %w", err)
	}

	now := formatTime(s.now())
	if remaining > 0 {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET last_synced_at = ? WHERE %s = ?", schema.table, schema.key), now, id)
		if err != nil {
			return fmt.Errorf("mark %s %s synced: %w", schema.kind, id, err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ? AND deleted_at IS NOT NULL", schema.table, schema.key), id)
	if err != nil {
		return fmt.Errorf("purge %s %s: %w", schema.kind, id, err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET needs_sync = 0, updated_at = ?, last_synced_at = ? WHERE %s = ?", schema.table, schema.key),
		formatTime(remoteUpdatedAt), now, id)
	if err != nil {
		return fmt.Errorf("mark %s %s synced: %w", schema.kind, id, err)
	}
	return nil
}
