package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
	"github.com/oklog/ulid/v2"
)

const insertSyncLogSQL = `
	INSERT INTO sync_log (entity_type, entity_id, operation, data_json, timestamp, base_version)
	VALUES (?, ?, ?, ?, ?, ?)`

const selectSyncLogSQL = `
	SELECT id, entity_type, entity_id, operation, data_json, timestamp, synced, failed,
	       error, retry_count, next_attempt_at, base_version
	FROM sync_log`

// appendLog inserts e inside tx and returns its id.
func appendLog(ctx context.Context, tx *sql.Tx, e *sync.LogEntry) (int64, error) {
	result, err := tx.ExecContext(ctx, insertSyncLogSQL,
		e.EntityType, e.EntityID, e.Operation, nullablePayload(e.DataJSON),
		formatTime(e.Timestamp), nullableTime(e.BaseVersion))
	if err != nil {
		return 0, fmt.Errorf("append sync log: %w", err)
	}
	return result.LastInsertId()
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanLogEntries(rows *sql.Rows) ([]sync.LogEntry, error) {
	entries := make([]sync.LogEntry, 0)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanLogEntry(row scanner) (*sync.LogEntry, error) {
	var e sync.LogEntry
	var data, cause sql.NullString
	var timestamp string
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &data, &timestamp,
		intBool{&e.Synced}, intBool{&e.Failed}, &cause, &e.RetryCount,
		nullTimeText{&e.NextAttemptAt}, nullTimeText{&e.BaseVersion})
	if err != nil {
		return nil, fmt.Errorf("scan sync log entry: %w", err)
	}
	if data.Valid {
		e.DataJSON = json.RawMessage(data.String)
	}
	e.Error = cause.String
	var parseErr error
	if e.Timestamp, parseErr = parseTime(timestamp); parseErr != nil {
		slog.Warn("sync_log: failed to parse timestamp", "component", "store", "value", timestamp, "error", parseErr)
	}
	return &e, nil
}

// blockedByFailureSQL matches entries superseded by a newer failed entry of
// the same entity. Pushing them would overwrite the remote with an older
// payload, so they wait for RetryFailed or a newer edit.
const blockedByFailureSQL = `EXISTS (
	SELECT 1 FROM sync_log f
	WHERE f.entity_type = sync_log.entity_type AND f.entity_id = sync_log.entity_id
	  AND f.synced = 0 AND f.failed = 1 AND f.id > sync_log.id)`

// PendingLog returns every entry still owed to the remote (not synced, not
// failed, not superseded by a failed entry), oldest first.
func (s *SQLiteStore) PendingLog(ctx context.Context) ([]sync.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectSyncLogSQL+`
		WHERE synced = 0 AND failed = 0 AND NOT `+blockedByFailureSQL+`
		ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending sync log: %w", err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// FailedLog returns entries that stopped retrying, oldest first.
func (s *SQLiteStore) FailedLog(ctx context.Context) ([]sync.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectSyncLogSQL+`
		WHERE synced = 0 AND failed = 1
		ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query failed sync log: %w", err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// EntityLog returns all entries for one entity, oldest first.
func (s *SQLiteStore) EntityLog(ctx context.Context, key sync.EntityKey) ([]sync.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectSyncLogSQL+`
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY timestamp ASC, id ASC`, key.Kind, key.ID)
	if err != nil {
		return nil, fmt.Errorf("query sync log for %s: %w", key, err)
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

// GetLogEntry returns one entry by id.
func (s *SQLiteStore) GetLogEntry(ctx context.Context, id int64) (*sync.LogEntry, error) {
	return getLogEntry(ctx, s.db, id)
}

func getLogEntry(ctx context.Context, q queryer, id int64) (*sync.LogEntry, error) {
	e, err := scanLogEntry(q.QueryRowContext(ctx, selectSyncLogSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync log entry %d: %w", id, ErrLogNotFound)
	}
	return e, err
}

// NextAttemptAt returns the earliest scheduled retry among pending entries, or
// nil when nothing is waiting on a backoff.
func (s *SQLiteStore) NextAttemptAt(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM sync_log
		WHERE synced = 0 AND failed = 0 AND next_attempt_at IS NOT NULL
		  AND NOT `+blockedByFailureSQL).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("query next attempt: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t, err := parseTime(next.String)
	if err != nil {
		return nil, fmt.Errorf("parse next attempt: %w", err)
	}
	return &t, nil
}

// CompletePush marks every unsynced entry of key with id <= upToID as synced
// (older entries are coalesced into the pushed one, including earlier
// failures) and updates the mirror row in the same transaction. It returns
// how many entries were resolved.
func (s *SQLiteStore) CompletePush(ctx context.Context, key sync.EntityKey, upToID int64, remoteUpdatedAt time.Time) (int64, error) {
	schema, err := schemaFor(key.Kind)
	if err != nil {
		return 0, err
	}

	unlock := s.LockEntity(key.Kind, key.ID)
	defer unlock()

	var resolved int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sync_log
			SET synced = 1, failed = 0, error = NULL, next_attempt_at = NULL
			WHERE entity_type = ? AND entity_id = ? AND synced = 0 AND id <= ?
		`, key.Kind, key.ID, upToID)
		if err != nil {
			return fmt.Errorf("mark sync log synced: %w", err)
		}
		if resolved, err = result.RowsAffected(); err != nil {
			return err
		}
		return s.markSyncedTx(ctx, tx, schema, key.ID, remoteUpdatedAt)
	})
	if err != nil {
		return 0, fmt.Errorf("complete push %s: %w", key, err)
	}

	s.notify(key.Kind, key.ID)
	return resolved, nil
}

// RecordPushFailure bumps retry_count on entry id and stores the cause. A
// terminal failure marks the entry failed; otherwise nextAttempt schedules the
// retry. It returns the updated entry.
func (s *SQLiteStore) RecordPushFailure(ctx context.Context, id int64, cause string, nextAttempt *time.Time, terminal bool) (*sync.LogEntry, error) {
	var entry *sync.LogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		failed := 0
		if terminal {
			failed = 1
			nextAttempt = nil
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE sync_log
			SET retry_count = retry_count + 1, error = ?, failed = ?, next_attempt_at = ?
			WHERE id = ? AND synced = 0
		`, cause, failed, nullableTime(nextAttempt), id)
		if err != nil {
			return fmt.Errorf("record push failure: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("sync log entry %d: %w", id, ErrLogNotFound)
		}
		entry, err = getLogEntry(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RetryFailed puts failed entries back in the queue with a fresh retry budget.
// With no ids every failed entry is reset.
func (s *SQLiteStore) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	query := `UPDATE sync_log SET failed = 0, retry_count = 0, next_attempt_at = NULL
		WHERE synced = 0 AND failed = 1`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += " AND id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed entries: %w", err)
	}
	return result.RowsAffected()
}

// PruneSyncLog deletes synced entries older than cutoff and returns how many
// were removed. Unsynced entries are never pruned.
func (s *SQLiteStore) PruneSyncLog(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_log WHERE synced = 1 AND timestamp < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune sync log: %w", err)
	}
	return result.RowsAffected()
}

// LogStats summarises the sync log.
func (s *SQLiteStore) LogStats(ctx context.Context) (*sync.LogStats, error) {
	var stats sync.LogStats
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 AND failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND failed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN synced = 0 AND failed = 0 THEN timestamp END)
		FROM sync_log
	`).Scan(&stats.Pending, &stats.Failed, &stats.Synced, &oldest)
	if err != nil {
		return nil, fmt.Errorf("sync log stats: %w", err)
	}
	if oldest.Valid {
		if t, err := parseTime(oldest.String); err == nil {
			stats.OldestQueue = &t
		}
	}
	return &stats, nil
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrMetaNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// SyncMetaWithPrefix returns every meta entry whose key starts with prefix.
func (s *SQLiteStore) SyncMetaWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM sync_meta WHERE substr(key, 1, ?) = ?
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list sync meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan sync meta: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetWatermark returns the pull watermark for kind, or the zero time if the
// kind was never pulled.
func (s *SQLiteStore) GetWatermark(ctx context.Context, kind types.Kind) (time.Time, error) {
	v, err := s.GetSyncMeta(ctx, sync.WatermarkKey(kind))
	if errors.Is(err, ErrMetaNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return t, nil
}

// SetWatermark persists the pull watermark for kind. It never moves backwards.
func (s *SQLiteStore) SetWatermark(ctx context.Context, kind types.Kind, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value WHERE excluded.value > sync_meta.value
	`, sync.WatermarkKey(kind), formatTime(t))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// SourceID returns this device's stable identifier, creating it on first use.
func (s *SQLiteStore) SourceID(ctx context.Context) (string, error) {
	id, err := s.GetSyncMeta(ctx, sync.MetaSourceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrMetaNotFound) {
		return "", err
	}

	id = ulid.Make().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING
	`, sync.MetaSourceID, id)
	if err != nil {
		return "", fmt.Errorf("create source id: %w", err)
	}
	return s.GetSyncMeta(ctx, sync.MetaSourceID)
}
