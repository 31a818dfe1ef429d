package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
	_ "modernc.org/sqlite"
)

// ChangeFunc is called after a committed change to a mirrored row.
type ChangeFunc func(kind types.Kind, id string)

// SQLiteStore is the SQLite-backed local mirror and sync log.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time

	mu        sync.RWMutex
	observers []ChangeFunc
}

// NewSQLiteStore opens (creating if needed) the mirror database at dbPath.
// It applies pragmas and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: pragmas stick, ":memory:" stays a single database, and
	// SQLite writers never contend with each other.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{
		db:    db,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// OnChange registers fn to be called after every committed local write or
// applied remote change.
func (s *SQLiteStore) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *SQLiteStore) notify(kind types.Kind, id string) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(kind, id)
	}
}

// LockEntity takes the per-entity write lock. Unrelated ids never block each other.
func (s *SQLiteStore) LockEntity(kind types.Kind, id string) func() {
	return s.locks.Lock(string(kind) + "/" + id)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
