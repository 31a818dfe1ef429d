package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/heritage/internal/types"
	_ "modernc.org/sqlite"
)

// newTestDB creates a fresh in-memory database with all migrations applied.
// Returns the raw *sql.DB for schema-level testing.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	return db
}

// newTestStore creates a fresh SQLiteStore with in-memory database for testing.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testClock is a settable clock for SQLiteStore.now.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(s *SQLiteStore) *testClock {
	c := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s.now = c.Now
	return c
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newChurch(id, name, region string) *types.Church {
	return &types.Church{
		ID:             id,
		Name:           name,
		Region:         region,
		Latitude:       43.77,
		Longitude:      11.25,
		HeritageStatus: "listed",
		ApprovalStatus: "approved",
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// remoteChurch builds a church as it would arrive from a pull.
func remoteChurch(id, name string, updatedAt time.Time) *types.Church {
	c := newChurch(id, name, "Tuscany")
	c.UpdatedAt = updatedAt
	return c
}

func mustUpsert(t *testing.T, s *SQLiteStore, e types.Entity) {
	t.Helper()
	if _, err := s.Upsert(context.Background(), e); err != nil {
		t.Fatalf("Upsert(%s) error = %v", e.Key(), err)
	}
}

func mustGetChurch(t *testing.T, s *SQLiteStore, id string) *types.Church {
	t.Helper()
	e, err := s.Get(context.Background(), types.KindChurch, id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return e.(*types.Church)
}

// seedRemoteChurches applies n clean churches named c000..c(n-1).
func seedRemoteChurches(t *testing.T, s *SQLiteStore, n int, updatedAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%03d", i)
		if _, err := s.ApplyRemote(context.Background(), remoteChurch(id, "Church "+id, updatedAt)); err != nil {
			t.Fatalf("ApplyRemote(%s) error = %v", id, err)
		}
	}
}
