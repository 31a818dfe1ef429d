package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

var churchA = sync.EntityKey{Kind: types.KindChurch, ID: "a"}

func TestCompletePush_ClearsFlagAndMarksSynced(t *testing.T) {
	// Given: one pending local edit
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	entry, err := s.Upsert(ctx, newChurch("a", "A", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}

	// When: the remote acknowledges the write
	remoteAt := clock.Advance(2 * time.Second)
	resolved, err := s.CompletePush(ctx, churchA, entry.ID, remoteAt)
	if err != nil {
		t.Fatalf("CompletePush() error = %v", err)
	}

	// Then: the row is clean and stamped, the entry is synced
	if resolved != 1 {
		t.Errorf("resolved = %d, want 1", resolved)
	}
	got := mustGetChurch(t, s, "a")
	if got.NeedsSync {
		t.Error("NeedsSync still set after push")
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(remoteAt) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, remoteAt)
	}
	logged, err := s.GetLogEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetLogEntry() error = %v", err)
	}
	if !logged.Synced {
		t.Error("entry not marked synced")
	}
	pending, err := s.PendingLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("len(PendingLog) = %d, want 0", len(pending))
	}
}

func TestCompletePush_CoalescesOlderEntries(t *testing.T) {
	// Given: two edits to the same church
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, newChurch("a", "First", "Umbria")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	latest, err := s.Upsert(ctx, newChurch("a", "Second", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}

	// When: the latest entry is pushed
	resolved, err := s.CompletePush(ctx, churchA, latest.ID, clock.Advance(time.Second))
	if err != nil {
		t.Fatalf("CompletePush() error = %v", err)
	}

	// Then: both entries are resolved at once
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}
	stats, err := s.LogStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 0 || stats.Synced != 2 {
		t.Errorf("stats = %+v, want 0 pending, 2 synced", stats)
	}
}

func TestCompletePush_KeepsFlagWhenNewerEditArrived(t *testing.T) {
	// Given: an edit being pushed while another edit lands
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	pushed, err := s.Upsert(ctx, newChurch("a", "First", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if _, err := s.Upsert(ctx, newChurch("a", "Second", "Umbria")); err != nil {
		t.Fatal(err)
	}

	// When: only the first entry is acknowledged
	if _, err := s.CompletePush(ctx, churchA, pushed.ID, clock.Advance(time.Second)); err != nil {
		t.Fatal(err)
	}

	// Then: the row still needs sync and keeps the local payload
	got := mustGetChurch(t, s, "a")
	if !got.NeedsSync {
		t.Error("NeedsSync cleared while a newer entry is pending")
	}
	if got.Name != "Second" {
		t.Errorf("Name = %q, want Second", got.Name)
	}
}

func TestCompletePush_PurgesPushedTombstone(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	mustUpsert(t, s, newChurch("a", "A", "Umbria"))
	del, err := s.Delete(ctx, types.KindChurch, "a")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CompletePush(ctx, churchA, del.ID, clock.Now()); err != nil {
		t.Fatalf("CompletePush() error = %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM churches WHERE id = 'a'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("tombstone rows = %d, want 0", n)
	}
}

func TestRecordPushFailure_CountsRetriesThenFails(t *testing.T) {
	// Given: a pending entry
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	entry, err := s.Upsert(ctx, newChurch("a", "A", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}

	// When: three transient failures are recorded
	for i := 1; i <= 3; i++ {
		next := clock.Now().Add(time.Duration(i) * time.Minute)
		got, err := s.RecordPushFailure(ctx, entry.ID, "network unreachable", &next, false)
		if err != nil {
			t.Fatalf("RecordPushFailure() error = %v", err)
		}
		// Then: retry_count tracks the attempts and the entry stays queued
		if got.RetryCount != i {
			t.Errorf("RetryCount = %d, want %d", got.RetryCount, i)
		}
		if got.Failed {
			t.Error("entry failed after a transient error")
		}
		if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
			t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
		}
	}

	next, err := s.NextAttemptAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || !next.Equal(clock.Now().Add(3*time.Minute)) {
		t.Errorf("NextAttemptAt() = %v", next)
	}

	// When: a terminal failure is recorded
	got, err := s.RecordPushFailure(ctx, entry.ID, "retries exhausted", &time.Time{}, true)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the entry leaves the queue
	if !got.Failed || got.RetryCount != 4 || got.NextAttemptAt != nil {
		t.Errorf("entry = %+v, want failed with 4 retries and no schedule", got)
	}
	if got.Error != "retries exhausted" {
		t.Errorf("Error = %q", got.Error)
	}
	pending, _ := s.PendingLog(ctx)
	if len(pending) != 0 {
		t.Errorf("len(PendingLog) = %d, want 0", len(pending))
	}
	failed, _ := s.FailedLog(ctx)
	if len(failed) != 1 {
		t.Errorf("len(FailedLog) = %d, want 1", len(failed))
	}
	// The row keeps its local edit
	if !mustGetChurch(t, s, "a").NeedsSync {
		t.Error("NeedsSync cleared by a failed push")
	}
}

func TestRecordPushFailure_UnknownEntry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RecordPushFailure(context.Background(), 999, "x", nil, false)
	if !errors.Is(err, ErrLogNotFound) {
		t.Errorf("error = %v, want ErrLogNotFound", err)
	}
}

func TestRetryFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, _ := s.Upsert(ctx, newChurch("a", "A", "Umbria"))
	second, _ := s.Upsert(ctx, newChurch("b", "B", "Umbria"))
	for _, id := range []int64{first.ID, second.ID} {
		if _, err := s.RecordPushFailure(ctx, id, "rejected", nil, true); err != nil {
			t.Fatal(err)
		}
	}

	// Only the selected entry is requeued
	n, err := s.RetryFailed(ctx, first.ID)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed(first) = %d, %v, want 1", n, err)
	}
	got, _ := s.GetLogEntry(ctx, first.ID)
	if got.Failed || got.RetryCount != 0 {
		t.Errorf("entry = %+v, want requeued with fresh budget", got)
	}

	// No ids requeues the rest
	n, err = s.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed() = %d, %v, want 1", n, err)
	}
	pending, _ := s.PendingLog(ctx)
	if len(pending) != 2 {
		t.Errorf("len(PendingLog) = %d, want 2", len(pending))
	}
}

func TestPendingLog_FIFOAcrossEntities(t *testing.T) {
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		mustUpsert(t, s, newChurch(id, id, "Umbria"))
		clock.Advance(time.Millisecond)
	}

	pending, err := s.PendingLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, e := range pending {
		order = append(order, e.EntityID)
	}
	if len(order) != 3 || order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Errorf("order = %v, want [c a b]", order)
	}
}

func TestPendingLog_SkipsEntriesBehindFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: two edits to a, the newer one failed; one pending edit to b
	older, err := s.Upsert(ctx, newChurch("a", "Draft", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}
	newer, err := s.Upsert(ctx, newChurch("a", "Final", "Umbria"))
	if err != nil {
		t.Fatal(err)
	}
	mustUpsert(t, s, newChurch("b", "B", "Umbria"))
	later := time.Now().Add(time.Hour)
	if _, err := s.RecordPushFailure(ctx, older.ID, "timeout", &later, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordPushFailure(ctx, newer.ID, "rejected", nil, true); err != nil {
		t.Fatal(err)
	}

	// Then: only b is owed; a's older payload and its backoff are held back
	pending, err := s.PendingLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].EntityID != "b" {
		t.Errorf("pending = %+v, want only b", pending)
	}
	next, err := s.NextAttemptAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Errorf("NextAttemptAt = %v, want nil for a blocked entry", next)
	}

	// When: the failure is retried, both of a's entries are owed again
	if _, err := s.RetryFailed(ctx, newer.ID); err != nil {
		t.Fatal(err)
	}
	pending, err = s.PendingLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Errorf("pending after retry = %d entries, want 3", len(pending))
	}
}

func TestPruneSyncLog_OnlyOldSyncedEntries(t *testing.T) {
	// Given: an old synced entry, an old pending entry, and a fresh synced entry
	s := newTestStore(t)
	clock := newTestClock(s)
	ctx := context.Background()

	old, _ := s.Upsert(ctx, newChurch("a", "A", "Umbria"))
	if _, err := s.CompletePush(ctx, churchA, old.ID, clock.Now()); err != nil {
		t.Fatal(err)
	}
	mustUpsert(t, s, newChurch("b", "B", "Umbria"))

	clock.Advance(48 * time.Hour)
	fresh, _ := s.Upsert(ctx, newChurch("c", "C", "Umbria"))
	if _, err := s.CompletePush(ctx, sync.EntityKey{Kind: types.KindChurch, ID: "c"}, fresh.ID, clock.Now()); err != nil {
		t.Fatal(err)
	}

	// When: pruning everything older than a day
	n, err := s.PruneSyncLog(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSyncLog() error = %v", err)
	}

	// Then: only the old synced entry is gone
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetLogEntry(ctx, old.ID); !errors.Is(err, ErrLogNotFound) {
		t.Errorf("old entry still present: %v", err)
	}
	stats, _ := s.LogStats(ctx)
	if stats.Pending != 1 || stats.Synced != 1 {
		t.Errorf("stats = %+v, want 1 pending, 1 synced", stats)
	}
}

func TestWatermark_NeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetWatermark(ctx, types.KindChurch)
	if err != nil || !got.IsZero() {
		t.Fatalf("initial watermark = %v, %v, want zero", got, err)
	}

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	if err := s.SetWatermark(ctx, types.KindChurch, t1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWatermark(ctx, types.KindChurch, t0); err != nil {
		t.Fatal(err)
	}

	got, _ = s.GetWatermark(ctx, types.KindChurch)
	if !got.Equal(t1) {
		t.Errorf("watermark = %v, want %v", got, t1)
	}
	other, _ := s.GetWatermark(ctx, types.KindAnnouncement)
	if !other.IsZero() {
		t.Errorf("announcement watermark = %v, want zero", other)
	}
}

func TestSourceID_Stable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SourceID(ctx)
	if err != nil || first == "" {
		t.Fatalf("SourceID() = %q, %v", first, err)
	}
	second, _ := s.SourceID(ctx)
	if first != second {
		t.Errorf("SourceID changed: %q then %q", first, second)
	}
}

func TestSyncMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncMeta(ctx, "missing"); !errors.Is(err, ErrMetaNotFound) {
		t.Errorf("GetSyncMeta(missing) error = %v, want ErrMetaNotFound", err)
	}

	key := sync.CursorKey(types.KindChurch, "abc")
	if err := s.SetSyncMeta(ctx, key, "one"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncMeta(ctx, key, "two"); err != nil {
		t.Fatal(err)
	}
	_ = s.SetSyncMeta(ctx, sync.WatermarkKey(types.KindChurch), "x")

	got, err := s.SyncMetaWithPrefix(ctx, sync.MetaCursorPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[key] != "two" {
		t.Errorf("SyncMetaWithPrefix() = %v", got)
	}
}
