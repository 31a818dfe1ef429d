package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/heritage/internal/remote"
	"github.com/hyperengineering/heritage/internal/remote/memremote"
	"github.com/hyperengineering/heritage/internal/types"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRun(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRun_CyclesOnStartAndTrigger(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour})
	h.putRemote(t, newChurch("c1", "St Mary"))

	startRun(t, h.engine)

	// Startup cycle pulls
	eventually(t, "startup pull", func() bool {
		_, err := h.local.Get(context.Background(), types.KindChurch, "c1")
		return err == nil
	})

	// A local write plus trigger pushes
	h.upsert(t, newChurch("c2", "St John"))
	h.engine.Trigger(ReasonLocalWrite)
	eventually(t, "triggered push", func() bool {
		return h.remote.Len(types.KindChurch) == 2
	})
}

func TestRun_RetryTimerFiresWhenBackoffElapses(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, BackoffBase: 20 * time.Millisecond, Now: time.Now})
	h.remote.Fail(memremote.OpWrite, remote.ErrTransient)
	h.upsert(t, newChurch("c1", "St Mary"))

	startRun(t, h.engine)

	// The first attempt fails; the retry timer pushes it without a trigger
	eventually(t, "retried push", func() bool {
		return h.remote.Len(types.KindChurch) == 1
	})
	if calls := h.remote.Calls(memremote.OpWrite); calls != 2 {
		t.Errorf("write calls = %d, want 2", calls)
	}
}

func TestRun_OfflineSuspendsCycles(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour})
	h.engine.SetOnline(false)
	startRun(t, h.engine)

	h.upsert(t, newChurch("c1", "St Mary"))
	h.engine.Trigger(ReasonLocalWrite)
	time.Sleep(50 * time.Millisecond)
	if calls := h.remote.Calls(memremote.OpWrite); calls != 0 {
		t.Fatalf("write calls while offline = %d", calls)
	}

	// Coming back online triggers a cycle by itself
	h.engine.SetOnline(true)
	eventually(t, "push after reconnect", func() bool {
		return h.remote.Len(types.KindChurch) == 1
	})
}

func TestCycle_NeverOverlaps(t *testing.T) {
	h := newHarness(t, Config{Kinds: []types.Kind{types.KindChurch}})
	var mu sync.Mutex
	active, peak := 0, 0
	h.remote.OnCall(func(op memremote.Op) {
		if op != memremote.OpFetch {
			return
		}
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.Cycle(context.Background(), ReasonManual)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrent pulls = %d, want 1", peak)
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	e := New(nil, nil, Config{})
	defer e.Close()

	e.Trigger(ReasonLocalWrite)
	e.Trigger(ReasonStaleRead)
	e.Trigger(ReasonForeground)

	if got := len(e.trigger); got != 1 {
		t.Errorf("queued triggers = %d, want 1", got)
	}
	if r := <-e.trigger; r != ReasonLocalWrite {
		t.Errorf("reason = %v, want first trigger kept", r)
	}
}

// flakyWatcher drops the feed once before delivering changes.
type flakyWatcher struct {
	mu    sync.Mutex
	calls int
	inner *memremote.Store
}

func (w *flakyWatcher) Watch(ctx context.Context, fn func(remote.Change)) error {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	w.mu.Unlock()
	if first {
		return errors.New("connection reset")
	}
	return w.inner.Watch(ctx, fn)
}

func TestFollowChanges_TriggersPullAndReconnects(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, BackoffBase: time.Millisecond})
	startRun(t, h.engine)

	ctx, cancel := context.WithCancel(context.Background())
	watcher := &flakyWatcher{inner: h.remote}
	done := make(chan struct{})
	go func() {
		h.engine.FollowChanges(ctx, watcher)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Wait for the reconnect, then change the remote from "another device"
	eventually(t, "reconnect", func() bool {
		watcher.mu.Lock()
		defer watcher.mu.Unlock()
		return watcher.calls >= 2
	})
	time.Sleep(20 * time.Millisecond)
	h.putRemote(t, newChurch("c9", "Remote Change"))

	eventually(t, "pulled change", func() bool {
		_, err := h.local.Get(context.Background(), types.KindChurch, "c9")
		return err == nil
	})
}
