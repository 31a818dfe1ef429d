package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/heritage/internal/config"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/internal/types"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) find(msg string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e["msg"] == msg {
			return e
		}
	}
	return nil
}

func captureLogs(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := captureLogs(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	cancel()
	wg.Wait()

	if !workerRan.Load() {
		t.Error("worker function was not called")
	}
	started := capture.find("worker started")
	if started == nil || started["worker"] != "test-worker" {
		t.Errorf("worker started entry = %v", started)
	}
	if capture.find("worker stopped") == nil {
		t.Error("expected 'worker stopped' log message")
	}
}

func TestStartWorker_WaitGroupWaitsForCleanup(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	completed := atomic.Bool{}
	startWorker(ctx, &wg, "slow-worker", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		completed.Store(true)
	})

	cancel()
	wg.Wait()

	if !completed.Load() {
		t.Error("wg.Wait() returned before worker completed")
	}
}

func TestLogNotifications(t *testing.T) {
	capture := captureLogs(t)

	ch := make(chan syncpkg.Notification, 1)
	ch <- syncpkg.Notification{
		Type:     syncpkg.NotifyPersistentFailure,
		Kind:     types.KindChurch,
		EntityID: "c1",
		LogID:    7,
		Message:  "rejected",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		logNotifications(ctx, ch)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for capture.find("sync notification") == nil {
		if time.Now().After(deadline) {
			t.Fatal("notification was not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	entry := capture.find("sync notification")
	if entry["entity_id"] != "c1" || entry["type"] != string(syncpkg.NotifyPersistentFailure) {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewRemoteServer(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 9090
	cfg.Server.APIKey = "secret"

	srv := newRemoteServer(cfg)
	if srv.Addr != ":9090" {
		t.Errorf("Addr = %q", srv.Addr)
	}
	if srv.ReadTimeout != cfg.Server.ReadTimeout.Std() || srv.WriteTimeout != cfg.Server.WriteTimeout.Std() {
		t.Errorf("timeouts = %s/%s", srv.ReadTimeout, srv.WriteTimeout)
	}

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	// Health is public
	resp, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	// Document routes need the key
	resp, err = http.Get(ts.URL + "/v1/docs/church/changes")
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}
