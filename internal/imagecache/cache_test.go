package imagecache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/heritage/internal/config"
	"github.com/hyperengineering/heritage/internal/store"
	"github.com/hyperengineering/heritage/internal/types"
)

// fakeFetcher writes fixed bytes and counts downloads per object key.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	data  []byte
	err   error
	gate  chan struct{}
}

func newFakeFetcher(size int) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), data: bytes.Repeat([]byte("x"), size)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, objectKey, destPath string) error {
	f.mu.Lock()
	f.calls[objectKey]++
	err, gate := f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, f.data, 0o644)
}

func (f *fakeFetcher) Calls(objectKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[objectKey]
}

func newTestCache(t *testing.T, fetcher Fetcher) (*Cache, *store.SQLiteStore) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, fetcher, filepath.Join(t.TempDir(), "images")), s
}

func seedImage(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	img := &types.ImageCacheEntry{ContentID: id, ObjectKey: "churches/" + id + ".jpg", ContentType: "image/jpeg"}
	img.UpdatedAt = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.ApplyRemote(context.Background(), img); err != nil {
		t.Fatalf("ApplyRemote(%s) error = %v", id, err)
	}
}

func localImage(t *testing.T, s *store.SQLiteStore, id string) *types.ImageCacheEntry {
	t.Helper()
	e, err := s.Get(context.Background(), types.KindImage, id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return e.(*types.ImageCacheEntry)
}

func TestEnsure_DownloadsOnceThenTouches(t *testing.T) {
	fetcher := newFakeFetcher(100)
	c, s := newTestCache(t, fetcher)
	ctx := context.Background()
	seedImage(t, s, "img1")

	// When: the blob is requested twice
	path, err := c.Ensure(ctx, "img1")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	later := time.Now().Add(time.Hour).UTC()
	c.now = func() time.Time { return later }
	again, err := c.Ensure(ctx, "img1")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}

	// Then: one download, recorded in the mirror row
	if path != again {
		t.Errorf("paths differ: %q vs %q", path, again)
	}
	if n := fetcher.Calls("churches/img1.jpg"); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	img := localImage(t, s, "img1")
	if img.LocalPath != path || img.SizeBytes != 100 {
		t.Errorf("row = path %q size %d", img.LocalPath, img.SizeBytes)
	}
	if img.LastAccessedAt == nil || !img.LastAccessedAt.Equal(later) {
		t.Errorf("last_accessed_at = %v, want %v", img.LastAccessedAt, later)
	}
	if _, err := os.Stat(path + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial download left behind")
	}
}

func TestEnsure_RefetchesMissingBlob(t *testing.T) {
	fetcher := newFakeFetcher(10)
	c, s := newTestCache(t, fetcher)
	ctx := context.Background()
	seedImage(t, s, "img1")

	path, err := c.Ensure(ctx, "img1")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	if _, err := c.Ensure(ctx, "img1"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if n := fetcher.Calls("churches/img1.jpg"); n != 2 {
		t.Errorf("downloads = %d, want 2", n)
	}
}

func TestEnsure_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown image", func(t *testing.T) {
		c, _ := newTestCache(t, newFakeFetcher(1))
		if _, err := c.Ensure(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Ensure() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		c, s := newTestCache(t, NoopFetcher{})
		seedImage(t, s, "img1")
		if _, err := c.Ensure(ctx, "img1"); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("Ensure() error = %v, want ErrNotConfigured", err)
		}
		if img := localImage(t, s, "img1"); img.LocalPath != "" {
			t.Errorf("local path recorded after a failed fetch: %q", img.LocalPath)
		}
	})

	t.Run("download failure", func(t *testing.T) {
		fetcher := newFakeFetcher(1)
		fetcher.err = errors.New("connection reset")
		c, s := newTestCache(t, fetcher)
		seedImage(t, s, "img1")
		if _, err := c.Ensure(ctx, "img1"); err == nil {
			t.Error("Ensure() expected error")
		}
	})
}

func TestEnsure_ConcurrentCallsShareDownload(t *testing.T) {
	fetcher := newFakeFetcher(10)
	fetcher.gate = make(chan struct{})
	c, s := newTestCache(t, fetcher)
	seedImage(t, s, "img1")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Ensure(context.Background(), "img1")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Ensure() error = %v", err)
		}
	}
	if n := fetcher.Calls("churches/img1.jpg"); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
}

func TestEvict_LeastRecentlyUsedFirstNeverPinned(t *testing.T) {
	fetcher := newFakeFetcher(100)
	c, s := newTestCache(t, fetcher)
	ctx := context.Background()

	// Given: three cached blobs of 100 bytes; b pinned, a accessed last
	paths := map[string]string{}
	for _, id := range []string{"a", "b", "c"} {
		seedImage(t, s, id)
		p, err := c.Ensure(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		paths[id] = p
		time.Sleep(time.Millisecond)
	}
	if err := c.SetPermanent(ctx, "b", true); err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := c.Ensure(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// When: evicting down to 200 bytes
	stats, err := c.Evict(ctx, 200)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}

	// Then: only c goes
	if stats.Removed != 1 || stats.FreedBytes != 100 || stats.TotalBytes != 200 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := os.Stat(paths["c"]); !errors.Is(err, os.ErrNotExist) {
		t.Error("c blob still on disk")
	}
	if img := localImage(t, s, "c"); img.LocalPath != "" {
		t.Errorf("c local path = %q, want cleared", img.LocalPath)
	}

	// And: a zero budget still keeps the pinned blob
	stats, err = c.Evict(ctx, 0)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if stats.Removed != 1 || stats.TotalBytes != 100 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := os.Stat(paths["b"]); err != nil {
		t.Errorf("pinned blob removed: %v", err)
	}
}

func TestEvict_UnderBudgetIsNoop(t *testing.T) {
	c, s := newTestCache(t, newFakeFetcher(100))
	seedImage(t, s, "a")
	if _, err := c.Ensure(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	stats, err := c.Evict(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if stats.Removed != 0 || stats.TotalBytes != 100 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRefresh(t *testing.T) {
	fetcher := newFakeFetcher(10)
	c, s := newTestCache(t, fetcher)
	ctx := context.Background()
	seedImage(t, s, "cached")
	seedImage(t, s, "pinned")
	seedImage(t, s, "cold")
	if _, err := c.Ensure(ctx, "cached"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetPermanent(ctx, "pinned", true); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"cached", "pinned", "cold"} {
		c.Refresh(ctx, &types.ImageCacheEntry{ContentID: id})
	}
	c.Refresh(ctx, &types.Church{ID: "cached"})

	if n := fetcher.Calls("churches/cached.jpg"); n != 2 {
		t.Errorf("cached downloads = %d, want 2", n)
	}
	if n := fetcher.Calls("churches/pinned.jpg"); n != 1 {
		t.Errorf("pinned downloads = %d, want 1", n)
	}
	if n := fetcher.Calls("churches/cold.jpg"); n != 0 {
		t.Errorf("cold downloads = %d, want 0", n)
	}
}

// --- Fetcher ---

type mockS3Client struct {
	bucket, object, path string
	err                  error
}

func (m *mockS3Client) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.bucket, m.object, m.path = bucket, objectName, filePath
	return m.err
}

func TestS3Fetcher_Fetch(t *testing.T) {
	client := &mockS3Client{}
	f := &S3Fetcher{client: client, bucket: "church-images"}

	if err := f.Fetch(context.Background(), "churches/a.jpg", "/tmp/a"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if client.bucket != "church-images" || client.object != "churches/a.jpg" || client.path != "/tmp/a" {
		t.Errorf("client got %+v", client)
	}

	client.err = errors.New("access denied")
	err := f.Fetch(context.Background(), "churches/a.jpg", "/tmp/a")
	if err == nil || !errors.Is(err, client.err) {
		t.Errorf("Fetch() error = %v, want wrapped access denied", err)
	}
}

func TestNewFetcher(t *testing.T) {
	f, err := NewFetcher(config.ImagesConfig{})
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	if _, ok := f.(NoopFetcher); !ok {
		t.Errorf("empty bucket: got %T, want NoopFetcher", f)
	}

	useSSL := false
	f, err = NewFetcher(config.ImagesConfig{
		Bucket:    "church-images",
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		UseSSL:    &useSSL,
	})
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}
	if _, ok := f.(*S3Fetcher); !ok {
		t.Errorf("got %T, want *S3Fetcher", f)
	}
}
