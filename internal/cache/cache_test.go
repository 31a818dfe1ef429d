package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(capacity int) (*QueryCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(Config{Capacity: capacity, DefaultTTL: time.Minute, Now: clock.Now}), clock
}

func TestQueryCache_TTLExpiry(t *testing.T) {
	// Given: an entry with a 30s TTL
	c, clock := newTestCache(10)
	Set(c, "church:all", []string{"a", "b"}, 30*time.Second)

	// When: read before expiry
	got, ok := Get[[]string](c, "church:all")

	// Then: hit
	if !ok || len(got) != 2 {
		t.Fatalf("Get() = %v, %v, want hit", got, ok)
	}

	// When: read at the expiry instant
	clock.Advance(30 * time.Second)
	_, ok = Get[[]string](c, "church:all")

	// Then: miss, and the entry is gone
	if ok {
		t.Error("expired entry returned")
	}
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("Size = %d after expired read, want 0", s.Size)
	}
}

func TestQueryCache_DefaultTTL(t *testing.T) {
	c, clock := newTestCache(10)
	Set(c, "k", 1, 0)

	clock.Advance(59 * time.Second)
	if _, ok := Get[int](c, "k"); !ok {
		t.Error("entry expired before default TTL")
	}
	clock.Advance(time.Second)
	if _, ok := Get[int](c, "k"); ok {
		t.Error("entry outlived default TTL")
	}
}

func TestQueryCache_LRUEviction(t *testing.T) {
	// Given: a full cache of 3
	c, _ := newTestCache(3)
	Set(c, "a", 1, 0)
	Set(c, "b", 2, 0)
	Set(c, "c", 3, 0)

	// When: "a" is read, then a fourth key is added
	if _, ok := Get[int](c, "a"); !ok {
		t.Fatal("a missing")
	}
	Set(c, "d", 4, 0)

	// Then: "b" (least recently used) is evicted
	if _, ok := Get[int](c, "b"); ok {
		t.Error("b survived eviction")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := Get[int](c, k); !ok {
			t.Errorf("%s evicted, want kept", k)
		}
	}
	if s := c.Stats(); s.Size != 3 {
		t.Errorf("Size = %d, want 3", s.Size)
	}
}

func TestQueryCache_SizeNeverExceedsCapacity(t *testing.T) {
	c, _ := newTestCache(DefaultCapacity)
	for i := 0; i < 3*DefaultCapacity; i++ {
		Set(c, fmt.Sprintf("k%d", i), i, 0)
		if s := c.Stats(); s.Size > DefaultCapacity {
			t.Fatalf("Size = %d after %d sets", s.Size, i+1)
		}
	}
}

func TestQueryCache_TypeMismatchIsMiss(t *testing.T) {
	c, _ := newTestCache(10)
	Set(c, "k", "text", 0)

	if _, ok := Get[int](c, "k"); ok {
		t.Error("Get[int] hit on a string value")
	}
}

func TestQueryCache_InvalidatePrefix(t *testing.T) {
	c, _ := newTestCache(10)
	Set(c, Key("church", "abc"), 1, 0)
	Set(c, Key("church", "def"), 2, 0)
	Set(c, Key("announcement", "abc"), 3, 0)

	if n := c.InvalidatePrefix("church:"); n != 2 {
		t.Errorf("InvalidatePrefix() = %d, want 2", n)
	}
	if _, ok := Get[int](c, Key("announcement", "abc")); !ok {
		t.Error("unrelated kind invalidated")
	}

	c.Invalidate(Key("announcement", "abc"))
	if _, ok := Get[int](c, Key("announcement", "abc")); ok {
		t.Error("Invalidate() left the key")
	}
}

func TestQueryCache_PurgeExpired(t *testing.T) {
	c, clock := newTestCache(10)
	Set(c, "short", 1, time.Second)
	Set(c, "long", 2, time.Hour)

	clock.Advance(time.Minute)
	if n := c.PurgeExpired(); n != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", n)
	}
	if s := c.Stats(); s.Size != 1 {
		t.Errorf("Size = %d, want 1", s.Size)
	}
}

func TestQueryCache_Stats(t *testing.T) {
	c, _ := newTestCache(10)
	Set(c, "k", 1, 0)
	Get[int](c, "k")
	Get[int](c, "k")
	Get[int](c, "missing")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("Stats = %+v, want 2 hits 1 miss", s)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("HitRate = %f", s.HitRate)
	}

	c.Clear()
	if s := c.Stats(); s.Size != 0 || s.Hits != 0 {
		t.Errorf("Stats after Clear = %+v", s)
	}
}

func TestQueryCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(DefaultCapacity)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("church:%d", (g*200+i)%70)
				Set(c, key, i, 0)
				Get[int](c, key)
				if i%50 == 0 {
					c.InvalidatePrefix("church:1")
				}
			}
		}(g)
	}
	wg.Wait()

	if s := c.Stats(); s.Size > DefaultCapacity {
		t.Errorf("Size = %d, want <= %d", s.Size, DefaultCapacity)
	}
}
