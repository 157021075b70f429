// internal/cache/cache_test.go
package cache

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) *Cache {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 100, CompressThreshold: 1024})

	tests := []struct {
		name  string
		value []byte
	}{
		{"small", []byte(`{"title":"Widget store"}`)},
		{"empty", []byte{}},
		{"large compressible", []byte(strings.Repeat(`{"row":"listing data","price":1000},`, 2000))},
		{"large binary-ish", bytes.Repeat([]byte{0, 1, 2, 3, 250, 251, 252}, 600)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Set(tt.name, tt.value, 0)
			got, ok := c.Get(tt.name)
			if !ok {
				t.Fatal("Get() miss after Set()")
			}
			if !bytes.Equal(got, tt.value) {
				t.Errorf("Get() returned %d bytes, want %d identical bytes", len(got), len(tt.value))
			}
		})
	}

	s := c.shardFor("large compressible")
	s.mu.RLock()
	e := s.entries["large compressible"]
	s.mu.RUnlock()
	if !e.compressed || len(e.value) >= e.size {
		t.Errorf("large value stored uncompressed: %d bytes of %d", len(e.value), e.size)
	}
}

func TestCacheReturnedValueIsACopy(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 10})
	c.Set("k", []byte("abc"), 0)
	v, _ := c.Get("k")
	v[0] = 'z'
	again, _ := c.Get("k")
	if string(again) != "abc" {
		t.Errorf("cached value mutated through returned slice: %q", again)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := newTestCache(t, Config{MaxEntries: 3, Shards: 1}, WithEvictionHook(func(k string) {
		evicted = append(evicted, k)
	}))

	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Set("c", []byte("3"), 0)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing before eviction")
	}
	c.Set("d", []byte("4"), 0)

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	for _, k := range []string{"a", "c", "d"} {
		if !c.Has(k) {
			t.Errorf("%s evicted unexpectedly", k)
		}
	}
	if c.Has("b") {
		t.Error("b still present")
	}
	st := c.Stats()
	if st.Evictions != 1 || st.Size != 3 {
		t.Errorf("stats = %+v, want 1 eviction and size 3", st)
	}
}

func TestCacheEvictionOrderSpansShards(t *testing.T) {
	const capacity = 64
	var evicted []string
	c := newTestCache(t, Config{MaxEntries: capacity}, WithEvictionHook(func(k string) {
		evicted = append(evicted, k)
	}))
	if len(c.shards) != DefaultShards {
		t.Fatalf("shards = %d, want default %d", len(c.shards), DefaultShards)
	}

	for i := 0; i < capacity; i++ {
		c.Set(fmt.Sprintf("k%02d", i), []byte("v"), 0)
	}
	if len(evicted) != 0 || c.Len() != capacity {
		t.Fatalf("filling to capacity evicted %v, size %d", evicted, c.Len())
	}

	// Touch everything except k00 and k01, then make k01 the newest.
	for i := 2; i < capacity; i++ {
		c.Get(fmt.Sprintf("k%02d", i))
	}
	c.Get("k01")

	c.Set("extra", []byte("v"), 0)
	if len(evicted) != 1 || evicted[0] != "k00" {
		t.Fatalf("evicted = %v, want [k00]", evicted)
	}
	if !c.Has("k01") {
		t.Error("most recently used key was evicted")
	}
	if c.Len() != capacity {
		t.Errorf("Len() = %d, want %d", c.Len(), capacity)
	}
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 50, Shards: 8})
	for i := 0; i < 500; i++ {
		c.Set(fmt.Sprintf("key-%d", i), []byte("v"), 0)
		if n := c.Len(); n > 50 {
			t.Fatalf("size %d exceeds capacity", n)
		}
	}
}

func TestCacheTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, Config{MaxEntries: 10, TTL: time.Minute}, WithClock(clock.Now))

	c.Set("short", []byte("x"), 10*time.Second)
	c.Set("default", []byte("y"), 0)

	clock.Advance(11 * time.Second)
	if _, ok := c.Get("short"); ok {
		t.Error("expired entry returned")
	}
	if _, ok := c.Get("default"); !ok {
		t.Error("default-ttl entry expired early")
	}

	clock.Advance(time.Minute)
	if c.Has("default") {
		t.Error("Has() reported expired entry")
	}
	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after sweep", c.Len())
	}
	if st := c.Stats(); st.Expirations != 2 || st.Evictions != 0 {
		t.Errorf("stats = %+v, want 2 expirations and no evictions", st)
	}
}

func TestCacheHasUsesFilter(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 1000, Shards: 1})
	for i := 0; i < 500; i++ {
		c.Set(fmt.Sprintf("present-%d", i), []byte("v"), 0)
	}
	for i := 0; i < 500; i++ {
		if !c.Has(fmt.Sprintf("present-%d", i)) {
			t.Fatalf("present-%d not found", i)
		}
	}
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if c.filter.MayContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
		if c.Has(fmt.Sprintf("absent-%d", i)) {
			t.Fatalf("Has(absent-%d) = true", i)
		}
	}
	if falsePositives > 50 {
		t.Errorf("filter false positives = %d/1000", falsePositives)
	}

	c.Delete("present-0")
	if c.Has("present-0") {
		t.Error("deleted key still reported")
	}
}

func TestCacheStatsHitRate(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 10})
	c.Set("a", []byte("1"), 0)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	st := c.Stats()
	if st.Hits != 3 || st.Misses != 1 || st.HitRate != 0.75 {
		t.Errorf("stats = %+v, want 3 hits, 1 miss, 0.75 hit rate", st)
	}
}

func TestCacheFilterRebuildKeepsLiveKeys(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 10, Shards: 1})
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	if !c.filter.Stale() {
		t.Fatal("filter should be stale after churning 10x capacity")
	}
	c.Sweep()
	if c.filter.Stale() {
		t.Error("filter still stale after sweep")
	}
	for i := 90; i < 100; i++ {
		if !c.Has(fmt.Sprintf("k%d", i)) {
			t.Errorf("live key k%d lost in rebuild", i)
		}
	}
}

func TestCachePrefetchesSuccessors(t *testing.T) {
	var loads atomic.Int32
	loader := func(ctx context.Context, key string) ([]byte, time.Duration, error) {
		loads.Add(1)
		return []byte("loaded-" + key), 0, nil
	}
	c := newTestCache(t, Config{MaxEntries: 100}, WithLoader(loader))

	c.Set("page-1", []byte("one"), 0)
	c.Get("page-1")
	c.Get("page-2") // miss, but teaches page-1 -> page-2
	c.Get("page-1") // hit, predicts page-2

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Prefetches == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	v, ok := c.Get("page-2")
	if !ok || string(v) != "loaded-page-2" {
		t.Fatalf("Get(page-2) = %q, %v; want prefetched value", v, ok)
	}
	if loads.Load() != 1 {
		t.Errorf("loader called %d times, want 1", loads.Load())
	}
}

func TestCachePrefetchIsBounded(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	loader := func(ctx context.Context, key string) ([]byte, time.Duration, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return []byte(key), 0, nil
	}
	c := newTestCache(t, Config{MaxEntries: 100, PrefetchBatch: 8, PrefetchConcurrency: 2}, WithLoader(loader))

	c.Set("hub", []byte("h"), 0)
	for i := 0; i < 8; i++ {
		c.Get("hub")
		c.Get(fmt.Sprintf("leaf-%d", i))
	}
	c.Get("hub")
	time.Sleep(50 * time.Millisecond)
	close(release)
	c.Close()
	if peak.Load() > 2 {
		t.Errorf("peak concurrent prefetches = %d, want <= 2", peak.Load())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 200})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", (g*31+i)%300)
				if i%3 == 0 {
					c.Set(k, []byte(k), 0)
				} else if v, ok := c.Get(k); ok && string(v) != k {
					t.Errorf("Get(%s) = %q", k, v)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 200 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}

type memTier struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memTier) Close() error { return nil }

func TestCacheSharedTier(t *testing.T) {
	tier := &memTier{data: make(map[string][]byte)}
	first := newTestCache(t, Config{MaxEntries: 10, CompressThreshold: 64}, WithTier(tier))
	second := newTestCache(t, Config{MaxEntries: 10, CompressThreshold: 64}, WithTier(tier))

	big := []byte(strings.Repeat("shared listing ", 100))
	first.Set("k", big, 0)

	if second.Has("k") {
		t.Error("Has() should only check the local tier")
	}
	got, ok := second.Get("k")
	if !ok || !bytes.Equal(got, big) {
		t.Fatalf("second.Get() = %d bytes, %v", len(got), ok)
	}
	if !second.Has("k") {
		t.Error("tier hit was not copied locally")
	}
	if st := second.Stats(); st.TierHits != 1 {
		t.Errorf("TierHits = %d, want 1", st.TierHits)
	}
}

func TestCacheReadsDoNotWaitForPredictor(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 10})
	c.Set("a", []byte("1"), 0)

	c.predict.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*accessBuffer; i++ {
			c.Get("a")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.predict.mu.Unlock()
		t.Fatal("Get blocked behind a busy predictor")
	}
	c.predict.mu.Unlock()

	st := c.Stats()
	if st.Hits != 2*accessBuffer {
		t.Errorf("Hits = %d, want %d", st.Hits, 2*accessBuffer)
	}
	if st.UnsampledAccesses == 0 {
		t.Error("expected some accesses to skip the full predictor buffer")
	}
}
