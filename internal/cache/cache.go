// internal/cache/cache.go
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/semaphore"

	"github.com/valpere/marketrunner/internal/utils"
)

const (
	DefaultMaxEntries        = 10000
	DefaultTTL               = time.Hour
	DefaultShards            = 16
	DefaultCompressThreshold = 4 << 10
	DefaultSweepInterval     = time.Minute
	DefaultPrefetchBatch     = 3
	DefaultPrefetchTimeout   = 30 * time.Second
	DefaultPrefetchHorizon   = 30 * time.Second
	DefaultFalsePositiveRate = 0.01
	defaultTierTimeout       = time.Second
	accessBuffer             = 1024
)

// Config configures a Cache. Zero values fall back to the defaults above.
type Config struct {
	MaxEntries          int
	TTL                 time.Duration
	Shards              int
	CompressThreshold   int
	SweepInterval       time.Duration
	PrefetchBatch       int
	PrefetchConcurrency int
	PrefetchTimeout     time.Duration
	PrefetchHorizon     time.Duration
	FalsePositiveRate   float64
}

func (c *Config) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.Shards > c.MaxEntries {
		c.Shards = c.MaxEntries
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = DefaultCompressThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PrefetchBatch == 0 {
		c.PrefetchBatch = DefaultPrefetchBatch
	}
	if c.PrefetchConcurrency <= 0 {
		c.PrefetchConcurrency = c.PrefetchBatch
		if c.PrefetchConcurrency <= 0 {
			c.PrefetchConcurrency = 1
		}
	}
	if c.PrefetchTimeout <= 0 {
		c.PrefetchTimeout = DefaultPrefetchTimeout
	}
	if c.PrefetchHorizon == 0 {
		c.PrefetchHorizon = DefaultPrefetchHorizon
	}
	if c.FalsePositiveRate <= 0 {
		c.FalsePositiveRate = DefaultFalsePositiveRate
	}
}

// Loader fetches the value for a key the predictor expects to be requested.
// A zero ttl means the cache default.
type Loader func(ctx context.Context, key string) ([]byte, time.Duration, error)

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	HitRate     float64 `json:"hitRate"`
	Size        int     `json:"size"`
	Evictions   int64   `json:"evictions"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Expirations int64   `json:"expirations"`
	Prefetches  int64   `json:"prefetches"`
	TierHits    int64   `json:"tierHits"`

	// UnsampledAccesses counts reads the predictor never saw because its
	// buffer was full.
	UnsampledAccesses int64 `json:"unsampledAccesses"`
}

type entry struct {
	value       []byte
	compressed  bool
	size        int
	insertedAt  time.Time
	ttl         time.Duration
	lastAccess  time.Time
	accessCount int64
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.insertedAt.Add(e.ttl))
}

// shard holds a slice of the entries. Recency and capacity are tracked
// once for the whole cache by Cache.recency.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// access is a Get handed to the predictor goroutine.
type access struct {
	key string
	at  time.Time
	hit bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithTier adds a shared second-level tier.
func WithTier(t Tier) Option {
	return func(c *Cache) { c.tier = t }
}

// WithLoader enables predictive prefetch through loader.
func WithLoader(l Loader) Option {
	return func(c *Cache) { c.loader = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l utils.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithEvictionHook is called after every capacity eviction.
func WithEvictionHook(fn func(key string)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// Cache is a TTL'd LRU store of byte values with a membership filter,
// transparent compression and access-pattern prefetch. Entries live in
// sharded maps; a single recency list orders evictions across all shards.
// Lock order is recencyMu before any shard lock.
type Cache struct {
	config Config
	shards []*shard

	recencyMu sync.Mutex
	recency   *simplelru.LRU[string, struct{}]
	// removing is set while the cache itself drops a key, so the eviction
	// callback only counts capacity evictions.
	removing bool

	filter  *membershipFilter
	codec   *codec
	predict *predictor

	tier    Tier
	loader  Loader
	now     func() time.Time
	logger  utils.Logger
	onEvict func(key string)

	accesses    chan access
	dropped     atomic.Int64
	prefetchSem *semaphore.Weighted
	inflight    sync.Map

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	prefetches  atomic.Int64
	tierHits    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a cache and starts its sweeper and predictor.
func New(config Config, opts ...Option) (*Cache, error) {
	config.applyDefaults()
	cd, err := newCodec(config.CompressThreshold)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:      config,
		filter:      newMembershipFilter(config.MaxEntries, config.FalsePositiveRate),
		codec:       cd,
		predict:     newPredictor(config.MaxEntries*2, config.PrefetchHorizon),
		now:         time.Now,
		logger:      utils.NewComponentLogger("cache"),
		accesses:    make(chan access, accessBuffer),
		prefetchSem: semaphore.NewWeighted(int64(config.PrefetchConcurrency)),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.shards = make([]*shard, config.Shards)
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	recency, err := simplelru.NewLRU[string, struct{}](config.MaxEntries, c.evicted)
	if err != nil {
		cancel()
		cd.close()
		return nil, fmt.Errorf("create cache index: %w", err)
	}
	c.recency = recency

	c.wg.Add(2)
	go c.sweepLoop()
	go c.predictLoop()
	return c, nil
}

// evicted runs under recencyMu when the recency list drops its oldest key.
func (c *Cache) evicted(key string, _ struct{}) {
	if c.removing {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	c.evictions.Add(1)
	if c.onEvict != nil {
		c.onEvict(key)
	}
}

func (c *Cache) shardFor(key string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get returns the value for key. A hit refreshes the entry's recency and
// may trigger prefetch of related keys.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.now()
	if v, ok := c.getLocal(key, now); ok {
		c.hits.Add(1)
		c.recordAccess(key, now, true)
		return v, true
	}
	c.recordAccess(key, now, false)

	if c.tier != nil {
		if v, ok := c.getTier(key); ok {
			c.hits.Add(1)
			c.tierHits.Add(1)
			return v, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

func (c *Cache) getLocal(key string, now time.Time) ([]byte, bool) {
	if !c.filter.MayContain(key) {
		return nil, false
	}
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.expired(now) {
		s.mu.Unlock()
		if c.removeIf(key, func(cur *entry) bool { return cur == e }) {
			c.expirations.Add(1)
		}
		return nil, false
	}
	e.lastAccess = now
	e.accessCount++
	stored, compressed := e.value, e.compressed
	s.mu.Unlock()

	// A key evicted in between is not re-added: Get on the list only
	// refreshes keys it still holds.
	c.recencyMu.Lock()
	c.recency.Get(key)
	c.recencyMu.Unlock()

	v, err := c.codec.decode(stored, compressed)
	if err != nil {
		c.logger.Errorf("drop corrupt entry %s: %v", key, err)
		c.Delete(key)
		return nil, false
	}
	return v, true
}

func (c *Cache) getTier(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(c.ctx, defaultTierTimeout)
	defer cancel()
	wire, ok, err := c.tier.Get(ctx, key)
	if err != nil {
		c.logger.Debugf("tier get %s: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	stored, compressed, err := c.codec.unmarshalWire(wire)
	if err != nil {
		c.logger.Warnf("tier value for %s: %v", key, err)
		return nil, false
	}
	v, err := c.codec.decode(stored, compressed)
	if err != nil {
		c.logger.Warnf("tier value for %s: %v", key, err)
		return nil, false
	}
	c.setLocal(key, stored, compressed, len(v), c.config.TTL)
	return v, true
}

// Set stores value under key for ttl; ttl <= 0 uses the configured default.
// Large values are compressed transparently.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	stored, compressed := c.codec.encode(value)
	c.setLocal(key, stored, compressed, len(value), ttl)

	if c.tier != nil {
		ctx, cancel := context.WithTimeout(c.ctx, defaultTierTimeout)
		defer cancel()
		if err := c.tier.Set(ctx, key, c.codec.marshalWire(stored, compressed), ttl); err != nil {
			c.logger.Debugf("tier set %s: %v", key, err)
		}
	}
}

func (c *Cache) setLocal(key string, stored []byte, compressed bool, size int, ttl time.Duration) {
	now := c.now()
	e := &entry{
		value:      stored,
		compressed: compressed,
		size:       size,
		insertedAt: now,
		ttl:        ttl,
		lastAccess: now,
	}
	s := c.shardFor(key)
	c.recencyMu.Lock()
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	// Adding may evict the oldest key, which can live in any shard.
	c.recency.Add(key, struct{}{})
	c.recencyMu.Unlock()
	c.filter.Add(key)
}

// removeIf drops key when its current entry satisfies match. It reports
// whether anything was removed.
func (c *Cache) removeIf(key string, match func(*entry) bool) bool {
	s := c.shardFor(key)
	c.recencyMu.Lock()
	defer c.recencyMu.Unlock()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || !match(e) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, key)
	s.mu.Unlock()
	c.removing = true
	c.recency.Remove(key)
	c.removing = false
	return true
}

// Has is a cheap local pre-check. It never consults the shared tier and
// does not refresh recency.
func (c *Cache) Has(key string) bool {
	if !c.filter.MayContain(key) {
		return false
	}
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return ok && !e.expired(c.now())
}

// Delete removes key from the cache and the shared tier.
func (c *Cache) Delete(key string) {
	c.removeIf(key, func(*entry) bool { return true })
	if c.tier != nil {
		ctx, cancel := context.WithTimeout(c.ctx, defaultTierTimeout)
		defer cancel()
		if err := c.tier.Delete(ctx, key); err != nil {
			c.logger.Debugf("tier delete %s: %v", key, err)
		}
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.recencyMu.Lock()
	defer c.recencyMu.Unlock()
	return c.recency.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	st := Stats{
		Size:        c.Len(),
		Evictions:   c.evictions.Load(),
		Hits:        hits,
		Misses:      misses,
		Expirations: c.expirations.Load(),
		Prefetches:  c.prefetches.Load(),
		TierHits:    c.tierHits.Load(),

		UnsampledAccesses: c.dropped.Load(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// Sweep removes expired entries and rebuilds the membership filter when it
// has drifted. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()
	expired := func(e *entry) bool { return e.expired(now) }
	removed := 0
	for _, s := range c.shards {
		var keys []string
		s.mu.RLock()
		for key, e := range s.entries {
			if e.expired(now) {
				keys = append(keys, key)
			}
		}
		s.mu.RUnlock()
		for _, key := range keys {
			if c.removeIf(key, expired) {
				removed++
			}
		}
	}
	c.expirations.Add(int64(removed))

	if c.filter.Stale() {
		c.filter.Rebuild(func(add func(string)) {
			for _, s := range c.shards {
				s.mu.RLock()
				for key := range s.entries {
					add(key)
				}
				s.mu.RUnlock()
			}
		})
	}
	return removed
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debugf("swept %d expired entries", n)
			}
		}
	}
}

// recordAccess hands the access to the predictor goroutine. When the buffer
// is full the access is dropped, so readers never wait on the predictor.
func (c *Cache) recordAccess(key string, now time.Time, hit bool) {
	select {
	case c.accesses <- access{key: key, at: now, hit: hit}:
	default:
		c.dropped.Add(1)
	}
}

// predictLoop owns the predictor: it learns from accesses in order and
// schedules prefetch after hits.
func (c *Cache) predictLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case a := <-c.accesses:
			c.predict.Record(a.key, a.at)
			if a.hit {
				c.schedulePrefetch(a.key, a.at)
			}
		}
	}
}

func (c *Cache) schedulePrefetch(key string, now time.Time) {
	if c.loader == nil || c.config.PrefetchBatch <= 0 || c.closed.Load() {
		return
	}
	candidates := c.predict.Predict(key, now, c.config.PrefetchBatch)
	for _, k := range candidates {
		if c.Has(k) {
			continue
		}
		if _, busy := c.inflight.LoadOrStore(k, struct{}{}); busy {
			continue
		}
		// Prefetch is best effort: when every slot is taken, skip.
		if !c.prefetchSem.TryAcquire(1) {
			c.inflight.Delete(k)
			return
		}
		c.wg.Add(1)
		go c.prefetch(k)
	}
}

func (c *Cache) prefetch(key string) {
	defer c.wg.Done()
	defer c.prefetchSem.Release(1)
	defer c.inflight.Delete(key)

	ctx, cancel := context.WithTimeout(c.ctx, c.config.PrefetchTimeout)
	defer cancel()
	value, ttl, err := c.loader(ctx, key)
	if err != nil {
		c.logger.Debugf("prefetch %s: %v", key, err)
		return
	}
	if c.closed.Load() {
		return
	}
	c.Set(key, value, ttl)
	c.prefetches.Add(1)
}

// Close stops the sweeper, waits for in-flight prefetches and closes the tier.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.codec.close()
	if c.tier != nil {
		return c.tier.Close()
	}
	return nil
}
