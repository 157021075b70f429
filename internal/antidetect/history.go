// internal/antidetect/history.go
package antidetect

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/valpere/marketrunner/internal/utils"
)

const (
	historyShards  = 16
	historyBuckets = 12

	DefaultHistoryWindow      = time.Hour
	DefaultHistoryMaxPatterns = 4096
)

// PatternStats counts classification outcomes for one URL pattern within
// the history window.
type PatternStats struct {
	Pattern     string            `json:"pattern"`
	Total       int               `json:"total"`
	Blocked     int               `json:"blocked"`
	ByType      map[BlockType]int `json:"byType"`
	LastBlocked time.Time         `json:"lastBlocked,omitempty"`
}

// HistoryConfig bounds the history. Zero values use the defaults.
type HistoryConfig struct {
	// Window is how far back verdicts count.
	Window time.Duration
	// MaxPatterns caps tracked patterns; the least recently seen go first.
	MaxPatterns int
}

// bucket holds the verdicts of one slice of the window.
type bucket struct {
	start   time.Time
	total   int
	blocked int
	byType  map[BlockType]int
}

type patternRecord struct {
	pattern     string
	buckets     [historyBuckets]bucket
	lastSeen    time.Time
	lastBlocked time.Time
}

type historyShard struct {
	mu       sync.Mutex
	patterns map[string]*patternRecord
}

// History is a rolling per-URL-pattern record of verdicts. It is partitioned
// by pattern hash so concurrent workers rarely share a lock.
type History struct {
	shards   [historyShards]historyShard
	window   time.Duration
	width    time.Duration
	perShard int
	now      func() time.Time
}

// NewHistory creates an empty history with the default window and bound.
func NewHistory() *History {
	return NewHistoryWithConfig(HistoryConfig{})
}

// NewHistoryWithConfig creates an empty history.
func NewHistoryWithConfig(cfg HistoryConfig) *History {
	if cfg.Window <= 0 {
		cfg.Window = DefaultHistoryWindow
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = DefaultHistoryMaxPatterns
	}
	h := &History{
		window:   cfg.Window,
		width:    cfg.Window / historyBuckets,
		perShard: (cfg.MaxPatterns + historyShards - 1) / historyShards,
		now:      time.Now,
	}
	if h.width <= 0 {
		h.width = 1
	}
	for i := range h.shards {
		h.shards[i].patterns = make(map[string]*patternRecord)
	}
	return h
}

func (h *History) shard(pattern string) *historyShard {
	return &h.shards[xxhash.Sum64String(pattern)%historyShards]
}

// Record adds one verdict for the URL's pattern.
func (h *History) Record(rawURL string, v Verdict) {
	pattern := utils.URLPattern(rawURL)
	now := h.now()
	s := h.shard(pattern)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.patterns[pattern]
	if !ok {
		if len(s.patterns) >= h.perShard {
			h.makeRoom(s, now)
		}
		rec = &patternRecord{pattern: pattern}
		s.patterns[pattern] = rec
	}
	rec.lastSeen = now

	start := now.Truncate(h.width)
	b := &rec.buckets[(start.UnixNano()/int64(h.width))%historyBuckets]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	b.total++
	if v.IsBlocked {
		if b.byType == nil {
			b.byType = make(map[BlockType]int)
		}
		b.blocked++
		b.byType[v.BlockType]++
		rec.lastBlocked = now
	}
}

// makeRoom drops expired patterns from s, or the least recently seen one
// when none has expired. Must be called with s.mu held.
func (h *History) makeRoom(s *historyShard, now time.Time) {
	var oldest *patternRecord
	for key, rec := range s.patterns {
		if now.Sub(rec.lastSeen) >= h.window {
			delete(s.patterns, key)
			continue
		}
		if oldest == nil || rec.lastSeen.Before(oldest.lastSeen) {
			oldest = rec
		}
	}
	if len(s.patterns) >= h.perShard && oldest != nil {
		delete(s.patterns, oldest.pattern)
	}
}

// stats sums the buckets still inside the window.
func (h *History) stats(rec *patternRecord, now time.Time) (PatternStats, bool) {
	ps := PatternStats{Pattern: rec.pattern, ByType: make(map[BlockType]int)}
	for i := range rec.buckets {
		b := &rec.buckets[i]
		if b.start.IsZero() || now.Sub(b.start) >= h.window {
			continue
		}
		ps.Total += b.total
		ps.Blocked += b.blocked
		for t, n := range b.byType {
			ps.ByType[t] += n
		}
	}
	if ps.Blocked > 0 {
		ps.LastBlocked = rec.lastBlocked
	}
	return ps, ps.Total > 0
}

// Get returns the stats for the URL's pattern within the window.
func (h *History) Get(rawURL string) (PatternStats, bool) {
	pattern := utils.URLPattern(rawURL)
	s := h.shard(pattern)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.patterns[pattern]
	if !ok {
		return PatternStats{}, false
	}
	return h.stats(rec, h.now())
}

// PreferBrowser reports whether the pattern is mostly answered with bot
// challenges, in which case lighter strategies are unlikely to succeed.
func (h *History) PreferBrowser(rawURL string) bool {
	ps, ok := h.Get(rawURL)
	if !ok {
		return false
	}
	challenged := ps.ByType[BlockBotDetected] + ps.ByType[BlockCaptcha]
	return challenged >= 3 && challenged*2 >= ps.Total
}

// Snapshot returns every pattern with verdicts inside the window, sorted by
// name. Patterns that have aged out are dropped.
func (h *History) Snapshot() []PatternStats {
	now := h.now()
	var out []PatternStats
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		for key, rec := range s.patterns {
			ps, ok := h.stats(rec, now)
			if !ok {
				delete(s.patterns, key)
				continue
			}
			out = append(out, ps)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}
