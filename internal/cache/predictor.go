// internal/cache/predictor.go
package cache

import (
	"sort"
	"sync"
	"time"
)

const (
	maxSuccessors = 16
	maxIntervals  = 8
)

type accessInfo struct {
	last      time.Time
	intervals []time.Duration
}

func (a *accessInfo) meanInterval() time.Duration {
	if len(a.intervals) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range a.intervals {
		sum += d
	}
	return sum / time.Duration(len(a.intervals))
}

// predictor learns which keys tend to follow each other and how often each
// key comes back. Both tables are bounded.
type predictor struct {
	mu         sync.Mutex
	maxTracked int
	horizon    time.Duration

	prev    string
	follows map[string]map[string]int
	access  map[string]*accessInfo

	// recent is a ring of the last accessed keys, used to bound interval
	// scans and to prune the tables.
	recent []string
	pos    int
}

func newPredictor(maxTracked int, horizon time.Duration) *predictor {
	if maxTracked < 64 {
		maxTracked = 64
	}
	ring := 512
	if maxTracked < ring {
		ring = maxTracked
	}
	return &predictor{
		maxTracked: maxTracked,
		horizon:    horizon,
		follows:    make(map[string]map[string]int),
		access:     make(map[string]*accessInfo),
		recent:     make([]string, 0, ring),
	}
}

// Record registers an access to key at now.
func (p *predictor) Record(key string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.prev != "" && p.prev != key {
		next, ok := p.follows[p.prev]
		if !ok {
			next = make(map[string]int)
			p.follows[p.prev] = next
		}
		next[key]++
		if len(next) > maxSuccessors {
			pruneWeakest(next)
		}
	}
	p.prev = key

	info, ok := p.access[key]
	if !ok {
		info = &accessInfo{}
		p.access[key] = info
	} else if d := now.Sub(info.last); d > 0 {
		info.intervals = append(info.intervals, d)
		if len(info.intervals) > maxIntervals {
			info.intervals = info.intervals[1:]
		}
	}
	info.last = now

	if len(p.recent) < cap(p.recent) {
		p.recent = append(p.recent, key)
	} else {
		p.recent[p.pos] = key
		p.pos = (p.pos + 1) % len(p.recent)
	}

	if len(p.access) > p.maxTracked {
		p.prune()
	}
}

// prune drops everything not seen in the recent ring.
func (p *predictor) prune() {
	keep := make(map[string]struct{}, len(p.recent))
	for _, k := range p.recent {
		keep[k] = struct{}{}
	}
	for k := range p.access {
		if _, ok := keep[k]; !ok {
			delete(p.access, k)
		}
	}
	for k := range p.follows {
		if _, ok := keep[k]; !ok {
			delete(p.follows, k)
		}
	}
}

func pruneWeakest(counts map[string]int) {
	weakest, lowest := "", int(^uint(0)>>1)
	for k, c := range counts {
		if c < lowest || (c == lowest && k < weakest) {
			weakest, lowest = k, c
		}
	}
	delete(counts, weakest)
}

// Predict returns up to limit keys likely to be requested soon after key:
// frequent successors first, then keys whose usual re-access interval puts
// their next request within the horizon.
func (p *predictor) Predict(key string, now time.Time, limit int) []string {
	if limit <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	type scored struct {
		key   string
		count int
	}
	var successors []scored
	for k, c := range p.follows[key] {
		successors = append(successors, scored{k, c})
	}
	sort.Slice(successors, func(i, j int) bool {
		if successors[i].count != successors[j].count {
			return successors[i].count > successors[j].count
		}
		return successors[i].key < successors[j].key
	})

	seen := map[string]struct{}{key: {}}
	out := make([]string, 0, limit)
	for _, s := range successors {
		if len(out) == limit {
			return out
		}
		seen[s.key] = struct{}{}
		out = append(out, s.key)
	}

	if p.horizon <= 0 {
		return out
	}
	type due struct {
		key string
		at  time.Time
	}
	var upcoming []due
	for _, k := range p.recent {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		info := p.access[k]
		if info == nil || len(info.intervals) < 2 {
			continue
		}
		next := info.last.Add(info.meanInterval())
		if !next.Before(now) && next.Sub(now) <= p.horizon {
			upcoming = append(upcoming, due{k, next})
		}
	}
	sort.Slice(upcoming, func(i, j int) bool {
		if !upcoming[i].at.Equal(upcoming[j].at) {
			return upcoming[i].at.Before(upcoming[j].at)
		}
		return upcoming[i].key < upcoming[j].key
	})
	for _, u := range upcoming {
		if len(out) == limit {
			break
		}
		out = append(out, u.key)
	}
	return out
}
