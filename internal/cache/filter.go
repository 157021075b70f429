// internal/cache/filter.go
package cache

import (
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// membershipFilter is a bloom filter over cache keys. It answers "definitely
// absent" without touching any shard. Deleted keys stay set until the next
// rebuild, which only costs a false positive.
type membershipFilter struct {
	mu       sync.RWMutex
	bits     *bitset.BitSet
	m        uint
	k        uint
	inserted uint
	capacity uint
}

func newMembershipFilter(capacity int, fpRate float64) *membershipFilter {
	if capacity < 1 {
		capacity = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	n := float64(capacity)
	m := uint(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &membershipFilter{
		bits:     bitset.New(m),
		m:        m,
		k:        k,
		capacity: uint(capacity),
	}
}

func (f *membershipFilter) locations(key string, fn func(uint) bool) {
	h := xxhash.Sum64String(key)
	h1 := uint32(h)
	h2 := uint32(h >> 32)
	for i := uint(0); i < f.k; i++ {
		loc := uint(h1+uint32(i)*h2) % f.m
		if !fn(loc) {
			return
		}
	}
}

func (f *membershipFilter) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations(key, func(loc uint) bool {
		f.bits.Set(loc)
		return true
	})
	f.inserted++
}

// MayContain is false only when key was never added since the last rebuild.
func (f *membershipFilter) MayContain(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	present := true
	f.locations(key, func(loc uint) bool {
		if !f.bits.Test(loc) {
			present = false
			return false
		}
		return true
	})
	return present
}

// Stale reports whether enough keys were added (and probably evicted since)
// that the false-positive rate has drifted.
func (f *membershipFilter) Stale() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.inserted > 2*f.capacity
}

// Rebuild resets the filter to exactly the keys produced by collect. The
// write lock is held while collecting so that concurrent Adds land in the
// rebuilt set.
func (f *membershipFilter) Rebuild(collect func(add func(string))) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits.ClearAll()
	f.inserted = 0
	collect(func(key string) {
		f.locations(key, func(loc uint) bool {
			f.bits.Set(loc)
			return true
		})
		f.inserted++
	})
}
