// internal/engine/resources.go
package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ResourceUsage is one sample of process resource consumption.
type ResourceUsage struct {
	MemoryBytes uint64
	// CPUFraction is process CPU time over wall time across all cores, in
	// [0,1]. Negative when unknown.
	CPUFraction float64
}

// ResourceSampler reports current process resource usage.
type ResourceSampler interface {
	Sample() (ResourceUsage, error)
}

// NewResourceSampler returns a procfs-backed sampler where /proc is
// available and a Go runtime sampler otherwise.
func NewResourceSampler() ResourceSampler {
	if p, err := procfs.Self(); err == nil {
		if _, err := p.Stat(); err == nil {
			return &procSampler{proc: p, now: time.Now}
		}
	}
	return runtimeSampler{}
}

type procSampler struct {
	proc procfs.Proc
	now  func() time.Time

	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

func (s *procSampler) Sample() (ResourceUsage, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return ResourceUsage{}, err
	}
	usage := ResourceUsage{
		MemoryBytes: uint64(stat.ResidentMemory()),
		CPUFraction: -1,
	}

	now := s.now()
	cpu := stat.CPUTime()
	s.mu.Lock()
	if !s.lastWall.IsZero() {
		if wall := now.Sub(s.lastWall).Seconds(); wall > 0 {
			usage.CPUFraction = (cpu - s.lastCPU) / wall / float64(runtime.NumCPU())
		}
	}
	s.lastCPU, s.lastWall = cpu, now
	s.mu.Unlock()
	return usage, nil
}

// runtimeSampler only knows about memory obtained by the Go runtime.
type runtimeSampler struct{}

func (runtimeSampler) Sample() (ResourceUsage, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ResourceUsage{MemoryBytes: m.Sys - m.HeapReleased, CPUFraction: -1}, nil
}

// adjustConcurrency applies one step of the adaptive policy: shrink the
// per-worker ceiling multiplicatively under memory or CPU pressure, grow it
// by one when resources are idle and tasks are fast.
func (e *Engine) adjustConcurrency() {
	usage, err := e.sampler.Sample()
	if err != nil {
		e.logger.Debugf("resource sample failed: %v", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SetResources(usage.MemoryBytes, usage.CPUFraction)
	}

	cfg := e.config
	switch {
	case cfg.MemoryHighWater > 0 && usage.MemoryBytes > cfg.MemoryHighWater:
		e.shrink("memory high-water mark exceeded")
	case cfg.CPUHighWater > 0 && usage.CPUFraction > cfg.CPUHighWater:
		e.shrink("cpu high-water mark exceeded")
	case e.canGrow(usage):
		e.mu.Lock()
		if e.ceiling < cfg.MaxConcurrencyCeiling {
			e.ceiling++
			c := e.ceiling
			e.mu.Unlock()
			e.logger.Infof("per-worker concurrency raised to %d", c)
			if e.metrics != nil {
				e.metrics.SetConcurrency(c)
			}
			e.emit(Event{Type: EventConcurrencyChanged, Ceiling: c, Message: "resources idle"})
			e.signal()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Engine) canGrow(usage ResourceUsage) bool {
	cfg := e.config
	if cfg.MemoryLowWater > 0 && usage.MemoryBytes >= cfg.MemoryLowWater {
		return false
	}
	if cfg.CPULowWater > 0 && usage.CPUFraction >= 0 && usage.CPUFraction >= cfg.CPULowWater {
		return false
	}
	avg, ok := e.recentLatency()
	return ok && avg <= cfg.LowLatency
}

// shrink multiplies the per-worker ceiling by the shrink factor, never below one.
func (e *Engine) shrink(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shrinkLocked(reason)
}

func (e *Engine) shrinkLocked(reason string) {
	old := e.ceiling
	next := int(float64(old) * e.config.ShrinkFactor)
	if next < 1 {
		next = 1
	}
	e.ceiling = next

	e.emit(Event{Type: EventResourcePressure, Ceiling: next, Message: reason})
	if next != old {
		e.logger.Warnf("%s: per-worker concurrency reduced %d -> %d", reason, old, next)
		e.emit(Event{Type: EventConcurrencyChanged, Ceiling: next, Message: reason})
		if e.metrics != nil {
			e.metrics.SetConcurrency(next)
		}
	}
}

func (e *Engine) monitorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.adjustConcurrency()
		}
	}
}
