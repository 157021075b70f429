// internal/engine/worker.go
package engine

import (
	"context"
	"time"
)

// WorkerStatus is whether a worker has tasks in flight.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
)

// WorkerSlot is a snapshot of one worker.
type WorkerSlot struct {
	ID               int           `json:"id"`
	Status           WorkerStatus  `json:"status"`
	CurrentTaskCount int           `json:"currentTaskCount"`
	CompletedCount   int64         `json:"completedCount"`
	FailedCount      int64         `json:"failedCount"`
	LastActivity     time.Time     `json:"lastActivity"`
	AvgLatency       time.Duration `json:"avgLatency"`
	SuccessRate      float64       `json:"successRate"`
	Restarts         int           `json:"restarts"`
}

// worker is an execution unit. Its attempts run under ctx; a crash cancels
// ctx and bumps gen. Attempts of the old unit stay in orphans until their
// goroutines return, so a task is never attempted twice at once.
type worker struct {
	id       int
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	inflight map[string]*Task
	orphans  map[string]*Task

	completed    int64
	failed       int64
	totalLatency time.Duration
	lastActivity time.Time
	restarts     int
}

func newWorker(parent context.Context, id int, now time.Time) *worker {
	ctx, cancel := context.WithCancel(parent)
	return &worker{
		id:           id,
		gen:          1,
		ctx:          ctx,
		cancel:       cancel,
		inflight:     make(map[string]*Task),
		orphans:      make(map[string]*Task),
		lastActivity: now,
	}
}

// recreate replaces the unit in place, keeping its id and counters. Tasks in
// flight on the old unit become orphans; it returns how many there are.
func (w *worker) recreate(parent context.Context, now time.Time) int {
	w.cancel()
	for id, t := range w.inflight {
		w.orphans[id] = t
	}
	w.gen++
	w.ctx, w.cancel = context.WithCancel(parent)
	w.inflight = make(map[string]*Task)
	w.restarts++
	w.lastActivity = now
	return len(w.orphans)
}

// load counts orphaned attempts too: they hold a slot until they return.
func (w *worker) load() int {
	return len(w.inflight) + len(w.orphans)
}

func (w *worker) snapshot() WorkerSlot {
	s := WorkerSlot{
		ID:               w.id,
		Status:           WorkerIdle,
		CurrentTaskCount: w.load(),
		CompletedCount:   w.completed,
		FailedCount:      w.failed,
		LastActivity:     w.lastActivity,
		Restarts:         w.restarts,
	}
	if s.CurrentTaskCount > 0 {
		s.Status = WorkerWorking
	}
	if w.completed > 0 {
		s.AvgLatency = w.totalLatency / time.Duration(w.completed)
	}
	if total := w.completed + w.failed; total > 0 {
		s.SuccessRate = float64(w.completed) / float64(total)
	}
	return s
}
