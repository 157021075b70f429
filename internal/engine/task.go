// internal/engine/task.go
package engine

import (
	"context"
	"time"

	"github.com/valpere/marketrunner/pkg/types"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// IsTerminal reports whether no further attempts will be made.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one unit of work owned by the engine. Fields are guarded by the
// engine mutex.
type Task struct {
	ID         string
	Input      types.TaskInput
	Target     types.Target
	Priority   types.TaskPriority
	State      TaskState
	RetryCount int
	MaxRetries int

	outcome types.Outcome
	err     error

	batch *batch
	index int
	seq   uint64

	worker int
	gen    uint64

	firstStart       time.Time
	finishedAt       time.Time
	resourceRequeues int
}

func (t *Task) result() types.Result {
	r := types.Result{URL: t.Input.URL}
	if !t.firstStart.IsZero() && !t.finishedAt.IsZero() {
		r.ExecutionTimeMs = t.finishedAt.Sub(t.firstStart).Milliseconds()
	}
	if t.State == TaskCompleted {
		r.Success = true
		r.Method = t.outcome.Method
		r.Data = t.outcome.Data
		return r
	}
	if t.err != nil {
		r.Error = t.err.Error()
	} else {
		r.Error = "task did not complete"
	}
	return r
}

// batch is the set of tasks from one Submit call.
type batch struct {
	id        string
	tasks     []*Task
	remaining int
	finished  bool
	abortErr  error
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (b *batch) complete(t *Task, now time.Time) {
	if t.finishedAt.IsZero() {
		t.finishedAt = now
	}
	b.remaining--
	if b.remaining == 0 && !b.finished {
		b.finished = true
		close(b.done)
	}
}
