// internal/engine/queue_test.go
package engine

import (
	"testing"

	"github.com/valpere/marketrunner/pkg/types"
)

func TestTaskQueueOrder(t *testing.T) {
	q := newTaskQueue()
	add := func(id string, p types.TaskPriority, seq uint64) *Task {
		task := &Task{ID: id, Priority: p, seq: seq}
		q.Push(task)
		return task
	}
	add("low", types.PriorityLow, 1)
	add("n1", types.PriorityNormal, 2)
	add("crit", types.PriorityCritical, 3)
	add("n2", types.PriorityNormal, 4)
	q.PushFront(&Task{ID: "retry-1", Priority: types.PriorityLow, seq: 5})
	q.PushFront(&Task{ID: "retry-2", Priority: types.PriorityLow, seq: 6})

	want := []string{"retry-2", "retry-1", "crit", "n1", "n2", "low"}
	for i, id := range want {
		if q.Len() != len(want)-i {
			t.Fatalf("Len() = %d, want %d", q.Len(), len(want)-i)
		}
		if got := q.Pop(); got.ID != id {
			t.Fatalf("pop %d = %s, want %s", i, got.ID, id)
		}
	}
	if q.Pop() != nil {
		t.Error("Pop() on empty queue should return nil")
	}
}
