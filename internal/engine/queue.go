// internal/engine/queue.go
package engine

import "container/heap"

// taskHeap orders by priority (higher first), then by submission sequence.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// taskQueue is a priority queue plus a front lane. Tasks pushed to the
// front lane are popped before anything in the heap, most recent first.
type taskQueue struct {
	heap  taskHeap
	front []*Task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) Push(t *Task) {
	heap.Push(&q.heap, t)
}

func (q *taskQueue) PushFront(t *Task) {
	q.front = append(q.front, t)
}

func (q *taskQueue) Pop() *Task {
	if n := len(q.front); n > 0 {
		t := q.front[n-1]
		q.front[n-1] = nil
		q.front = q.front[:n-1]
		return t
	}
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Task)
}

func (q *taskQueue) Len() int {
	return len(q.front) + q.heap.Len()
}
