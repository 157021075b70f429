// internal/engine/events.go
package engine

import "time"

// EventType names a status event.
type EventType string

const (
	EventTaskQueued         EventType = "task_queued"
	EventTaskStarted        EventType = "task_started"
	EventTaskRetrying       EventType = "task_retrying"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventWorkerRestarted    EventType = "worker_restarted"
	EventConcurrencyChanged EventType = "concurrency_changed"
	EventResourcePressure   EventType = "resource_pressure"
	EventBatchAborted       EventType = "batch_aborted"
)

// Event is a status notification. Only the fields relevant to the type are set.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	TaskID   string    `json:"taskId,omitempty"`
	URL      string    `json:"url,omitempty"`
	WorkerID int       `json:"workerId,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Ceiling  int       `json:"ceiling,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// emit never blocks: when the buffer is full the event is dropped.
func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.evMu.RLock()
	defer e.evMu.RUnlock()
	if e.evClosed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.droppedEvents.Add(1)
	}
}

func (e *Engine) closeEvents() {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	if !e.evClosed {
		e.evClosed = true
		close(e.events)
	}
}
