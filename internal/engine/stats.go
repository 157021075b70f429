// internal/engine/stats.go
package engine

import (
	"sync"

	"github.com/valpere/marketrunner/internal/utils"
)

// FailureStats aggregates failures by error category.
type FailureStats struct {
	// Attempts counts every failed attempt.
	Attempts map[utils.ErrorCategory]int64 `json:"attempts"`
	// Terminal counts tasks that ended failed, by the category of their last error.
	Terminal map[utils.ErrorCategory]int64 `json:"terminal"`

	Retries        int64 `json:"retries"`
	WorkerCrashes  int64 `json:"workerCrashes"`
	BatchesAborted int64 `json:"batchesAborted"`
	Completed      int64 `json:"completed"`
}

type failureCounter struct {
	mu    sync.Mutex
	stats FailureStats
}

func newFailureCounter() *failureCounter {
	return &failureCounter{stats: FailureStats{
		Attempts: make(map[utils.ErrorCategory]int64),
		Terminal: make(map[utils.ErrorCategory]int64),
	}}
}

func (c *failureCounter) update(fn func(s *FailureStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *failureCounter) snapshot() FailureStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Attempts = make(map[utils.ErrorCategory]int64, len(c.stats.Attempts))
	for k, v := range c.stats.Attempts {
		out.Attempts[k] = v
	}
	out.Terminal = make(map[utils.ErrorCategory]int64, len(c.stats.Terminal))
	for k, v := range c.stats.Terminal {
		out.Terminal[k] = v
	}
	return out
}
