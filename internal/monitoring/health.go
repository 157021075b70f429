// internal/monitoring/health.go
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/valpere/marketrunner/internal/proxy"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck is a named probe. Critical checks make the whole runtime
// unhealthy when they fail; others only degrade it.
type HealthCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(ctx context.Context) HealthCheckResult
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CheckState is the last result of a check.
type CheckState struct {
	HealthCheckResult
	Critical  bool          `json:"critical"`
	LastCheck time.Time     `json:"lastCheck"`
	Duration  time.Duration `json:"durationNs"`
}

// HealthConfig configuration for health monitoring
type HealthConfig struct {
	CheckInterval  time.Duration
	DefaultTimeout time.Duration
}

// SystemHealth represents overall system health information
type SystemHealth struct {
	Status    HealthStatus          `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Version   string                `json:"version,omitempty"`
	Uptime    string                `json:"uptime"`
	Checks    map[string]CheckState `json:"checks"`
	Summary   HealthSummary         `json:"summary"`
	System    SystemMetrics         `json:"system"`
}

// HealthSummary provides a summary of health checks
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Degraded  int `json:"degraded"`
	Unknown   int `json:"unknown"`
}

// SystemMetrics provides system-level metrics
type SystemMetrics struct {
	AllocatedBytes uint64 `json:"allocatedBytes"`
	SystemBytes    uint64 `json:"systemBytes"`
	NumGC          uint32 `json:"numGc"`
	GoroutineCount int    `json:"goroutineCount"`
}

// HealthManager runs registered checks on an interval and serves the
// aggregated result.
type HealthManager struct {
	mu      sync.RWMutex
	checks  map[string]*HealthCheck
	states  map[string]CheckState
	config  HealthConfig
	version string
	started time.Time
	stopCh  chan struct{}
	stopped sync.Once
}

// NewHealthManager creates a new health manager
func NewHealthManager(config HealthConfig, version string) *HealthManager {
	if config.CheckInterval == 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 5 * time.Second
	}
	return &HealthManager{
		checks:  make(map[string]*HealthCheck),
		states:  make(map[string]CheckState),
		config:  config,
		version: version,
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
}

// RegisterCheck registers a new health check
func (hm *HealthManager) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = hm.config.DefaultTimeout
	}
	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs all checks once, then on every interval until Stop or ctx ends.
func (hm *HealthManager) Start(ctx context.Context) {
	hm.RunChecks(ctx)
	go func() {
		ticker := time.NewTicker(hm.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hm.RunChecks(ctx)
			case <-hm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the health monitoring
func (hm *HealthManager) Stop() {
	hm.stopped.Do(func() { close(hm.stopCh) })
}

// RunChecks runs all registered checks concurrently and stores the results.
func (hm *HealthManager) RunChecks(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(c *HealthCheck) {
			defer wg.Done()
			state := hm.runCheck(ctx, c)
			hm.mu.Lock()
			hm.states[c.Name] = state
			hm.mu.Unlock()
		}(check)
	}
	wg.Wait()
}

func (hm *HealthManager) runCheck(ctx context.Context, check *HealthCheck) CheckState {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	result := HealthCheckResult{Status: HealthStatusUnknown, Message: "no check function defined"}
	if check.Check != nil {
		result = check.Check(checkCtx)
	}
	return CheckState{
		HealthCheckResult: result,
		Critical:          check.Critical,
		LastCheck:         start,
		Duration:          time.Since(start),
	}
}

// GetHealth returns the overall health status
func (hm *HealthManager) GetHealth() SystemHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	health := SystemHealth{
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckState, len(hm.states)),
		System:    systemMetrics(),
	}

	overall := HealthStatusHealthy
	for name, state := range hm.states {
		health.Checks[name] = state
		health.Summary.Total++
		switch state.Status {
		case HealthStatusHealthy:
			health.Summary.Healthy++
		case HealthStatusUnhealthy:
			health.Summary.Unhealthy++
			if state.Critical {
				overall = HealthStatusUnhealthy
			} else if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		case HealthStatusDegraded:
			health.Summary.Degraded++
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		default:
			health.Summary.Unknown++
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	health.Status = overall
	return health
}

func systemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemMetrics{
		AllocatedBytes: m.Alloc,
		SystemBytes:    m.Sys,
		NumGC:          m.NumGC,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

// HealthHandler serves GetHealth; unhealthy maps to 503.
func (hm *HealthManager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(health)
	}
}

// PingCheck wraps a connectivity probe such as the Redis tier's Ping.
func PingCheck(name string, critical bool, ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) HealthCheckResult {
			if err := ping(ctx); err != nil {
				return HealthCheckResult{
					Status:  HealthStatusUnhealthy,
					Message: name + " unreachable",
					Error:   err.Error(),
				}
			}
			return HealthCheckResult{Status: HealthStatusHealthy, Message: name + " reachable"}
		},
	}
}

// ProxyPoolCheck reports the pool degraded when fewer than half of the
// identities are selectable and unhealthy when none are. An empty pool
// means direct egress and is healthy.
func ProxyPoolCheck(stats func() proxy.PoolStats) *HealthCheck {
	return &HealthCheck{
		Name: "proxy_pool",
		Check: func(ctx context.Context) HealthCheckResult {
			s := stats()
			meta := map[string]interface{}{
				"total":       s.Total,
				"healthy":     s.Healthy,
				"quarantined": s.Quarantined,
			}
			switch {
			case s.Total == 0:
				return HealthCheckResult{Status: HealthStatusHealthy, Message: "no proxies configured, direct egress", Metadata: meta}
			case s.Healthy == 0:
				return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "no selectable proxies", Metadata: meta}
			case s.Healthy*2 < s.Total:
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("%d of %d proxies selectable", s.Healthy, s.Total),
					Metadata: meta,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("%d of %d proxies selectable", s.Healthy, s.Total),
				Metadata: meta,
			}
		},
	}
}

// MemoryHealthCheck degrades when allocated heap exceeds maxBytes. A zero
// limit disables the comparison.
func MemoryHealthCheck(maxBytes uint64) *HealthCheck {
	return &HealthCheck{
		Name: "memory",
		Check: func(ctx context.Context) HealthCheckResult {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			meta := map[string]interface{}{
				"allocatedBytes": m.Alloc,
				"systemBytes":    m.Sys,
			}
			if maxBytes > 0 && m.Alloc > maxBytes {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("high memory usage: %d MiB", m.Alloc>>20),
					Metadata: meta,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("memory usage normal: %d MiB", m.Alloc>>20),
				Metadata: meta,
			}
		},
	}
}

// GoroutineHealthCheck creates a goroutine count health check
func GoroutineHealthCheck(maxGoroutines int) *HealthCheck {
	return &HealthCheck{
		Name: "goroutines",
		Check: func(ctx context.Context) HealthCheckResult {
			count := runtime.NumGoroutine()
			meta := map[string]interface{}{"count": count, "max": maxGoroutines}
			if count > maxGoroutines {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("high goroutine count: %d", count),
					Metadata: meta,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("goroutine count normal: %d", count),
				Metadata: meta,
			}
		},
	}
}
