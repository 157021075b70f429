// internal/monitoring/metrics.go
package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/proxy"
)

// MetricsConfig configuration for metrics
type MetricsConfig struct {
	Namespace string
	// ConstLabels are attached to every collector.
	ConstLabels prometheus.Labels
	// DisableRuntimeCollectors skips the Go and process collectors.
	DisableRuntimeCollectors bool
}

// MetricsManager owns a private registry with the runtime's collectors. It
// satisfies the engine and coordinator recorder interfaces.
type MetricsManager struct {
	registry  *prometheus.Registry
	namespace string

	// Task metrics
	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec
	workerRestart prometheus.Counter
	queueDepth    prometheus.Gauge
	concurrency   prometheus.Gauge

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	blocksDetected  *prometheus.CounterVec
	remedialActions *prometheus.CounterVec

	// Proxy metrics
	proxyHealth      *prometheus.GaugeVec
	proxyQuarantines *prometheus.CounterVec
	quarantineMu     sync.Mutex
	quarantined      map[string]bool

	// System metrics
	memoryUsage prometheus.Gauge
	cpuUsage    prometheus.Gauge
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(config MetricsConfig) *MetricsManager {
	if config.Namespace == "" {
		config.Namespace = "marketrunner"
	}
	reg := prometheus.NewRegistry()
	if !config.DisableRuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	mm := &MetricsManager{
		registry:    reg,
		namespace:   config.Namespace,
		quarantined: make(map[string]bool),
	}
	mm.initializeMetrics(promauto.With(reg), config)
	return mm
}

func (mm *MetricsManager) initializeMetrics(f promauto.Factory, config MetricsConfig) {
	ns, labels := config.Namespace, config.ConstLabels

	mm.tasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "engine",
			Name:        "tasks_total",
			Help:        "Tasks finished, by method, result and error category",
			ConstLabels: labels,
		},
		[]string{"method", "result", "category"},
	)
	mm.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "engine",
			Name:        "task_duration_seconds",
			Help:        "Wall time of the final attempt of each task",
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
			ConstLabels: labels,
		},
		[]string{"method", "result"},
	)
	mm.taskRetries = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "engine",
			Name:        "task_retries_total",
			Help:        "Task retries, by error category",
			ConstLabels: labels,
		},
		[]string{"category"},
	)
	mm.workerRestart = f.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "engine",
		Name:        "worker_restarts_total",
		Help:        "Workers recreated after a crash",
		ConstLabels: labels,
	})
	mm.queueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "engine",
		Name:        "queue_depth",
		Help:        "Tasks waiting for a worker",
		ConstLabels: labels,
	})
	mm.concurrency = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "engine",
		Name:        "concurrency_ceiling",
		Help:        "Current per-worker concurrency ceiling",
		ConstLabels: labels,
	})

	mm.attemptsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "coordinator",
			Name:        "attempts_total",
			Help:        "Strategy attempts, by method and outcome",
			ConstLabels: labels,
		},
		[]string{"method", "outcome"},
	)
	mm.attemptDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   "coordinator",
			Name:        "attempt_duration_seconds",
			Help:        "Duration of single strategy attempts",
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
			ConstLabels: labels,
		},
		[]string{"method"},
	)
	mm.blocksDetected = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "detector",
			Name:        "blocks_total",
			Help:        "Blocked responses, by block type",
			ConstLabels: labels,
		},
		[]string{"type"},
	)
	mm.remedialActions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "detector",
			Name:        "remedial_actions_total",
			Help:        "Remedial actions executed",
			ConstLabels: labels,
		},
		[]string{"action"},
	)

	mm.proxyHealth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "proxy",
			Name:        "health",
			Help:        "Health score of each proxy identity",
			ConstLabels: labels,
		},
		[]string{"proxy"},
	)
	mm.proxyQuarantines = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "proxy",
			Name:        "quarantines_total",
			Help:        "Times an identity entered quarantine",
			ConstLabels: labels,
		},
		[]string{"proxy"},
	)

	mm.memoryUsage = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "resources",
		Name:        "memory_bytes",
		Help:        "Sampled resident memory",
		ConstLabels: labels,
	})
	mm.cpuUsage = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "resources",
		Name:        "cpu_fraction",
		Help:        "Sampled CPU utilisation (0-1)",
		ConstLabels: labels,
	})
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// TaskFinished records a task reaching a terminal state.
func (mm *MetricsManager) TaskFinished(method string, success bool, category string, elapsed time.Duration) {
	if method == "" {
		method = "none"
	}
	if success {
		category = ""
	}
	mm.tasksTotal.WithLabelValues(method, resultLabel(success), category).Inc()
	mm.taskDuration.WithLabelValues(method, resultLabel(success)).Observe(elapsed.Seconds())
}

func (mm *MetricsManager) TaskRetried(category string) {
	mm.taskRetries.WithLabelValues(category).Inc()
}

func (mm *MetricsManager) WorkerRestarted() {
	mm.workerRestart.Inc()
}

func (mm *MetricsManager) SetQueueDepth(n int) {
	mm.queueDepth.Set(float64(n))
}

func (mm *MetricsManager) SetConcurrency(ceiling int) {
	mm.concurrency.Set(float64(ceiling))
}

func (mm *MetricsManager) SetResources(memoryBytes uint64, cpuFraction float64) {
	mm.memoryUsage.Set(float64(memoryBytes))
	mm.cpuUsage.Set(cpuFraction)
}

// AttemptFinished records one strategy attempt.
func (mm *MetricsManager) AttemptFinished(method, outcome string, elapsed time.Duration) {
	mm.attemptsTotal.WithLabelValues(method, outcome).Inc()
	mm.attemptDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (mm *MetricsManager) BlockDetected(blockType string) {
	mm.blocksDetected.WithLabelValues(blockType).Inc()
}

func (mm *MetricsManager) RemedialAction(action string) {
	mm.remedialActions.WithLabelValues(action).Inc()
}

// ProxyHealthHook returns a hook for proxy.WithHealthHook. Quarantine is
// counted on the transition only.
func (mm *MetricsManager) ProxyHealthHook() proxy.HealthHook {
	return func(id string, health float64, q bool) {
		mm.proxyHealth.WithLabelValues(id).Set(health)
		mm.quarantineMu.Lock()
		was := mm.quarantined[id]
		mm.quarantined[id] = q
		mm.quarantineMu.Unlock()
		if q && !was {
			mm.proxyQuarantines.WithLabelValues(id).Inc()
		}
	}
}

// RegisterPoolStats exposes pool totals as gauges read at scrape time.
func (mm *MetricsManager) RegisterPoolStats(stats func() proxy.PoolStats) {
	f := promauto.With(mm.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: mm.namespace, Subsystem: "proxy", Name: "pool_healthy",
		Help: "Identities currently eligible for selection",
	}, func() float64 { return float64(stats().Healthy) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: mm.namespace, Subsystem: "proxy", Name: "pool_quarantined",
		Help: "Identities currently quarantined",
	}, func() float64 { return float64(stats().Quarantined) })
}

// RegisterCacheStats exposes cache counters read at scrape time.
func (mm *MetricsManager) RegisterCacheStats(stats func() cache.Stats) {
	f := promauto.With(mm.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: mm.namespace, Subsystem: "cache", Name: "hit_rate",
		Help: "Local hit rate since start",
	}, func() float64 { return stats().HitRate })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: mm.namespace, Subsystem: "cache", Name: "entries",
		Help: "Live entries in the local tier",
	}, func() float64 { return float64(stats().Size) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: mm.namespace, Subsystem: "cache", Name: "evictions_total",
		Help: "Capacity evictions",
	}, func() float64 { return float64(stats().Evictions) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: mm.namespace, Subsystem: "cache", Name: "prefetches_total",
		Help: "Predictive prefetches issued",
	}, func() float64 { return float64(stats().Prefetches) })
}

// Registry exposes the underlying registry, mainly for tests.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// MetricsHandler returns an HTTP handler for metrics endpoint
func (mm *MetricsManager) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{Registry: mm.registry})
}
