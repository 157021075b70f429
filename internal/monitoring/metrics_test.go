// internal/monitoring/metrics_test.go
package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/scraper"
)

var (
	_ engine.MetricsRecorder = (*MetricsManager)(nil)
	_ scraper.Recorder       = (*MetricsManager)(nil)
)

func newTestMetrics() *MetricsManager {
	return NewMetricsManager(MetricsConfig{DisableRuntimeCollectors: true})
}

func TestTaskMetrics(t *testing.T) {
	mm := newTestMetrics()
	mm.TaskFinished("static", true, "transient", 120*time.Millisecond)
	mm.TaskFinished("static", true, "", 80*time.Millisecond)
	mm.TaskFinished("", false, "permanent", time.Second)
	mm.TaskRetried("blocking")
	mm.SetQueueDepth(7)
	mm.SetConcurrency(5)

	if got := testutil.ToFloat64(mm.tasksTotal.WithLabelValues("static", "success", "")); got != 2 {
		t.Errorf("successful static tasks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(mm.tasksTotal.WithLabelValues("none", "failure", "permanent")); got != 1 {
		t.Errorf("failed tasks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mm.taskRetries.WithLabelValues("blocking")); got != 1 {
		t.Errorf("retries = %v", got)
	}
	if got := testutil.ToFloat64(mm.queueDepth); got != 7 {
		t.Errorf("queue depth = %v", got)
	}
	if got := testutil.ToFloat64(mm.concurrency); got != 5 {
		t.Errorf("ceiling = %v", got)
	}
}

func TestProxyHealthHookCountsQuarantineTransitions(t *testing.T) {
	mm := newTestMetrics()
	hook := mm.ProxyHealthHook()
	hook("us-1", 0.25, true)
	hook("us-1", 0.20, true)
	hook("us-1", 0.5, false)
	hook("us-1", 0.1, true)

	if got := testutil.ToFloat64(mm.proxyQuarantines.WithLabelValues("us-1")); got != 2 {
		t.Errorf("quarantines = %v, want 2", got)
	}
	if got := testutil.ToFloat64(mm.proxyHealth.WithLabelValues("us-1")); got != 0.1 {
		t.Errorf("health gauge = %v", got)
	}
}

func TestMetricsHandlerExposesStats(t *testing.T) {
	mm := newTestMetrics()
	mm.RegisterPoolStats(func() proxy.PoolStats {
		return proxy.PoolStats{Total: 4, Healthy: 3, Quarantined: 1}
	})
	mm.RegisterCacheStats(func() cache.Stats {
		return cache.Stats{HitRate: 0.75, Size: 12, Evictions: 3}
	})
	mm.AttemptFinished("api", "blocked", 300*time.Millisecond)
	mm.BlockDetected("rate_limited")
	mm.RemedialAction("rotate_proxy")

	srv := httptest.NewServer(mm.MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"marketrunner_proxy_pool_healthy 3",
		"marketrunner_proxy_pool_quarantined 1",
		"marketrunner_cache_hit_rate 0.75",
		"marketrunner_cache_entries 12",
		"marketrunner_cache_evictions_total 3",
		`marketrunner_detector_blocks_total{type="rate_limited"} 1`,
		`marketrunner_detector_remedial_actions_total{action="rotate_proxy"} 1`,
		`marketrunner_coordinator_attempts_total{method="api",outcome="blocked"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSeparateManagersDoNotCollide(t *testing.T) {
	a := newTestMetrics()
	b := newTestMetrics()
	a.WorkerRestarted()
	if got := testutil.ToFloat64(b.workerRestart); got != 0 {
		t.Errorf("registries share state: %v", got)
	}
}
