// pkg/api/runtime_test.go
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/marketrunner/internal/config"
	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/internal/scraper"
	"github.com/valpere/marketrunner/pkg/types"
)

func listingServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><title>Listing %s</title></head><body>
<h1>Lamp %s</h1><span class="price">$19.99</span>%s</body></html>`,
			r.URL.Path, r.URL.Path, strings.Repeat("<p>listing details</p>", 60))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRuntimeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.MaxWorkers = 2
	cfg.MaxRetries = 1
	cfg.TaskTimeoutMs = 5000
	cfg.AdaptiveConcurrency = false
	cfg.Strategies.Order = []string{"static"}
	cfg.Strategies.AttemptsPerStrategy = 1
	cfg.Strategies.Static.Fields = []scraper.FieldConfig{
		{Name: "heading", Selector: "h1", Type: "text", Required: true},
		{Name: "price", Selector: ".price", Type: "text"},
	}
	cfg.Strategies.DirectRateLimit.BaseIntervalMs = 1
	cfg.Strategies.DirectRateLimit.MaxIntervalMs = 10
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func TestRuntimeSubmitAndCache(t *testing.T) {
	var hits int32
	srv := listingServer(t, &hits)
	rt := newTestRuntime(t, testRuntimeConfig(t))

	tasks := []types.TaskInput{{URL: srv.URL + "/item/1"}, {URL: srv.URL + "/item/2"}}
	results, err := rt.Submit(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Fatalf("result %d failed: %s", i, r.Error)
		}
		if r.URL != tasks[i].URL {
			t.Errorf("result %d url = %s, want input order", i, r.URL)
		}
		if r.Method != types.MethodStatic {
			t.Errorf("method = %s", r.Method)
		}
		if r.Data["price"] != "$19.99" {
			t.Errorf("price = %v", r.Data["price"])
		}
	}

	again, err := rt.Submit(context.Background(), tasks[:1])
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Method != types.MethodCache || !again[0].Success {
		t.Errorf("second submit should hit the cache: %+v", again[0])
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("origin hits = %d, want 2", got)
	}
	if stats := rt.CacheStats(); stats.Hits < 1 {
		t.Errorf("cache stats = %+v", stats)
	}
}

func TestRuntimePermanentFailureIsNotRetried(t *testing.T) {
	var hits int32
	srv := listingServer(t, &hits)
	rt := newTestRuntime(t, testRuntimeConfig(t))

	results, err := rt.Submit(context.Background(), []types.TaskInput{{URL: srv.URL + "/missing/1"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if results[0].Success || results[0].Error == "" {
		t.Fatalf("expected failure, got %+v", results[0])
	}
	stats := rt.FailureStats()
	if stats.Retries != 0 {
		t.Errorf("permanent failure retried %d times", stats.Retries)
	}
}

func TestRuntimeStatsWithoutProxies(t *testing.T) {
	rt := newTestRuntime(t, testRuntimeConfig(t))
	if s := rt.ProxyPoolStats(); s.Total != 0 || s.Healthy != 0 {
		t.Errorf("pool stats = %+v", s)
	}
	if len(rt.Workers()) != 2 {
		t.Errorf("workers = %d", len(rt.Workers()))
	}
	if len(rt.BlockingHistory()) != 0 {
		t.Errorf("history should start empty")
	}
}

func TestRuntimeWithProxies(t *testing.T) {
	cfg := testRuntimeConfig(t)
	tpl := config.GenerateTemplate("proxied")
	cfg.Proxies = tpl.Proxies
	cfg.Proxy.ProbeIntervalMs = int64(time.Hour / time.Millisecond)
	rt := newTestRuntime(t, cfg)

	s := rt.ProxyPoolStats()
	if s.Total != len(tpl.Proxies) {
		t.Errorf("total = %d, want %d", s.Total, len(tpl.Proxies))
	}
	if len(rt.ProxySnapshots()) != s.Total {
		t.Errorf("snapshots = %d", len(rt.ProxySnapshots()))
	}
}

func TestRuntimeEvents(t *testing.T) {
	var hits int32
	srv := listingServer(t, &hits)
	rt := newTestRuntime(t, testRuntimeConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := rt.Events(ctx)

	if _, err := rt.Submit(context.Background(), []types.TaskInput{{URL: srv.URL + "/item/9"}}); err != nil {
		t.Fatal(err)
	}

	seen := map[engine.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[engine.EventTaskCompleted] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("no completion event, saw %v", seen)
		}
	}
	if !seen[engine.EventTaskQueued] {
		t.Errorf("missing queued event: %v", seen)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after cancel")
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt, err := New(testRuntimeConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
	results, err := rt.Submit(ctx, []types.TaskInput{{URL: "https://shop.example.com/"}})
	if err == nil {
		t.Error("submit after shutdown should fail")
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("results after shutdown = %+v", results)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testRuntimeConfig(t)
	cfg.MaxWorkers = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}
