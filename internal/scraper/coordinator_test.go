// internal/scraper/coordinator_test.go
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

func listingPage(title, body string) string {
	return "<html><head><title>" + title + "</title>" +
		`<meta name="description" content="A listing">` +
		`<meta property="og:type" content="product">` +
		"</head><body>" + body + strings.Repeat("<p>listing details</p>", 60) + "</body></html>"
}

type recorder struct {
	mu       sync.Mutex
	attempts []string
	blocks   []string
	actions  []string
}

func (r *recorder) AttemptFinished(method, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.attempts = append(r.attempts, method+":"+outcome)
	r.mu.Unlock()
}

func (r *recorder) BlockDetected(bt string) {
	r.mu.Lock()
	r.blocks = append(r.blocks, bt)
	r.mu.Unlock()
}

func (r *recorder) RemedialAction(a string) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

type stubStrategy struct {
	kind  Kind
	calls int32
	fn    func(n int) (*Fetch, error)
}

func (s *stubStrategy) Kind() Kind                   { return s.kind }
func (s *stubStrategy) Applicable(types.Target) bool { return true }
func (s *stubStrategy) count() int                   { return int(atomic.LoadInt32(&s.calls)) }
func (s *stubStrategy) Attempt(_ context.Context, _ types.Target, _ Egress) (*Fetch, error) {
	return s.fn(int(atomic.AddInt32(&s.calls, 1)))
}

func okFetch(title string) *Fetch {
	return &Fetch{
		Response: antidetect.Response{StatusCode: 200, Body: []byte(listingPage(title, "")), Elapsed: 100 * time.Millisecond},
		Data:     map[string]interface{}{"title": title},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DirectLimiter = RateLimiterConfig{BaseInterval: time.Millisecond, BurstSize: 100}
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, strategies []Strategy, opts ...Option) (*Coordinator, *[]time.Duration) {
	t.Helper()
	opts = append([]Option{WithLogger(utils.NewNopLogger())}, opts...)
	c, err := New(cfg, strategies, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	t.Cleanup(c.Close)
	return c, sleeps
}

func TestExecuteStaticSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
			t.Errorf("missing browser user agent: %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, listingPage("Widget  Shop", `<span class="price">  $1,000
		</span>`))
	}))
	defer srv.Close()

	static := NewStaticStrategy(StaticConfig{Fields: []FieldConfig{
		{Name: "price", Selector: ".price", Type: "text", Required: true},
	}})
	rec := &recorder{}
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{static}, WithRecorder(rec))

	out, err := c.Execute(context.Background(), types.Target{URL: srv.URL + "/listing/7"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodStatic {
		t.Errorf("method = %s, want static", out.Method)
	}
	if out.Data["title"] != "Widget Shop" {
		t.Errorf("title = %q, want normalized %q", out.Data["title"], "Widget Shop")
	}
	if out.Data["price"] != "$1,000" {
		t.Errorf("price = %q", out.Data["price"])
	}
	if len(rec.attempts) != 1 || rec.attempts[0] != "static:success" {
		t.Errorf("attempts = %v", rec.attempts)
	}
}

func TestExecuteAPIFirst(t *testing.T) {
	var pageHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/listings/42", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); !strings.Contains(got, "application/json") {
			t.Errorf("api Accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 42, "title": "Shop"}`)
	})
	mux.HandleFunc("/listing/42", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pageHits, 1)
		fmt.Fprint(w, listingPage("Shop", ""))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPIStrategy(APIConfig{EndpointTemplate: "{scheme}://{host}/api/v1/listings/{id}"})
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{api, NewStaticStrategy(StaticConfig{})})

	out, err := c.Execute(context.Background(), types.Target{URL: srv.URL + "/listing/42"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodAPI {
		t.Errorf("method = %s, want api", out.Method)
	}
	if out.Data["title"] != "Shop" || out.Data["id"] != float64(42) {
		t.Errorf("data = %v", out.Data)
	}
	if pageHits != 0 {
		t.Errorf("static rung should not run, page hits = %d", pageHits)
	}
}

func TestExecuteEscalatesOnExtractionFailure(t *testing.T) {
	var apiHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/listings/42", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "oops")
	})
	mux.HandleFunc("/listing/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage("Shop", ""))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPIStrategy(APIConfig{EndpointTemplate: "{scheme}://{host}/api/v1/listings/{id}"})
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{api, NewStaticStrategy(StaticConfig{})})

	out, err := c.Execute(context.Background(), types.Target{URL: srv.URL + "/listing/42"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodStatic {
		t.Errorf("method = %s, want static", out.Method)
	}
	if apiHits != 1 {
		t.Errorf("api hits = %d, want 1 (extraction failure escalates immediately)", apiHits)
	}
}

func TestExecuteBacksOffOnRateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "Too many requests")
			return
		}
		fmt.Fprint(w, listingPage("Shop", ""))
	}))
	defer srv.Close()

	rec := &recorder{}
	c, sleeps := newTestCoordinator(t, testConfig(), []Strategy{NewStaticStrategy(StaticConfig{})}, WithRecorder(rec))
	url := srv.URL + "/listing/9"
	out, err := c.Execute(context.Background(), types.Target{URL: url})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodStatic {
		t.Errorf("method = %s", out.Method)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", *sleeps)
	}
	if len(rec.blocks) != 1 || rec.blocks[0] != string(antidetect.BlockRateLimit) {
		t.Errorf("blocks = %v", rec.blocks)
	}
	if len(rec.actions) != 1 || rec.actions[0] != string(antidetect.ActionBackoff) {
		t.Errorf("actions = %v", rec.actions)
	}
	ps, ok := c.History().Get(url)
	if !ok || ps.Total != 2 || ps.Blocked != 1 {
		t.Errorf("history = %+v", ps)
	}
}

func TestExecuteBackoffIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBackoff = 50 * time.Millisecond
	c, sleeps := newTestCoordinator(t, cfg, []Strategy{NewStaticStrategy(StaticConfig{})})
	_, err := c.Execute(context.Background(), types.Target{URL: srv.URL + "/x"})
	if utils.Categorize(err) != utils.CategoryBlocking {
		t.Fatalf("err = %v, want a blocking error", err)
	}
	for _, d := range *sleeps {
		if d > cfg.MaxBackoff {
			t.Errorf("slept %v, beyond MaxBackoff", d)
		}
	}
}

func TestExecuteRotatesProxyOnBlock(t *testing.T) {
	var aHits, bHits int32
	proxyA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&aHits, 1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, listingPage("Error", "Access denied"))
	}))
	defer proxyA.Close()
	proxyB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&bHits, 1)
		if r.URL.Host != "market.example" {
			t.Errorf("proxy got host %q, want absolute-form request", r.URL.Host)
		}
		fmt.Fprint(w, listingPage("Shop", ""))
	}))
	defer proxyB.Close()

	m, err := proxy.NewManager([]proxy.Endpoint{
		{ID: "a", URL: proxyA.URL, Geo: "us"},
		{ID: "b", URL: proxyB.URL, Geo: "us"},
	}, proxy.DefaultConfig(), proxy.WithRandom(func(int) int { return 0 }), proxy.WithLogger(utils.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{NewStaticStrategy(StaticConfig{})}, WithProxies(m), WithRecorder(rec))

	out, err := c.Execute(context.Background(), types.Target{URL: "http://market.example/listing/1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodStatic {
		t.Errorf("method = %s", out.Method)
	}
	if aHits != 1 || bHits != 1 {
		t.Errorf("hits a=%d b=%d, want 1 each", aHits, bHits)
	}
	if len(rec.actions) != 1 || rec.actions[0] != string(antidetect.ActionRotateProxy) {
		t.Errorf("actions = %v", rec.actions)
	}
	a, _ := m.Get("a")
	if snap := a.Snapshot(); snap.FailureCount != 1 {
		t.Errorf("proxy a failures = %d, want 1", snap.FailureCount)
	}
	b, _ := m.Get("b")
	if snap := b.Snapshot(); snap.SuccessCount != 1 {
		t.Errorf("proxy b successes = %d, want 1", snap.SuccessCount)
	}
}

func TestExecutePoolExhaustedIsFatal(t *testing.T) {
	m, err := proxy.NewManager([]proxy.Endpoint{{ID: "only", URL: "http://127.0.0.1:9"}}, proxy.DefaultConfig(),
		proxy.WithLogger(utils.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		_ = m.Release("only", proxy.Outcome{Blocked: true})
	}
	if m.Stats().Quarantined != 1 {
		t.Fatalf("expected the identity to be quarantined: %+v", m.Stats())
	}

	c, _ := newTestCoordinator(t, testConfig(), []Strategy{NewStaticStrategy(StaticConfig{})}, WithProxies(m))
	_, err = c.Execute(context.Background(), types.Target{URL: "http://market.example/listing/1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if utils.Categorize(err) != utils.CategoryFatal {
		t.Errorf("category = %s, want fatal", utils.Categorize(err))
	}
	if !errors.Is(err, proxy.ErrPoolExhausted) {
		t.Errorf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestExecutePermanentStatusIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	browser := &stubStrategy{kind: KindBrowser, fn: func(int) (*Fetch, error) { return okFetch("x"), nil }}
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{NewStaticStrategy(StaticConfig{}), browser})
	_, err := c.Execute(context.Background(), types.Target{URL: srv.URL + "/gone"})
	if utils.Categorize(err) != utils.CategoryPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
	if hits != 1 || browser.count() != 0 {
		t.Errorf("hits = %d, browser calls = %d; want 1 and 0", hits, browser.count())
	}
}

func TestExecuteUpstreamErrorExhaustsLadder(t *testing.T) {
	static := &stubStrategy{kind: KindStatic, fn: func(int) (*Fetch, error) {
		return &Fetch{Response: antidetect.Response{StatusCode: 502, Body: []byte(listingPage("Bad gateway", "")), Elapsed: time.Second}}, nil
	}}
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{static})
	_, err := c.Execute(context.Background(), types.Target{URL: "https://market.example/a"})
	var se *utils.StructuredError
	if !errors.As(err, &se) || se.Code != utils.ErrCodeUpstreamError {
		t.Fatalf("err = %v, want UPSTREAM_ERROR", err)
	}
	if static.count() != 2 {
		t.Errorf("calls = %d, want AttemptsPerStrategy=2", static.count())
	}
}

func TestExecuteCaptchaEscalates(t *testing.T) {
	captcha := []byte(`<html><div class="g-recaptcha" data-sitekey="k"></div>` + strings.Repeat(" ", 600) + `</html>`)
	static := &stubStrategy{kind: KindStatic, fn: func(int) (*Fetch, error) {
		return &Fetch{Response: antidetect.Response{StatusCode: 200, Body: captcha, Elapsed: 200 * time.Millisecond}}, nil
	}}
	browser := &stubStrategy{kind: KindBrowser, fn: func(int) (*Fetch, error) { return okFetch("Rendered"), nil }}
	rec := &recorder{}
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{static, browser}, WithRecorder(rec))

	out, err := c.Execute(context.Background(), types.Target{URL: "https://market.example/listing/5"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Method != types.MethodBrowser {
		t.Errorf("method = %s, want browser", out.Method)
	}
	if static.count() != 1 || browser.count() != 1 {
		t.Errorf("static=%d browser=%d, want 1 each", static.count(), browser.count())
	}
	if len(rec.actions) != 1 || rec.actions[0] != string(antidetect.ActionEscalateStrategy) {
		t.Errorf("actions = %v", rec.actions)
	}
}

func TestLadderSelection(t *testing.T) {
	const url = "https://market.example/listing/77"
	tests := []struct {
		name        string
		hint        string
		challenged  int
		wantAPI     int
		wantBrowser int
	}{
		{name: "default order", wantAPI: 1},
		{name: "hint browser", hint: "browser", wantBrowser: 1},
		{name: "unknown hint ignored", hint: "carrier-pigeon", wantAPI: 1},
		{name: "challenge history prefers browser", challenged: 3, wantBrowser: 1},
		{name: "sparse history keeps order", challenged: 2, wantAPI: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubStrategy{kind: KindAPI, fn: func(int) (*Fetch, error) {
				f := okFetch("api")
				f.Response.Header = http.Header{"Content-Type": {"application/json"}}
				return f, nil
			}}
			browser := &stubStrategy{kind: KindBrowser, fn: func(int) (*Fetch, error) { return okFetch("browser"), nil }}
			h := antidetect.NewHistory()
			for i := 0; i < tt.challenged; i++ {
				h.Record(url, antidetect.Verdict{IsBlocked: true, BlockType: antidetect.BlockBotDetected})
			}
			c, _ := newTestCoordinator(t, testConfig(), []Strategy{api, browser}, WithHistory(h))
			if _, err := c.Execute(context.Background(), types.Target{URL: url, StrategyHint: tt.hint}); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if api.count() != tt.wantAPI || browser.count() != tt.wantBrowser {
				t.Errorf("api=%d browser=%d, want %d/%d", api.count(), browser.count(), tt.wantAPI, tt.wantBrowser)
			}
		})
	}
}

func TestExecuteServesFromCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, listingPage("Cached Shop", ""))
	}))
	defer srv.Close()

	rc, err := cache.New(cache.Config{MaxEntries: 100}, cache.WithLogger(utils.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	c, _ := newTestCoordinator(t, testConfig(), []Strategy{NewStaticStrategy(StaticConfig{})}, WithCache(rc))

	target := types.Target{URL: srv.URL + "/listing/3"}
	first, err := c.Execute(context.Background(), target)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := c.Execute(context.Background(), target)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if second.Method != types.MethodCache {
		t.Errorf("second method = %s, want cache", second.Method)
	}
	if second.Data["title"] != first.Data["title"] {
		t.Errorf("cached data %v differs from %v", second.Data, first.Data)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
	if !rc.Has(utils.CacheKey(target.URL)) {
		t.Error("result should be cached under the normalized url")
	}
}

func TestLoadFetchesWithoutCaching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage("Prefetched", ""))
	}))
	defer srv.Close()

	rc, err := cache.New(cache.Config{MaxEntries: 100}, cache.WithLogger(utils.NewNopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	cfg := testConfig()
	cfg.CacheTTL = time.Minute
	c, _ := newTestCoordinator(t, cfg, []Strategy{NewStaticStrategy(StaticConfig{})}, WithCache(rc))

	key := utils.CacheKey(srv.URL + "/listing/4")
	raw, ttl, err := c.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ttl != time.Minute {
		t.Errorf("ttl = %v", ttl)
	}
	out, err := decodeOutcome(raw)
	if err != nil || out.Method != types.MethodStatic || out.Data["title"] != "Prefetched" {
		t.Errorf("decoded %+v, %v", out, err)
	}
	if rc.Has(key) {
		t.Error("Load leaves storing to the cache")
	}
}

func TestNewRejectsUnusableConfig(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("expected error without strategies")
	}
	cfg := DefaultConfig()
	cfg.Order = []Kind{KindBrowser}
	if _, err := New(cfg, []Strategy{NewStaticStrategy(StaticConfig{})}); err == nil {
		t.Error("expected error when no strategy matches the order")
	}
}
