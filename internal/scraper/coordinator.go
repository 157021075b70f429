// internal/scraper/coordinator.go
package scraper

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

var coordinatorLogger = utils.NewComponentLogger("coordinator")

// Config controls the strategy ladder.
type Config struct {
	Order               []Kind
	AttemptsPerStrategy int
	// ExpectedMarkers are handed to the detector for HTML rungs.
	ExpectedMarkers []string
	CacheTTL        time.Duration
	DefaultBackoff  time.Duration
	MaxBackoff      time.Duration
	RequestTimeout  time.Duration
	DialTimeout     time.Duration
	// InsecureSkipVerify disables certificate checks on every egress path.
	InsecureSkipVerify bool
	// DirectLimiter paces requests when the proxy pool is empty.
	DirectLimiter RateLimiterConfig
}

// DefaultConfig returns the default ladder configuration.
func DefaultConfig() Config {
	return Config{
		Order:               append([]Kind(nil), DefaultOrder...),
		AttemptsPerStrategy: 2,
		DefaultBackoff:      2 * time.Second,
		MaxBackoff:          30 * time.Second,
		RequestTimeout:      20 * time.Second,
		DialTimeout:         15 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.Order) == 0 {
		c.Order = d.Order
	}
	if c.AttemptsPerStrategy <= 0 {
		c.AttemptsPerStrategy = d.AttemptsPerStrategy
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = d.DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
}

// Recorder receives per-attempt measurements.
type Recorder interface {
	AttemptFinished(method, outcome string, elapsed time.Duration)
	BlockDetected(blockType string)
	RemedialAction(action string)
}

type nopRecorder struct{}

func (nopRecorder) AttemptFinished(string, string, time.Duration) {}
func (nopRecorder) BlockDetected(string)                          {}
func (nopRecorder) RemedialAction(string)                         {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProxies routes attempts through a proxy pool. Without one, or with
// an empty one, requests go out directly.
func WithProxies(m *proxy.Manager) Option {
	return func(c *Coordinator) { c.proxies = m }
}

// WithCache enables result lookups and write-back.
func WithCache(rc *cache.Cache) Option {
	return func(c *Coordinator) { c.cache = rc }
}

func WithDetector(d *antidetect.Detector) Option {
	return func(c *Coordinator) { c.detector = d }
}

func WithHistory(h *antidetect.History) Option {
	return func(c *Coordinator) { c.history = h }
}

func WithFingerprints(r *antidetect.FingerprintRotator) Option {
	return func(c *Coordinator) { c.fingerprints = r }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithLogger(l utils.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator runs one task: cache lookup, then the strategy ladder with
// proxy selection, classification and remediation around every attempt.
// It implements engine.Executor.
type Coordinator struct {
	config       Config
	strategies   map[Kind]Strategy
	proxies      *proxy.Manager
	cache        *cache.Cache
	detector     *antidetect.Detector
	history      *antidetect.History
	fingerprints *antidetect.FingerprintRotator
	direct       *AdaptiveRateLimiter
	recorder     Recorder
	logger       utils.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	dmu           sync.Mutex
	directClients map[string]*http.Client
}

// New creates a coordinator over the given strategies. Rungs named in the
// configured order without a strategy are skipped.
func New(config Config, strategies []Strategy, opts ...Option) (*Coordinator, error) {
	config.applyDefaults()
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one strategy is required")
	}
	c := &Coordinator{
		config:        config,
		strategies:    make(map[Kind]Strategy, len(strategies)),
		recorder:      nopRecorder{},
		logger:        coordinatorLogger,
		sleep:         sleepContext,
		directClients: make(map[string]*http.Client),
	}
	for _, s := range strategies {
		c.strategies[s.Kind()] = s
	}
	usable := 0
	for _, k := range config.Order {
		if _, ok := c.strategies[k]; ok {
			usable++
		}
	}
	if usable == 0 {
		return nil, fmt.Errorf("no strategy matches the configured order %v", config.Order)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.detector == nil {
		c.detector = antidetect.NewDetector(antidetect.DetectorConfig{DefaultBackoff: config.DefaultBackoff})
	}
	if c.history == nil {
		c.history = antidetect.NewHistory()
	}
	if c.fingerprints == nil {
		c.fingerprints = antidetect.NewFingerprintRotator()
	}
	c.direct = NewAdaptiveRateLimiter(config.DirectLimiter)
	return c, nil
}

// History exposes the blocking history the coordinator records into.
func (c *Coordinator) History() *antidetect.History {
	return c.history
}

type attemptState struct {
	target  types.Target
	fpKey   string
	geo     string
	exclude []string
	ladder  []Kind
	rung    int
	// escalate is set by an attempt that wants the next rung.
	escalate bool
}

// Execute runs the task for one engine attempt.
func (c *Coordinator) Execute(ctx context.Context, target types.Target) (types.Outcome, error) {
	key := utils.CacheKey(target.URL)
	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			if out, err := decodeOutcome(raw); err == nil {
				out.Method = types.MethodCache
				return out, nil
			}
			c.logger.WithField("key", key).Warn("dropping undecodable cache entry")
			c.cache.Delete(key)
		}
	}
	out, err := c.run(ctx, target)
	if err != nil {
		return types.Outcome{}, err
	}
	c.store(key, out)
	return out, nil
}

// Load fetches a key for the cache's prefetcher. Keys are normalized URLs.
func (c *Coordinator) Load(ctx context.Context, key string) ([]byte, time.Duration, error) {
	out, err := c.run(ctx, types.Target{URL: key})
	if err != nil {
		return nil, 0, err
	}
	raw, err := encodeOutcome(out)
	if err != nil {
		return nil, 0, err
	}
	return raw, c.config.CacheTTL, nil
}

func (c *Coordinator) run(ctx context.Context, target types.Target) (types.Outcome, error) {
	ladder := c.ladder(target)
	if len(ladder) == 0 {
		return types.Outcome{}, utils.NewError(utils.ErrCodeMalformedTarget, "no applicable strategy").
			WithContext("url", target.URL).Build()
	}
	st := &attemptState{
		target: target,
		fpKey:  fingerprintKey(target),
		geo:    target.Geo,
		ladder: ladder,
	}

	var lastErr error
	for st.rung < len(st.ladder) {
		s := c.strategies[st.ladder[st.rung]]
		for n := 0; n < c.config.AttemptsPerStrategy; n++ {
			if err := ctx.Err(); err != nil {
				return types.Outcome{}, err
			}
			out, err := c.attempt(ctx, s, st)
			if err == nil {
				return out, nil
			}
			lastErr = err
			switch utils.Categorize(err) {
			case utils.CategoryPermanent, utils.CategoryFatal:
				return types.Outcome{}, err
			}
			if st.escalate {
				st.escalate = false
				break
			}
		}
		st.rung++
	}
	return types.Outcome{}, lastErr
}

// ladder returns the applicable rungs for a target. A strategy hint, or a
// history dominated by bot challenges, moves the starting rung.
func (c *Coordinator) ladder(target types.Target) []Kind {
	order := c.config.Order
	start := 0
	if target.StrategyHint != "" {
		if k, err := ParseKind(target.StrategyHint); err == nil {
			if i := indexOf(order, k); i >= 0 {
				start = i
			}
		}
	} else if c.history.PreferBrowser(target.URL) {
		if i := indexOf(order, KindBrowser); i >= 0 {
			start = i
		}
	}
	out := c.applicable(order[start:], target)
	if len(out) == 0 && start > 0 {
		out = c.applicable(order, target)
	}
	return out
}

func (c *Coordinator) applicable(kinds []Kind, target types.Target) []Kind {
	var out []Kind
	for _, k := range kinds {
		if s, ok := c.strategies[k]; ok && s.Applicable(target) {
			out = append(out, k)
		}
	}
	return out
}

func (c *Coordinator) attempt(ctx context.Context, s Strategy, st *attemptState) (types.Outcome, error) {
	egress, ident, err := c.egress(ctx, st)
	if err != nil {
		return types.Outcome{}, err
	}
	release := func(o proxy.Outcome) {
		if ident == nil {
			return
		}
		o.SessionID = st.target.Session
		if err := c.proxies.Release(ident.ID, o); err != nil {
			c.logger.Warnf("release %s: %v", ident.ID, err)
		}
	}
	method := s.Kind().String()

	actx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	start := time.Now()
	f, err := s.Attempt(actx, st.target, egress)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, ErrNotApplicable) {
			st.escalate = true
			c.recorder.AttemptFinished(method, "not_applicable", elapsed)
			return types.Outcome{}, utils.NewError(utils.ErrCodeExtractionFailed, method+" strategy not applicable").
				WithCause(err).Build()
		}
		release(proxy.Outcome{Success: false, Latency: elapsed})
		if ident != nil {
			st.exclude = appendUnique(st.exclude, ident.ID)
		}
		c.recorder.AttemptFinished(method, "error", elapsed)
		c.logger.WithField("url", st.target.URL).Debugf("%s attempt failed: %v", method, err)
		return types.Outcome{}, err
	}

	rc := antidetect.RequestContext{AllowShortBody: s.Kind() == KindAPI}
	if s.Kind() != KindAPI {
		rc.ExpectedMarkers = c.config.ExpectedMarkers
	}
	verdict := c.detector.Classify(f.Response, rc)
	c.history.Record(st.target.URL, verdict)

	if verdict.IsBlocked {
		release(proxy.Outcome{Blocked: true, Latency: elapsed})
		if ident == nil {
			c.direct.ReportBlocked()
		}
		c.recorder.AttemptFinished(method, "blocked", elapsed)
		c.recorder.BlockDetected(string(verdict.BlockType))
		c.logger.WithFields(map[string]interface{}{
			"url":        st.target.URL,
			"method":     method,
			"blockType":  verdict.BlockType,
			"confidence": verdict.Confidence,
		}).Info("response classified as blocked")
		c.remediate(ctx, verdict, st, ident)
		return types.Outcome{}, blockingError(verdict, st.target.URL)
	}
	if ident == nil {
		c.direct.ReportSuccess()
	}

	status := f.Response.StatusCode
	switch {
	case antidetect.IsPermanentStatus(status):
		release(proxy.Outcome{Success: true, Latency: elapsed})
		c.recorder.AttemptFinished(method, "permanent", elapsed)
		return types.Outcome{}, utils.NewError(utils.ErrCodeNotFound, fmt.Sprintf("target answered %d", status)).
			WithContext("url", st.target.URL).WithContext("status", status).Build()
	case !isSuccess(status):
		release(proxy.Outcome{Success: false, Latency: elapsed})
		c.recorder.AttemptFinished(method, "upstream_error", elapsed)
		return types.Outcome{}, utils.NewError(utils.ErrCodeUpstreamError, fmt.Sprintf("target answered %d", status)).
			WithContext("url", st.target.URL).WithContext("status", status).Build()
	}
	release(proxy.Outcome{Success: true, Latency: elapsed})

	if f.ExtractErr != nil {
		st.escalate = true
		c.recorder.AttemptFinished(method, "extraction_failed", elapsed)
		return types.Outcome{}, utils.NewError(utils.ErrCodeExtractionFailed, method+" extraction failed").
			WithCause(f.ExtractErr).WithContext("url", st.target.URL).Build()
	}
	c.recorder.AttemptFinished(method, "success", elapsed)
	return types.Outcome{Method: s.Kind().Method(), Data: Normalize(f.Data)}, nil
}

// egress picks the path for one attempt. When every remaining identity was
// excluded by earlier remediation, the exclusions are dropped once before
// the pool is declared exhausted.
func (c *Coordinator) egress(ctx context.Context, st *attemptState) (Egress, *proxy.Identity, error) {
	profile := c.fingerprints.For(st.fpKey)
	tlsConfig := profile.TLS
	if c.config.InsecureSkipVerify {
		tlsConfig = antidetect.WithInsecureSkipVerify(tlsConfig)
	}

	if c.proxies == nil || c.proxies.Size() == 0 {
		if err := c.direct.Wait(ctx); err != nil {
			return Egress{}, nil, err
		}
		return Egress{Client: c.directClient(profile.Name, tlsConfig), Profile: profile}, nil, nil
	}

	criteria := proxy.Criteria{Geo: st.geo, SessionID: st.target.Session, Exclude: st.exclude}
	ident, err := c.proxies.Acquire(criteria)
	if err != nil && (len(st.exclude) > 0 || st.geo != st.target.Geo) {
		st.exclude = nil
		st.geo = st.target.Geo
		ident, err = c.proxies.Acquire(proxy.Criteria{Geo: st.geo, SessionID: st.target.Session})
	}
	if err != nil {
		c.logger.WithField("url", st.target.URL).Warnf("proxy acquisition failed: %v", err)
		return Egress{}, nil, err
	}
	if err := ident.Wait(ctx); err != nil {
		return Egress{}, nil, err
	}
	client, err := ident.Client(profile.Name, tlsConfig, c.config.DialTimeout)
	if err != nil {
		_ = c.proxies.Release(ident.ID, proxy.Outcome{Success: false, SessionID: st.target.Session})
		st.exclude = appendUnique(st.exclude, ident.ID)
		return Egress{}, nil, utils.NewError(utils.ErrCodeProxyFailed, "build proxy client").
			WithCause(err).WithContext("proxy", ident.ID).Build()
	}
	return Egress{Client: client, Profile: profile, Proxy: ident}, ident, nil
}

func (c *Coordinator) directClient(profile string, tlsConfig *tls.Config) *http.Client {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	if cl, ok := c.directClients[profile]; ok {
		return cl
	}
	cl := &http.Client{Transport: proxy.DirectTransport(tlsConfig, c.config.DialTimeout)}
	c.directClients[profile] = cl
	return cl
}

// Close drops idle direct connections.
func (c *Coordinator) Close() {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	for _, cl := range c.directClients {
		cl.CloseIdleConnections()
	}
}

type cachedOutcome struct {
	Method types.Method           `json:"method"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

func encodeOutcome(out types.Outcome) ([]byte, error) {
	return json.Marshal(cachedOutcome{Method: out.Method, Data: out.Data})
}

func decodeOutcome(raw []byte) (types.Outcome, error) {
	var co cachedOutcome
	if err := json.Unmarshal(raw, &co); err != nil {
		return types.Outcome{}, err
	}
	return types.Outcome{Method: co.Method, Data: co.Data}, nil
}

func (c *Coordinator) store(key string, out types.Outcome) {
	if c.cache == nil {
		return
	}
	raw, err := encodeOutcome(out)
	if err != nil {
		c.logger.WithField("key", key).Warnf("result not cached: %v", err)
		return
	}
	c.cache.Set(key, raw, c.config.CacheTTL)
}

func blockingError(v antidetect.Verdict, url string) error {
	code := utils.ErrCodeDetectionBlocked
	switch v.BlockType {
	case antidetect.BlockCaptcha:
		code = utils.ErrCodeCaptcha
	case antidetect.BlockRateLimit:
		code = utils.ErrCodeRateLimited
	}
	return utils.NewError(code, fmt.Sprintf("blocked: %s (%.2f)", v.BlockType, v.Confidence)).
		WithContext("url", url).
		WithContext("blockType", string(v.BlockType)).
		Build()
}

func fingerprintKey(target types.Target) string {
	if target.Session != "" {
		return "session:" + target.Session
	}
	if host, err := utils.ExtractDomain(target.URL); err == nil && host != "" {
		return "host:" + host
	}
	return target.URL
}

func indexOf(kinds []Kind, k Kind) int {
	for i := range kinds {
		if kinds[i] == k {
			return i
		}
	}
	return -1
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
