// pkg/api/runtime.go
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/browser"
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/config"
	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/internal/monitoring"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/scraper"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

var runtimeLogger = utils.NewComponentLogger("runtime")

// Version is reported by the health endpoint and the CLI.
var Version = "dev"

// Runtime wires the engine, coordinator, proxy pool, detector and cache
// from one configuration. It is safe for concurrent use.
type Runtime struct {
	config      *config.Config
	engine      *engine.Engine
	coordinator *scraper.Coordinator
	proxies     *proxy.Manager
	prober      *proxy.Prober
	cache       *cache.Cache
	renderer    *browser.ChromeRenderer
	metrics     *monitoring.MetricsManager
	health      *monitoring.HealthManager
	events      *broadcaster

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts a runtime. Background loops (prober, health checks,
// adaptive concurrency) run until Shutdown.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		config:  cfg,
		cancel:  cancel,
		metrics: monitoring.NewMetricsManager(monitoring.MetricsConfig{}),
		health:  monitoring.NewHealthManager(monitoring.HealthConfig{}, Version),
	}
	if err := r.build(ctx); err != nil {
		r.release()
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.config

	pm, err := proxy.NewManager(cfg.Endpoints(), cfg.ProxyConfig(),
		proxy.WithHealthHook(r.metrics.ProxyHealthHook()))
	if err != nil {
		return fmt.Errorf("proxy pool: %w", err)
	}
	r.proxies = pm
	r.metrics.RegisterPoolStats(pm.Stats)
	r.health.RegisterCheck(monitoring.ProxyPoolCheck(pm.Stats))

	coordCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		return err
	}
	strategies, err := r.strategies()
	if err != nil {
		return err
	}

	// The cache loader calls back into the coordinator, which needs the
	// cache; the closure breaks the cycle.
	var coord *scraper.Coordinator
	cacheOpts := []cache.Option{
		cache.WithLoader(func(ctx context.Context, key string) ([]byte, time.Duration, error) {
			return coord.Load(ctx, key)
		}),
	}
	if cfg.Cache.Redis.Addr != "" {
		tier, err := cache.NewRedisTier(ctx, cfg.Cache.Redis)
		if err != nil {
			return err
		}
		cacheOpts = append(cacheOpts, cache.WithTier(tier))
		r.health.RegisterCheck(monitoring.PingCheck("redis", false, tier.Ping))
	}
	rc, err := cache.New(cfg.CacheConfig(), cacheOpts...)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	r.cache = rc
	r.metrics.RegisterCacheStats(rc.Stats)

	coord, err = scraper.New(coordCfg, strategies,
		scraper.WithProxies(pm),
		scraper.WithCache(rc),
		scraper.WithDetector(antidetect.NewDetector(cfg.DetectorConfig())),
		scraper.WithHistory(antidetect.NewHistoryWithConfig(cfg.HistoryConfig())),
		scraper.WithRecorder(r.metrics),
	)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	r.coordinator = coord

	eng, err := engine.New(cfg.EngineConfig(), coord, engine.WithMetrics(r.metrics))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	r.engine = eng
	r.events = newBroadcaster(eng.Events())

	if pm.Size() > 0 {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Proxy.InsecureSkipVerify}
		probe := proxy.HTTPProbe(cfg.Proxy.ProbeURL, tlsConfig, coordCfg.DialTimeout)
		r.prober = proxy.NewProber(pm, cfg.ProberConfig(), probe)
		r.prober.Start(ctx)
	}

	if high := cfg.EngineConfig().MemoryHighWater; high > 0 {
		r.health.RegisterCheck(monitoring.MemoryHealthCheck(high))
	}
	r.health.Start(ctx)

	runtimeLogger.Infof("runtime started: %d proxies, strategies %v", pm.Size(), cfg.Strategies.Order)
	return nil
}

// strategies builds the configured rungs. The api rung needs an endpoint
// template and the browser rung needs to be enabled.
func (r *Runtime) strategies() ([]scraper.Strategy, error) {
	sc := r.config.Strategies
	var out []scraper.Strategy
	if sc.API.EndpointTemplate != "" {
		out = append(out, scraper.NewAPIStrategy(sc.API))
	}
	out = append(out, scraper.NewStaticStrategy(scraper.StaticConfig{Fields: sc.Static.Fields}))
	if sc.Browser.Enabled {
		renderer, err := browser.NewChromeRenderer(r.config.BrowserConfig())
		if err != nil {
			return nil, fmt.Errorf("browser: %w", err)
		}
		r.renderer = renderer
		out = append(out, scraper.NewBrowserStrategy(renderer, sc.Browser.WaitSelector, sc.Static.Fields))
	}
	return out, nil
}

// Submit runs a batch and returns one result per input, in input order.
func (r *Runtime) Submit(ctx context.Context, tasks []types.TaskInput) ([]types.Result, error) {
	return r.engine.Submit(ctx, tasks)
}

// ProxyPoolStats returns pool totals.
func (r *Runtime) ProxyPoolStats() proxy.PoolStats {
	return r.proxies.Stats()
}

// ProxySnapshots returns per-identity statistics.
func (r *Runtime) ProxySnapshots() []proxy.Snapshot {
	return r.proxies.Snapshots()
}

// CacheStats returns the cache counters.
func (r *Runtime) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// FailureStats returns failure counts by category.
func (r *Runtime) FailureStats() engine.FailureStats {
	return r.engine.FailureStats()
}

// BlockingHistory returns per-URL-pattern verdict counts.
func (r *Runtime) BlockingHistory() []antidetect.PatternStats {
	return r.coordinator.History().Snapshot()
}

// Workers returns worker snapshots.
func (r *Runtime) Workers() []engine.WorkerSlot {
	return r.engine.Workers()
}

// Events subscribes to status events until ctx is done or the runtime shuts
// down. A slow subscriber loses events instead of stalling others.
func (r *Runtime) Events(ctx context.Context) <-chan engine.Event {
	return r.events.subscribe(ctx, 256)
}

// Metrics exposes the Prometheus collectors.
func (r *Runtime) Metrics() *monitoring.MetricsManager {
	return r.metrics
}

// Health exposes the health checks.
func (r *Runtime) Health() *monitoring.HealthManager {
	return r.health
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config {
	return r.config
}

// Shutdown drains running batches (or cancels them when ctx expires) and
// releases every resource. Later calls return the first result.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		var errs []error
		if r.engine != nil {
			if err := r.engine.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if r.events != nil {
			r.events.wait()
		}
		r.cancel()
		if err := r.release(); err != nil {
			errs = append(errs, err)
		}
		r.shutdownErr = errors.Join(errs...)
		runtimeLogger.Info("runtime stopped")
	})
	return r.shutdownErr
}

// release stops everything except the engine.
func (r *Runtime) release() error {
	var errs []error
	r.health.Stop()
	if r.prober != nil {
		r.prober.Stop()
	}
	if r.coordinator != nil {
		r.coordinator.Close()
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if r.renderer != nil {
		if err := r.renderer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser: %w", err))
		}
	}
	return errors.Join(errs...)
}
