// internal/config/convert.go
package config

import (
	"fmt"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/browser"
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/scraper"
)

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// EngineConfig maps the core and resources sections onto the engine.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxWorkers:              c.MaxWorkers,
		MaxConcurrencyPerWorker: c.MaxConcurrencyPerWorker,
		MaxConcurrencyCeiling:   c.Resources.MaxConcurrencyCeiling,
		TaskTimeout:             ms(c.TaskTimeoutMs),
		MaxRetries:              c.MaxRetries,
		AdaptiveConcurrency:     c.AdaptiveConcurrency,
		MonitorInterval:         ms(c.Resources.MonitorIntervalMs),
		MemoryHighWater:         c.Resources.MemoryHighWaterMb << 20,
		MemoryLowWater:          c.Resources.MemoryLowWaterMb << 20,
		CPUHighWater:            c.Resources.CPUHighWater,
		CPULowWater:             c.Resources.CPULowWater,
		LowLatency:              ms(c.Resources.LowLatencyMs),
	}
}

// ProxyConfig maps the pool settings onto the proxy manager.
func (c *Config) ProxyConfig() proxy.Config {
	pc := proxy.DefaultConfig()
	pc.MinHealth = c.ProxyMinHealth
	if c.ProxyCooldownMs > 0 {
		pc.Cooldown = ms(c.ProxyCooldownMs)
	}
	if c.Proxy.SessionTTLMs > 0 {
		pc.SessionTTL = ms(c.Proxy.SessionTTLMs)
	}
	if c.Proxy.TopK > 0 {
		pc.TopK = c.Proxy.TopK
	}
	pc.RequestsPerSecond = c.Proxy.RequestsPerSecond
	pc.Burst = c.Proxy.Burst
	pc.InsecureSkipVerify = c.Proxy.InsecureSkipVerify
	return pc
}

// ProberConfig maps the probe settings.
func (c *Config) ProberConfig() proxy.ProberConfig {
	return proxy.ProberConfig{
		Interval:  ms(c.Proxy.ProbeIntervalMs),
		ChunkSize: c.Proxy.ProbeChunkSize,
	}
}

// Endpoints returns the configured proxies with generated ids where the
// file omits them.
func (c *Config) Endpoints() []proxy.Endpoint {
	out := make([]proxy.Endpoint, len(c.Proxies))
	for i, ep := range c.Proxies {
		if ep.ID == "" {
			geo := ep.Geo
			if geo == "" {
				geo = "any"
			}
			ep.ID = fmt.Sprintf("%s-%d", geo, i+1)
		}
		out[i] = ep
	}
	return out
}

// CacheConfig maps the cache settings.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		MaxEntries:        c.CacheMaxEntries,
		TTL:               ms(c.CacheTTLMs),
		Shards:            c.Cache.Shards,
		CompressThreshold: c.Cache.CompressThresholdBytes,
		SweepInterval:     ms(c.Cache.SweepIntervalMs),
		PrefetchBatch:     c.Cache.PrefetchBatch,
		PrefetchTimeout:   ms(c.Cache.PrefetchTimeoutMs),
	}
}

// DetectorConfig maps the detector settings; zero values keep the
// detector's defaults.
func (c *Config) DetectorConfig() antidetect.DetectorConfig {
	return antidetect.DetectorConfig{
		MinBodyBytes: c.Detector.MinBodyBytes,
		FastResponse: ms(c.Detector.FastResponseMs),
		SlowResponse: ms(c.Detector.SlowResponseMs),
	}
}

// HistoryConfig maps the blocking history bounds.
func (c *Config) HistoryConfig() antidetect.HistoryConfig {
	return antidetect.HistoryConfig{
		Window:      ms(c.Detector.HistoryWindowMs),
		MaxPatterns: c.Detector.HistoryMaxPatterns,
	}
}

// CoordinatorConfig maps the ladder settings onto the coordinator.
func (c *Config) CoordinatorConfig() (scraper.Config, error) {
	order, err := scraper.ParseOrder(c.Strategies.Order)
	if err != nil {
		return scraper.Config{}, err
	}
	sc := scraper.DefaultConfig()
	sc.Order = order
	if c.Strategies.AttemptsPerStrategy > 0 {
		sc.AttemptsPerStrategy = c.Strategies.AttemptsPerStrategy
	}
	sc.ExpectedMarkers = c.Detector.ExpectedMarkers
	sc.CacheTTL = ms(c.CacheTTLMs)
	sc.InsecureSkipVerify = c.Proxy.InsecureSkipVerify
	sc.DirectLimiter = scraper.RateLimiterConfig{
		BaseInterval: ms(c.Strategies.DirectRateLimit.BaseIntervalMs),
		MaxInterval:  ms(c.Strategies.DirectRateLimit.MaxIntervalMs),
	}
	return sc, nil
}

// BrowserConfig maps the browser rung settings onto the renderer.
func (c *Config) BrowserConfig() browser.Config {
	b := c.Strategies.Browser
	return browser.Config{
		Enabled:      b.Enabled,
		Headless:     b.Headless,
		ChromePath:   b.ChromePath,
		Timeout:      ms(b.TimeoutMs),
		WaitSelector: b.WaitSelector,
	}
}
