// internal/config/validation.go - validation with detailed error messages
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/valpere/marketrunner/internal/scraper"
	"github.com/valpere/marketrunner/internal/utils"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (ve ValidationError) Error() string {
	if ve.Value != "" {
		return fmt.Sprintf("%s: %s (value: %s)", ve.Field, ve.Message, ve.Value)
	}
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// ValidationErrors is returned by Validate when at least one setting is
// invalid.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for i, e := range ve {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, e.Error())
	}
	return b.String()
}

// ValidationResult holds errors and non-fatal warnings.
type ValidationResult struct {
	Valid    bool             `json:"valid"`
	Errors   ValidationErrors `json:"errors"`
	Warnings []string         `json:"warnings"`
}

func (r *ValidationResult) fail(field, value, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate returns ValidationErrors when the configuration is unusable.
func (c *Config) Validate() error {
	result := c.ValidateWithDetails()
	if !result.Valid {
		return result.Errors
	}
	return nil
}

// ValidateWithDetails runs every check and also collects warnings.
func (c *Config) ValidateWithDetails() *ValidationResult {
	result := &ValidationResult{}

	c.validateCore(result)
	c.validateProxies(result)
	c.validateCache(result)
	c.validateDetector(result)
	c.validateStrategies(result)
	c.validateResources(result)
	c.validateOutput(result)
	c.validateServer(result)
	c.validateLogging(result)

	result.Valid = len(result.Errors) == 0
	return result
}

func (c *Config) validateCore(r *ValidationResult) {
	if c.MaxWorkers < 1 {
		r.fail("maxWorkers", fmt.Sprint(c.MaxWorkers), "must be at least 1")
	}
	if c.MaxConcurrencyPerWorker < 1 {
		r.fail("maxConcurrencyPerWorker", fmt.Sprint(c.MaxConcurrencyPerWorker), "must be at least 1")
	}
	if c.TaskTimeoutMs <= 0 {
		r.fail("taskTimeoutMs", fmt.Sprint(c.TaskTimeoutMs), "must be positive")
	}
	if c.MaxRetries < 0 {
		r.fail("maxRetries", fmt.Sprint(c.MaxRetries), "cannot be negative")
	}
	if c.CacheTTLMs <= 0 {
		r.fail("cacheTTLMs", fmt.Sprint(c.CacheTTLMs), "must be positive")
	}
	if c.CacheMaxEntries < 1 {
		r.fail("cacheMaxEntries", fmt.Sprint(c.CacheMaxEntries), "must be at least 1")
	}
	if c.ProxyMinHealth < 0 || c.ProxyMinHealth > 1 {
		r.fail("proxyMinHealth", fmt.Sprint(c.ProxyMinHealth), "must be within [0, 1]")
	}
	if c.ProxyCooldownMs < 0 {
		r.fail("proxyCooldownMs", fmt.Sprint(c.ProxyCooldownMs), "cannot be negative")
	}
}

func (c *Config) validateProxies(r *ValidationResult) {
	seenIDs := make(map[string]bool)
	seenURLs := make(map[string]bool)
	for i, ep := range c.Proxies {
		prefix := fmt.Sprintf("proxies[%d]", i)
		u, err := url.Parse(strings.TrimSpace(ep.URL))
		switch {
		case ep.URL == "":
			r.fail(prefix+".url", "", "proxy URL is required")
		case err != nil:
			r.fail(prefix+".url", utils.RedactURL(ep.URL), "invalid URL: %v", err)
		case u.Host == "":
			r.fail(prefix+".url", utils.RedactURL(ep.URL), "URL must include host and port")
		case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5":
			r.fail(prefix+".url", utils.RedactURL(ep.URL), "unsupported scheme %q (http, https or socks5)", u.Scheme)
		}
		if seenURLs[ep.URL] && ep.URL != "" {
			r.fail(prefix+".url", utils.RedactURL(ep.URL), "duplicate proxy URL")
		}
		seenURLs[ep.URL] = true
		if ep.ID != "" {
			if seenIDs[ep.ID] {
				r.fail(prefix+".id", ep.ID, "duplicate proxy id")
			}
			seenIDs[ep.ID] = true
		}
		if ep.Geo == "" {
			r.warn("%s has no geo; geo-targeted tasks will never select it", prefix)
		}
	}

	p := c.Proxy
	if p.ProbeURL != "" {
		if u, err := url.Parse(p.ProbeURL); err != nil || u.Host == "" {
			r.fail("proxy.probeUrl", p.ProbeURL, "must be an absolute URL")
		}
	}
	if p.ProbeIntervalMs < 0 {
		r.fail("proxy.probeIntervalMs", fmt.Sprint(p.ProbeIntervalMs), "cannot be negative")
	}
	if p.ProbeChunkSize < 0 {
		r.fail("proxy.probeChunkSize", fmt.Sprint(p.ProbeChunkSize), "cannot be negative")
	}
	if p.RequestsPerSecond < 0 {
		r.fail("proxy.requestsPerSecond", fmt.Sprint(p.RequestsPerSecond), "cannot be negative")
	}
	if p.RequestsPerSecond > 0 && p.Burst < 1 {
		r.fail("proxy.burst", fmt.Sprint(p.Burst), "must be at least 1 when requestsPerSecond is set")
	}
	if p.TopK < 0 {
		r.fail("proxy.topK", fmt.Sprint(p.TopK), "cannot be negative")
	}
	if p.InsecureSkipVerify {
		r.warn("proxy.insecureSkipVerify disables certificate checks on every request")
	}
}

func (c *Config) validateCache(r *ValidationResult) {
	if c.Cache.Shards < 0 {
		r.fail("cache.shards", fmt.Sprint(c.Cache.Shards), "cannot be negative")
	}
	if c.Cache.Shards > c.CacheMaxEntries && c.CacheMaxEntries > 0 {
		r.warn("cache.shards (%d) exceeds cacheMaxEntries (%d) and will be reduced", c.Cache.Shards, c.CacheMaxEntries)
	}
	if c.Cache.CompressThresholdBytes < 0 {
		r.warn("cache compression is disabled (compressThresholdBytes < 0)")
	}
	if c.Cache.PrefetchBatch < 0 {
		r.fail("cache.prefetchBatch", fmt.Sprint(c.Cache.PrefetchBatch), "cannot be negative")
	}
	if c.Cache.Redis.DB < 0 {
		r.fail("cache.redis.db", fmt.Sprint(c.Cache.Redis.DB), "cannot be negative")
	}
}

func (c *Config) validateDetector(r *ValidationResult) {
	d := c.Detector
	if d.HistoryWindowMs < 0 {
		r.fail("detector.historyWindowMs", fmt.Sprint(d.HistoryWindowMs), "cannot be negative")
	}
	if d.HistoryMaxPatterns < 0 {
		r.fail("detector.historyMaxPatterns", fmt.Sprint(d.HistoryMaxPatterns), "cannot be negative")
	}
	if d.MinBodyBytes < 0 {
		r.fail("detector.minBodyBytes", fmt.Sprint(d.MinBodyBytes), "cannot be negative")
	}
	if d.FastResponseMs > 0 && d.SlowResponseMs > 0 && d.SlowResponseMs <= d.FastResponseMs {
		r.fail("detector.slowResponseMs", fmt.Sprint(d.SlowResponseMs), "must be greater than fastResponseMs (%d)", d.FastResponseMs)
	}
}

func (c *Config) validateStrategies(r *ValidationResult) {
	s := c.Strategies
	order, err := scraper.ParseOrder(s.Order)
	if err != nil {
		r.fail("strategies.order", strings.Join(s.Order, ","), "%v", err)
	}
	if s.AttemptsPerStrategy < 1 {
		r.fail("strategies.attemptsPerStrategy", fmt.Sprint(s.AttemptsPerStrategy), "must be at least 1")
	}

	for _, k := range order {
		switch k {
		case scraper.KindAPI:
			if s.API.EndpointTemplate == "" {
				r.warn("the api rung has no endpointTemplate and will be skipped")
			}
		case scraper.KindBrowser:
			if !s.Browser.Enabled {
				r.warn("the browser rung is listed but strategies.browser.enabled is false")
			}
		}
	}
	if s.API.EndpointTemplate != "" && !strings.Contains(s.API.EndpointTemplate, "{") {
		r.warn("strategies.api.endpointTemplate has no placeholders; every page maps to the same endpoint")
	}

	names := make(map[string]bool)
	for i, f := range s.Static.Fields {
		prefix := fmt.Sprintf("strategies.static.fields[%d]", i)
		if err := f.Validate(); err != nil {
			r.fail(prefix, f.Name, "%v", err)
			continue
		}
		if names[f.Name] {
			r.fail(prefix+".name", f.Name, "duplicate field name")
		}
		names[f.Name] = true
		if _, err := cascadia.Compile(f.Selector); err != nil {
			r.fail(prefix+".selector", f.Selector, "invalid CSS selector: %v", err)
		}
	}
	if s.Browser.WaitSelector != "" {
		if _, err := cascadia.Compile(s.Browser.WaitSelector); err != nil {
			r.fail("strategies.browser.waitSelector", s.Browser.WaitSelector, "invalid CSS selector: %v", err)
		}
	}
	if s.Browser.TimeoutMs < 0 {
		r.fail("strategies.browser.timeoutMs", fmt.Sprint(s.Browser.TimeoutMs), "cannot be negative")
	}
	rl := s.DirectRateLimit
	if rl.BaseIntervalMs < 0 || rl.MaxIntervalMs < 0 {
		r.fail("strategies.directRateLimit", "", "intervals cannot be negative")
	} else if rl.MaxIntervalMs > 0 && rl.MaxIntervalMs < rl.BaseIntervalMs {
		r.fail("strategies.directRateLimit.maxIntervalMs", fmt.Sprint(rl.MaxIntervalMs), "must not be below baseIntervalMs (%d)", rl.BaseIntervalMs)
	}
}

func (c *Config) validateResources(r *ValidationResult) {
	res := c.Resources
	if res.MemoryHighWaterMb > 0 && res.MemoryLowWaterMb >= res.MemoryHighWaterMb {
		r.fail("resources.memoryLowWaterMb", fmt.Sprint(res.MemoryLowWaterMb), "must be below memoryHighWaterMb (%d)", res.MemoryHighWaterMb)
	}
	if res.CPULowWater < 0 || res.CPULowWater > 1 {
		r.fail("resources.cpuLowWater", fmt.Sprint(res.CPULowWater), "must be within [0, 1]")
	}
	if res.CPUHighWater < 0 || res.CPUHighWater > 1 {
		r.fail("resources.cpuHighWater", fmt.Sprint(res.CPUHighWater), "must be within [0, 1]")
	} else if res.CPUHighWater > 0 && res.CPULowWater >= res.CPUHighWater {
		r.fail("resources.cpuLowWater", fmt.Sprint(res.CPULowWater), "must be below cpuHighWater (%v)", res.CPUHighWater)
	}
	if res.MaxConcurrencyCeiling > 0 && res.MaxConcurrencyCeiling < c.MaxConcurrencyPerWorker {
		r.fail("resources.maxConcurrencyCeiling", fmt.Sprint(res.MaxConcurrencyCeiling), "must not be below maxConcurrencyPerWorker (%d)", c.MaxConcurrencyPerWorker)
	}
	if res.MonitorIntervalMs < 0 {
		r.fail("resources.monitorIntervalMs", fmt.Sprint(res.MonitorIntervalMs), "cannot be negative")
	}
}

func (c *Config) validateOutput(r *ValidationResult) {
	if err := c.Output.Validate(); err != nil {
		r.fail("output", c.Output.Format, "%v", err)
		return
	}
	if c.Output.File == "" && c.Output.WritesToStdout() {
		r.warn("no output file specified, results will be written to stdout")
	}
}

func (c *Config) validateServer(r *ValidationResult) {
	if c.Server.RequestsPerSecond < 0 {
		r.fail("server.requestsPerSecond", fmt.Sprint(c.Server.RequestsPerSecond), "cannot be negative")
	}
	if c.Server.MaxBatch < 0 {
		r.fail("server.maxBatch", fmt.Sprint(c.Server.MaxBatch), "cannot be negative")
	}
	if c.Server.AllowPrivateTargets {
		r.warn("server.allowPrivateTargets is set, API clients can reach internal addresses")
	}
}

func (c *Config) validateLogging(r *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		r.fail("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		r.fail("logging.format", c.Logging.Format, "must be json or console")
	}
}
