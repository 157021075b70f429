// internal/config/types.go

// Package config provides configuration types and loading for marketrunner.
// It covers the execution engine, the proxy pool, the blocking detector, the
// predictive cache, the strategy ladder and the result sinks.
package config

import (
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/output"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/scraper"
)

// Config is the runtime configuration. Durations are expressed in
// milliseconds to keep the file format language-neutral.
type Config struct {
	MaxWorkers              int     `yaml:"maxWorkers" json:"maxWorkers" mapstructure:"maxWorkers"`
	MaxConcurrencyPerWorker int     `yaml:"maxConcurrencyPerWorker" json:"maxConcurrencyPerWorker" mapstructure:"maxConcurrencyPerWorker"`
	TaskTimeoutMs           int64   `yaml:"taskTimeoutMs" json:"taskTimeoutMs" mapstructure:"taskTimeoutMs"`
	MaxRetries              int     `yaml:"maxRetries" json:"maxRetries" mapstructure:"maxRetries"`
	CacheTTLMs              int64   `yaml:"cacheTTLMs" json:"cacheTTLMs" mapstructure:"cacheTTLMs"`
	CacheMaxEntries         int     `yaml:"cacheMaxEntries" json:"cacheMaxEntries" mapstructure:"cacheMaxEntries"`
	ProxyMinHealth          float64 `yaml:"proxyMinHealth" json:"proxyMinHealth" mapstructure:"proxyMinHealth"`
	ProxyCooldownMs         int64   `yaml:"proxyCooldownMs" json:"proxyCooldownMs" mapstructure:"proxyCooldownMs"`
	AdaptiveConcurrency     bool    `yaml:"adaptiveConcurrency" json:"adaptiveConcurrency" mapstructure:"adaptiveConcurrency"`

	Proxies    []proxy.Endpoint `yaml:"proxies,omitempty" json:"proxies,omitempty" mapstructure:"proxies"`
	Proxy      ProxyConfig      `yaml:"proxy" json:"proxy" mapstructure:"proxy"`
	Cache      CacheConfig      `yaml:"cache" json:"cache" mapstructure:"cache"`
	Detector   DetectorConfig   `yaml:"detector" json:"detector" mapstructure:"detector"`
	Strategies StrategiesConfig `yaml:"strategies" json:"strategies" mapstructure:"strategies"`
	Resources  ResourcesConfig  `yaml:"resources" json:"resources" mapstructure:"resources"`
	Output     output.Config    `yaml:"output" json:"output" mapstructure:"output"`
	Server     ServerConfig     `yaml:"server" json:"server" mapstructure:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// ProxyConfig tunes the pool beyond the core health options.
type ProxyConfig struct {
	ProbeURL           string  `yaml:"probeUrl" json:"probeUrl" mapstructure:"probeUrl"`
	ProbeIntervalMs    int64   `yaml:"probeIntervalMs" json:"probeIntervalMs" mapstructure:"probeIntervalMs"`
	ProbeChunkSize     int     `yaml:"probeChunkSize" json:"probeChunkSize" mapstructure:"probeChunkSize"`
	SessionTTLMs       int64   `yaml:"sessionTtlMs" json:"sessionTtlMs" mapstructure:"sessionTtlMs"`
	RequestsPerSecond  float64 `yaml:"requestsPerSecond" json:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	Burst              int     `yaml:"burst" json:"burst" mapstructure:"burst"`
	TopK               int     `yaml:"topK" json:"topK" mapstructure:"topK"`
	InsecureSkipVerify bool    `yaml:"insecureSkipVerify" json:"insecureSkipVerify" mapstructure:"insecureSkipVerify"`
}

// CacheConfig tunes the predictive cache. Redis is optional; an empty
// address disables the shared tier.
type CacheConfig struct {
	Shards                 int               `yaml:"shards" json:"shards" mapstructure:"shards"`
	CompressThresholdBytes int               `yaml:"compressThresholdBytes" json:"compressThresholdBytes" mapstructure:"compressThresholdBytes"`
	SweepIntervalMs        int64             `yaml:"sweepIntervalMs" json:"sweepIntervalMs" mapstructure:"sweepIntervalMs"`
	PrefetchBatch          int               `yaml:"prefetchBatch" json:"prefetchBatch" mapstructure:"prefetchBatch"`
	PrefetchTimeoutMs      int64             `yaml:"prefetchTimeoutMs" json:"prefetchTimeoutMs" mapstructure:"prefetchTimeoutMs"`
	Redis                  cache.RedisConfig `yaml:"redis" json:"redis" mapstructure:"redis"`
}

// DetectorConfig tunes the blocking detector.
type DetectorConfig struct {
	MinBodyBytes    int      `yaml:"minBodyBytes" json:"minBodyBytes" mapstructure:"minBodyBytes"`
	FastResponseMs  int64    `yaml:"fastResponseMs" json:"fastResponseMs" mapstructure:"fastResponseMs"`
	SlowResponseMs  int64    `yaml:"slowResponseMs" json:"slowResponseMs" mapstructure:"slowResponseMs"`
	ExpectedMarkers []string `yaml:"expectedMarkers,omitempty" json:"expectedMarkers,omitempty" mapstructure:"expectedMarkers"`

	// HistoryWindowMs is how long verdicts count toward the per-pattern history.
	HistoryWindowMs    int64 `yaml:"historyWindowMs" json:"historyWindowMs" mapstructure:"historyWindowMs"`
	HistoryMaxPatterns int   `yaml:"historyMaxPatterns" json:"historyMaxPatterns" mapstructure:"historyMaxPatterns"`
}

// StrategiesConfig describes the extraction ladder.
type StrategiesConfig struct {
	Order               []string          `yaml:"order" json:"order" mapstructure:"order"`
	AttemptsPerStrategy int               `yaml:"attemptsPerStrategy" json:"attemptsPerStrategy" mapstructure:"attemptsPerStrategy"`
	API                 scraper.APIConfig `yaml:"api" json:"api" mapstructure:"api"`
	Static              StaticConfig      `yaml:"static" json:"static" mapstructure:"static"`
	Browser             BrowserConfig     `yaml:"browser" json:"browser" mapstructure:"browser"`
	DirectRateLimit     DirectRateLimit   `yaml:"directRateLimit" json:"directRateLimit" mapstructure:"directRateLimit"`
}

// StaticConfig lists the fields the HTML rungs extract.
type StaticConfig struct {
	Fields []scraper.FieldConfig `yaml:"fields,omitempty" json:"fields,omitempty" mapstructure:"fields"`
}

// BrowserConfig controls the headless browser rung.
type BrowserConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Headless     bool   `yaml:"headless" json:"headless" mapstructure:"headless"`
	WaitSelector string `yaml:"waitSelector,omitempty" json:"waitSelector,omitempty" mapstructure:"waitSelector"`
	TimeoutMs    int64  `yaml:"timeoutMs" json:"timeoutMs" mapstructure:"timeoutMs"`
	ChromePath   string `yaml:"chromePath,omitempty" json:"chromePath,omitempty" mapstructure:"chromePath"`
}

// DirectRateLimit paces requests made without a proxy.
type DirectRateLimit struct {
	BaseIntervalMs int64 `yaml:"baseIntervalMs" json:"baseIntervalMs" mapstructure:"baseIntervalMs"`
	MaxIntervalMs  int64 `yaml:"maxIntervalMs" json:"maxIntervalMs" mapstructure:"maxIntervalMs"`
}

// ResourcesConfig drives adaptive concurrency.
type ResourcesConfig struct {
	MonitorIntervalMs     int64   `yaml:"monitorIntervalMs" json:"monitorIntervalMs" mapstructure:"monitorIntervalMs"`
	MemoryHighWaterMb     uint64  `yaml:"memoryHighWaterMb" json:"memoryHighWaterMb" mapstructure:"memoryHighWaterMb"`
	MemoryLowWaterMb      uint64  `yaml:"memoryLowWaterMb" json:"memoryLowWaterMb" mapstructure:"memoryLowWaterMb"`
	CPUHighWater          float64 `yaml:"cpuHighWater" json:"cpuHighWater" mapstructure:"cpuHighWater"`
	CPULowWater           float64 `yaml:"cpuLowWater" json:"cpuLowWater" mapstructure:"cpuLowWater"`
	MaxConcurrencyCeiling int     `yaml:"maxConcurrencyCeiling" json:"maxConcurrencyCeiling" mapstructure:"maxConcurrencyCeiling"`
	LowLatencyMs          int64   `yaml:"lowLatencyMs" json:"lowLatencyMs" mapstructure:"lowLatencyMs"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Addr              string  `yaml:"addr" json:"addr" mapstructure:"addr"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst" mapstructure:"burst"`
	MaxBatch          int     `yaml:"maxBatch" json:"maxBatch" mapstructure:"maxBatch"`
	// AllowPrivateTargets lets API clients submit loopback and private
	// addresses.
	AllowPrivateTargets bool     `yaml:"allowPrivateTargets" json:"allowPrivateTargets" mapstructure:"allowPrivateTargets"`
	BlockedDomains      []string `yaml:"blockedDomains,omitempty" json:"blockedDomains,omitempty" mapstructure:"blockedDomains"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
}
