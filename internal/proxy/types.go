// internal/proxy/types.go
package proxy

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProxyType represents the type of proxy
type ProxyType string

const (
	ProxyTypeHTTP   ProxyType = "http"
	ProxyTypeHTTPS  ProxyType = "https"
	ProxyTypeSOCKS5 ProxyType = "socks5"
)

// Default values for the health model and selection.
const (
	DefaultAlpha               = 0.3
	DefaultQuarantineThreshold = 0.3
	DefaultMinHealth           = 0.3
	DefaultRehabHealth         = 0.5
	DefaultCooldown            = 30 * time.Minute
	DefaultTopK                = 5
	DefaultSessionTTL          = 10 * time.Minute
	DefaultLatencyCeiling      = 5 * time.Second
	DefaultRecencyWindow       = time.Minute
	DefaultProbeInterval       = 2 * time.Minute
	DefaultProbeChunkSize      = 10
	DefaultProbeTimeout        = 10 * time.Second
	DefaultProbeURL            = "https://www.gstatic.com/generate_204"
)

// Endpoint describes one configured egress identity.
type Endpoint struct {
	ID       string `yaml:"id" json:"id" mapstructure:"id"`
	URL      string `yaml:"url" json:"url" mapstructure:"url"`
	Geo      string `yaml:"geo" json:"geo" mapstructure:"geo"`
	Provider string `yaml:"provider" json:"provider" mapstructure:"provider"`
}

// Config controls selection, health and quarantine behaviour.
type Config struct {
	MinHealth           float64
	QuarantineThreshold float64
	RehabHealth         float64
	Alpha               float64
	Cooldown            time.Duration
	TopK                int
	SessionTTL          time.Duration
	LatencyCeiling      time.Duration
	RecencyWindow       time.Duration

	// Politeness limit per identity; zero disables it.
	RequestsPerSecond float64
	Burst             int

	DialTimeout        time.Duration
	InsecureSkipVerify bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MinHealth:           DefaultMinHealth,
		QuarantineThreshold: DefaultQuarantineThreshold,
		RehabHealth:         DefaultRehabHealth,
		Alpha:               DefaultAlpha,
		Cooldown:            DefaultCooldown,
		TopK:                DefaultTopK,
		SessionTTL:          DefaultSessionTTL,
		LatencyCeiling:      DefaultLatencyCeiling,
		RecencyWindow:       DefaultRecencyWindow,
		DialTimeout:         15 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinHealth <= 0 {
		c.MinHealth = d.MinHealth
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = d.QuarantineThreshold
	}
	if c.RehabHealth <= 0 {
		c.RehabHealth = d.RehabHealth
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = d.LatencyCeiling
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = d.RecencyWindow
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
}

// Criteria narrows selection in Acquire.
type Criteria struct {
	Geo       string
	Provider  string
	SessionID string
	// Exclude lists identity ids that must not be returned.
	Exclude []string
}

// Outcome is reported back through Release after an identity was used.
type Outcome struct {
	Success   bool
	Blocked   bool
	Latency   time.Duration
	SessionID string
}

// Identity is one egress path. All mutable fields are guarded by mu, so
// health updates for one identity are serialized without touching others.
type Identity struct {
	ID       string
	Geo      string
	Provider string
	Type     ProxyType
	URL      *url.URL

	mu           sync.Mutex
	health       float64
	successCount int64
	failureCount int64
	avgLatency   time.Duration
	lastUsed     time.Time
	blockedUntil time.Time

	limiter *rate.Limiter

	tmu        sync.Mutex
	transports map[string]*http.Transport
}

// Snapshot is a point-in-time copy of an identity's statistics.
type Snapshot struct {
	ID           string        `json:"id"`
	Endpoint     string        `json:"endpoint"`
	Geo          string        `json:"geo,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	HealthScore  float64       `json:"healthScore"`
	SuccessCount int64         `json:"successCount"`
	FailureCount int64         `json:"failureCount"`
	AvgLatency   time.Duration `json:"avgLatency"`
	LastUsed     time.Time     `json:"lastUsed"`
	BlockedUntil *time.Time    `json:"blockedUntil,omitempty"`
}

// Quarantined reports whether the snapshot was taken while quarantined.
func (s Snapshot) Quarantined() bool {
	return s.BlockedUntil != nil
}

// PoolStats summarises the pool.
type PoolStats struct {
	Total       int            `json:"total"`
	Healthy     int            `json:"healthy"`
	Quarantined int            `json:"quarantined"`
	ByGeo       map[string]int `json:"byGeo"`
}

// HealthHook is notified after every health change.
type HealthHook func(id string, health float64, quarantined bool)
