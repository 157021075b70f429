// internal/scraper/ratelimiter.go
package scraper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default configuration constants
const (
	DefaultBaseInterval        = 500 * time.Millisecond
	DefaultBurstSize           = 2
	DefaultMaxInterval         = 30 * time.Second
	DefaultAdaptationThreshold = time.Second
	DefaultErrorRateThreshold  = 0.1
	DefaultConsecutiveErrLimit = 3
	DefaultMinChangeThreshold  = 0.1
)

// Adaptation behavior constants
const (
	ErrorRateMultiplier = 3.0 // up to 4x slower at 100% blocked
	// Caps the slowdown caused by consecutive blocks.
	MaxConsecutiveMultiplier = 10.0
	// Only the most recent outcomes feed the error rate.
	outcomeWindow = 50
)

// RateLimiterConfig configures the adaptive limiter used for direct egress.
type RateLimiterConfig struct {
	BaseInterval        time.Duration `yaml:"baseInterval" json:"baseInterval" mapstructure:"baseInterval"`
	BurstSize           int           `yaml:"burstSize" json:"burstSize" mapstructure:"burstSize"`
	MaxInterval         time.Duration `yaml:"maxInterval" json:"maxInterval" mapstructure:"maxInterval"`
	AdaptationThreshold time.Duration `yaml:"adaptationThreshold" json:"adaptationThreshold" mapstructure:"adaptationThreshold"` // minimum time between adaptations
	ErrorRateThreshold  float64       `yaml:"errorRateThreshold" json:"errorRateThreshold" mapstructure:"errorRateThreshold"`
	ConsecutiveErrLimit int           `yaml:"consecutiveErrLimit" json:"consecutiveErrLimit" mapstructure:"consecutiveErrLimit"`
	MinChangeThreshold  float64       `yaml:"minChangeThreshold" json:"minChangeThreshold" mapstructure:"minChangeThreshold"`
}

func (c *RateLimiterConfig) applyDefaults() {
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = DefaultMaxInterval
		if c.MaxInterval < c.BaseInterval {
			c.MaxInterval = c.BaseInterval
		}
	}
	if c.AdaptationThreshold <= 0 {
		c.AdaptationThreshold = DefaultAdaptationThreshold
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if c.ConsecutiveErrLimit <= 0 {
		c.ConsecutiveErrLimit = DefaultConsecutiveErrLimit
	}
	if c.MinChangeThreshold <= 0 {
		c.MinChangeThreshold = DefaultMinChangeThreshold
	}
}

// AdaptiveRateLimiter paces requests that leave without a proxy. Blocked
// responses slow it down; successes let it recover towards the base rate.
type AdaptiveRateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time

	mu              sync.Mutex
	config          RateLimiterConfig
	outcomes        []bool // true = blocked, ring of outcomeWindow
	next            int
	filled          int
	consecutiveErrs int
	lastAdaptation  time.Time
	currentInterval time.Duration
}

// NewAdaptiveRateLimiter creates a limiter; zero fields take defaults.
func NewAdaptiveRateLimiter(config RateLimiterConfig) *AdaptiveRateLimiter {
	config.applyDefaults()
	return &AdaptiveRateLimiter{
		limiter:         rate.NewLimiter(rate.Every(config.BaseInterval), config.BurstSize),
		now:             time.Now,
		config:          config,
		outcomes:        make([]bool, outcomeWindow),
		currentInterval: config.BaseInterval,
	}
}

// Wait blocks until the limiter admits one request.
func (rl *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	rl.adapt()
	return rl.limiter.Wait(ctx)
}

// ReportSuccess records a response that was not blocked.
func (rl *AdaptiveRateLimiter) ReportSuccess() {
	rl.mu.Lock()
	rl.push(false)
	rl.consecutiveErrs = 0
	rl.mu.Unlock()
}

// ReportBlocked records a response the detector classified as blocked.
func (rl *AdaptiveRateLimiter) ReportBlocked() {
	rl.mu.Lock()
	rl.push(true)
	rl.consecutiveErrs++
	rl.mu.Unlock()
	rl.adapt()
}

func (rl *AdaptiveRateLimiter) push(blocked bool) {
	rl.outcomes[rl.next] = blocked
	rl.next = (rl.next + 1) % len(rl.outcomes)
	if rl.filled < len(rl.outcomes) {
		rl.filled++
	}
}

func (rl *AdaptiveRateLimiter) errorRate() float64 {
	if rl.filled == 0 {
		return 0
	}
	blocked := 0
	for i := 0; i < rl.filled; i++ {
		if rl.outcomes[i] {
			blocked++
		}
	}
	return float64(blocked) / float64(rl.filled)
}

// adapt recomputes the interval from the recent error rate and the
// current run of consecutive blocks.
func (rl *AdaptiveRateLimiter) adapt() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if !rl.lastAdaptation.IsZero() && now.Sub(rl.lastAdaptation) < rl.config.AdaptationThreshold {
		return
	}
	rl.lastAdaptation = now

	multiplier := 1.0
	if errorRate := rl.errorRate(); errorRate > rl.config.ErrorRateThreshold {
		multiplier = 1 + errorRate*ErrorRateMultiplier
	}
	if rl.consecutiveErrs > rl.config.ConsecutiveErrLimit {
		ratio := float64(rl.consecutiveErrs) / float64(rl.config.ConsecutiveErrLimit)
		multiplier *= math.Min(ratio, MaxConsecutiveMultiplier)
	}

	interval := time.Duration(float64(rl.config.BaseInterval) * multiplier)
	if interval > rl.config.MaxInterval {
		interval = rl.config.MaxInterval
	}
	change := math.Abs(float64(interval-rl.currentInterval)) / float64(rl.currentInterval)
	if change >= rl.config.MinChangeThreshold && interval != rl.currentInterval {
		rl.currentInterval = interval
		rl.limiter.SetLimit(rate.Every(interval))
	}
}

// CurrentInterval returns the interval currently enforced between requests.
func (rl *AdaptiveRateLimiter) CurrentInterval() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentInterval
}

// Reset restores the base rate and forgets all outcomes.
func (rl *AdaptiveRateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i := range rl.outcomes {
		rl.outcomes[i] = false
	}
	rl.next, rl.filled, rl.consecutiveErrs = 0, 0, 0
	rl.currentInterval = rl.config.BaseInterval
	rl.limiter.SetLimit(rate.Every(rl.config.BaseInterval))
}

// String returns a string representation of the rate limiter
func (rl *AdaptiveRateLimiter) String() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return fmt.Sprintf("AdaptiveRateLimiter(interval=%v, burst=%d, blocked=%.0f%%)",
		rl.currentInterval, rl.config.BurstSize, rl.errorRate()*100)
}
