// internal/browser/types.go
package browser

import (
	"context"
	"net/http"
	"time"
)

// Config defines browser rendering configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Headless       bool          `yaml:"headless" json:"headless" mapstructure:"headless"`
	ChromePath     string        `yaml:"chromePath,omitempty" json:"chromePath,omitempty" mapstructure:"chromePath"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	WaitSelector   string        `yaml:"waitSelector,omitempty" json:"waitSelector,omitempty" mapstructure:"waitSelector"`
	WaitDelay      time.Duration `yaml:"waitDelay,omitempty" json:"waitDelay,omitempty" mapstructure:"waitDelay"`
	ViewportWidth  int           `yaml:"viewportWidth" json:"viewportWidth" mapstructure:"viewportWidth"`
	ViewportHeight int           `yaml:"viewportHeight" json:"viewportHeight" mapstructure:"viewportHeight"`
	DisableImages  bool          `yaml:"disableImages" json:"disableImages" mapstructure:"disableImages"`
	// MaxBrowsers bounds the number of browser processes; one is kept per
	// egress proxy and user agent.
	MaxBrowsers int `yaml:"maxBrowsers" json:"maxBrowsers" mapstructure:"maxBrowsers"`
	// MaxTabs bounds concurrently rendering pages across all browsers.
	MaxTabs int `yaml:"maxTabs" json:"maxTabs" mapstructure:"maxTabs"`
}

// DefaultConfig returns default browser configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Headless:       true,
		Timeout:        45 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		WaitDelay:      500 * time.Millisecond,
		DisableImages:  true,
		MaxBrowsers:    4,
		MaxTabs:        8,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		c.ViewportWidth, c.ViewportHeight = d.ViewportWidth, d.ViewportHeight
	}
	if c.MaxBrowsers <= 0 {
		c.MaxBrowsers = d.MaxBrowsers
	}
	if c.MaxTabs <= 0 {
		c.MaxTabs = d.MaxTabs
	}
}

// RenderRequest describes one page load.
type RenderRequest struct {
	URL string
	// ProxyServer is host:port with scheme, without credentials; empty for direct.
	ProxyServer    string
	UserAgent      string
	AcceptLanguage string
	// WaitSelector overrides the configured selector for this request.
	WaitSelector string
}

// Page is a rendered document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	HTML       string
	Elapsed    time.Duration
}

// Renderer loads pages in a real browser.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Page, error)
	Close() error
}

// Stats contains browser rendering statistics
type Stats struct {
	PagesRendered   int64         `json:"pagesRendered"`
	Errors          int64         `json:"errors"`
	Timeouts        int64         `json:"timeouts"`
	BrowsersStarted int64         `json:"browsersStarted"`
	AverageLoadTime time.Duration `json:"averageLoadTime"`
}
