// internal/browser/pool.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	lru "github.com/hashicorp/golang-lru/v2"
)

// browserInstance is one running browser process. Tabs are opened as child
// contexts of ctx.
type browserInstance struct {
	key         string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (b *browserInstance) close() {
	b.cancel()
	b.allocCancel()
}

// browserPool keeps one browser per (proxy, user agent), evicting the least
// recently used process when full. Chrome takes the proxy as a process flag,
// so requests through different proxies cannot share a browser.
type browserPool struct {
	config Config

	mu      sync.Mutex
	cache   *lru.Cache[string, *browserInstance]
	started int64
	closed  bool
}

func newBrowserPool(config Config) (*browserPool, error) {
	p := &browserPool{config: config}
	cache, err := lru.NewWithEvict[string, *browserInstance](config.MaxBrowsers, func(_ string, b *browserInstance) {
		b.close()
	})
	if err != nil {
		return nil, fmt.Errorf("create browser pool: %w", err)
	}
	p.cache = cache
	return p, nil
}

func poolKey(proxyServer, userAgent string) string {
	return proxyServer + "|" + userAgent
}

func (p *browserPool) allocatorOptions(proxyServer, userAgent string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(p.config.ViewportWidth, p.config.ViewportHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}
	if p.config.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if p.config.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(p.config.ChromePath))
	}
	if p.config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if proxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(proxyServer))
	}
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	return opts
}

// get returns a started browser for the key, launching one if needed.
func (p *browserPool) get(proxyServer, userAgent string) (*browserInstance, error) {
	key := poolKey(proxyServer, userAgent)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("browser pool is closed")
	}
	if b, ok := p.cache.Get(key); ok {
		return b, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.allocatorOptions(proxyServer, userAgent)...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	// The first Run on a fresh context launches the process.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := &browserInstance{key: key, ctx: ctx, cancel: cancel, allocCancel: allocCancel}
	p.cache.Add(key, b)
	p.started++
	return b, nil
}

// discard closes a browser that misbehaved so the next request relaunches it.
func (p *browserPool) discard(b *browserInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cache.Peek(b.key); ok && cur == b {
		p.cache.Remove(b.key)
	}
}

func (p *browserPool) size() int {
	return p.cache.Len()
}

func (p *browserPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cache.Purge()
}
