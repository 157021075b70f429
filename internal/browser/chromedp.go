// internal/browser/chromedp.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/valpere/marketrunner/internal/utils"
)

// ChromeRenderer implements Renderer using chromedp
type ChromeRenderer struct {
	config Config
	pool   *browserPool
	tabs   *semaphore.Weighted
	logger utils.Logger

	pagesRendered atomic.Int64
	errors        atomic.Int64
	timeouts      atomic.Int64

	loadMu   sync.Mutex
	avgLoad  time.Duration
	loadSeen int64
}

// NewChromeRenderer creates a renderer. Browsers are launched lazily on the
// first request through each proxy.
func NewChromeRenderer(config Config) (*ChromeRenderer, error) {
	config.applyDefaults()
	pool, err := newBrowserPool(config)
	if err != nil {
		return nil, err
	}
	return &ChromeRenderer{
		config: config,
		pool:   pool,
		tabs:   semaphore.NewWeighted(int64(config.MaxTabs)),
		logger: utils.NewComponentLogger("browser"),
	}, nil
}

// Render navigates to req.URL in a new tab and returns the final document.
func (r *ChromeRenderer) Render(ctx context.Context, req RenderRequest) (*Page, error) {
	if err := r.tabs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.tabs.Release(1)

	b, err := r.pool.get(req.ProxyServer, req.UserAgent)
	if err != nil {
		r.errors.Add(1)
		return nil, utils.NewError(utils.ErrCodeBrowserFailed, "browser unavailable").WithCause(err).Build()
	}

	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.config.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		mu       sync.Mutex
		status   int
		header   http.Header
		document network.RequestID
	)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventResponseReceived)
		if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		// The main frame answers first; later documents are iframes.
		if document == "" || e.RequestID == document {
			document = e.RequestID
			status = int(e.Response.Status)
			header = make(http.Header, len(e.Response.Headers))
			for k, v := range e.Response.Headers {
				header.Set(k, fmt.Sprint(v))
			}
		}
	})

	actions := []chromedp.Action{network.Enable()}
	if req.AcceptLanguage != "" {
		actions = append(actions, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": req.AcceptLanguage}))
	}
	actions = append(actions,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body"),
	)
	wait := req.WaitSelector
	if wait == "" {
		wait = r.config.WaitSelector
	}
	if wait != "" {
		actions = append(actions, chromedp.WaitVisible(wait))
	}
	if r.config.WaitDelay > 0 {
		actions = append(actions, chromedp.Sleep(r.config.WaitDelay))
	}
	var html, finalURL string
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html),
	)

	start := time.Now()
	err = chromedp.Run(tabCtx, actions...)
	elapsed := time.Since(start)
	if err != nil {
		r.errors.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(tabCtx.Err(), context.DeadlineExceeded) {
			r.timeouts.Add(1)
			return nil, utils.NewError(utils.ErrCodeNetworkTimeout, "page render timed out").
				WithContext("url", req.URL).WithCause(err).Build()
		}
		if b.ctx.Err() != nil {
			r.pool.discard(b)
		}
		return nil, utils.NewError(utils.ErrCodeBrowserFailed, "page render failed").
			WithContext("url", req.URL).WithCause(err).Build()
	}

	r.observe(elapsed)
	mu.Lock()
	defer mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	return &Page{
		URL:        req.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Header:     header,
		HTML:       html,
		Elapsed:    elapsed,
	}, nil
}

func (r *ChromeRenderer) observe(d time.Duration) {
	r.pagesRendered.Add(1)
	r.loadMu.Lock()
	r.loadSeen++
	r.avgLoad += (d - r.avgLoad) / time.Duration(r.loadSeen)
	r.loadMu.Unlock()
}

// Stats returns rendering statistics
func (r *ChromeRenderer) Stats() Stats {
	r.loadMu.Lock()
	avg := r.avgLoad
	r.loadMu.Unlock()
	r.pool.mu.Lock()
	started := r.pool.started
	r.pool.mu.Unlock()
	return Stats{
		PagesRendered:   r.pagesRendered.Load(),
		Errors:          r.errors.Load(),
		Timeouts:        r.timeouts.Load(),
		BrowsersStarted: started,
		AverageLoadTime: avg,
	}
}

// Close shuts down every browser process.
func (r *ChromeRenderer) Close() error {
	r.pool.close()
	return nil
}
