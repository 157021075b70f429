// internal/scraper/browser.go
package scraper

import (
	"context"
	"net/http"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/browser"
	"github.com/valpere/marketrunner/pkg/types"
)

// BrowserStrategy renders the page in a headless browser, routed through
// the attempt's proxy and carrying the attempt's user agent.
type BrowserStrategy struct {
	renderer     browser.Renderer
	waitSelector string
	fields       []FieldConfig
}

// NewBrowserStrategy creates the browser rung. A nil renderer makes the
// rung inapplicable.
func NewBrowserStrategy(renderer browser.Renderer, waitSelector string, fields []FieldConfig) *BrowserStrategy {
	return &BrowserStrategy{renderer: renderer, waitSelector: waitSelector, fields: fields}
}

func (s *BrowserStrategy) Kind() Kind { return KindBrowser }

func (s *BrowserStrategy) Applicable(types.Target) bool { return s.renderer != nil }

func (s *BrowserStrategy) Attempt(ctx context.Context, target types.Target, egress Egress) (*Fetch, error) {
	if s.renderer == nil {
		return nil, ErrNotApplicable
	}
	req := browser.RenderRequest{
		URL:            target.URL,
		UserAgent:      egress.Profile.UserAgent,
		AcceptLanguage: egress.Profile.AcceptLanguage,
		WaitSelector:   s.waitSelector,
	}
	if egress.Proxy != nil {
		req.ProxyServer = egress.Proxy.ProxyServer()
	}
	page, err := s.renderer.Render(ctx, req)
	if err != nil {
		return nil, err
	}

	status := page.StatusCode
	if status == 0 {
		// No main-document response was observed (e.g. served from the
		// browser cache); a rendered DOM counts as a success.
		status = http.StatusOK
	}
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = target.URL
	}
	body := []byte(page.HTML)
	f := &Fetch{Response: antidetect.Response{
		URL:        target.URL,
		StatusCode: status,
		Header:     page.Header,
		Body:       body,
		Elapsed:    page.Elapsed,
	}}
	if isSuccess(status) {
		f.Data, f.ExtractErr = ExtractHTML(body, pageURL, s.fields)
	}
	return f, nil
}
