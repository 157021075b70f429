// internal/scraper/static.go
package scraper

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

// StaticConfig configures the plain HTML rung.
type StaticConfig struct {
	Fields       []FieldConfig `yaml:"fields,omitempty" json:"fields,omitempty" mapstructure:"fields"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty" mapstructure:"maxBodyBytes"`
}

// StaticStrategy fetches the page with a browser-like HTTP request and
// parses the returned HTML without running scripts.
type StaticStrategy struct {
	config StaticConfig
}

// NewStaticStrategy creates the static rung.
func NewStaticStrategy(config StaticConfig) *StaticStrategy {
	return &StaticStrategy{config: config}
}

func (s *StaticStrategy) Kind() Kind { return KindStatic }

func (s *StaticStrategy) Applicable(types.Target) bool { return true }

// Attempt fetches and parses the page. Bodies are decoded to UTF-8 using
// the Content-Type charset or the document's meta declaration.
func (s *StaticStrategy) Attempt(ctx context.Context, target types.Target, egress Egress) (*Fetch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return nil, utils.NewError(utils.ErrCodeMalformedTarget, "build request").WithCause(err).Build()
	}
	egress.Profile.Apply(req.Header)

	start := time.Now()
	resp, err := egress.Client.Do(req)
	if err != nil {
		return nil, utils.ClassifyNetworkError(err, target.URL)
	}
	defer resp.Body.Close()
	raw, err := readBody(resp.Body, s.config.MaxBodyBytes)
	if err != nil {
		return nil, utils.ClassifyNetworkError(err, target.URL)
	}
	elapsed := time.Since(start)

	body := toUTF8(raw, resp.Header.Get("Content-Type"))
	pageURL := target.URL
	if resp.Request != nil && resp.Request.URL != nil {
		pageURL = resp.Request.URL.String()
	}
	f := &Fetch{Response: antidetect.Response{
		URL:        target.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    elapsed,
	}}
	if isSuccess(resp.StatusCode) {
		f.Data, f.ExtractErr = ExtractHTML(body, pageURL, s.config.Fields)
	}
	return f, nil
}

func toUTF8(raw []byte, contentType string) []byte {
	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return raw
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	return out
}
