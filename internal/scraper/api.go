// internal/scraper/api.go
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

// APIConfig describes how a page URL maps onto a JSON endpoint.
//
// EndpointTemplate may use {scheme}, {host}, {path}, {id} (last path
// segment) and {url} (the full page URL, query-escaped), e.g.
// "https://{host}/api/v1/listings/{id}".
type APIConfig struct {
	EndpointTemplate string            `yaml:"endpointTemplate" json:"endpointTemplate" mapstructure:"endpointTemplate"`
	Headers          map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" mapstructure:"headers"`
	MaxBodyBytes     int64             `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty" mapstructure:"maxBodyBytes"`
}

// APIStrategy fetches the marketplace's public JSON endpoint for a page.
type APIStrategy struct {
	config APIConfig
}

// NewAPIStrategy creates the API rung.
func NewAPIStrategy(config APIConfig) *APIStrategy {
	return &APIStrategy{config: config}
}

func (s *APIStrategy) Kind() Kind { return KindAPI }

// Applicable reports whether an endpoint can be derived for the target.
func (s *APIStrategy) Applicable(target types.Target) bool {
	if s.config.EndpointTemplate == "" {
		return false
	}
	_, err := s.Endpoint(target.URL)
	return err == nil
}

// Endpoint expands the template for a page URL.
func (s *APIStrategy) Endpoint(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid page url %q", pageURL)
	}
	id := path.Base(strings.TrimSuffix(u.Path, "/"))
	if strings.Contains(s.config.EndpointTemplate, "{id}") && (id == "" || id == "." || id == "/") {
		return "", fmt.Errorf("page url %q has no id segment", pageURL)
	}
	r := strings.NewReplacer(
		"{scheme}", u.Scheme,
		"{host}", u.Host,
		"{path}", strings.TrimPrefix(u.EscapedPath(), "/"),
		"{id}", url.PathEscape(id),
		"{url}", url.QueryEscape(pageURL),
	)
	return r.Replace(s.config.EndpointTemplate), nil
}

// Attempt requests the endpoint and decodes its JSON body.
func (s *APIStrategy) Attempt(ctx context.Context, target types.Target, egress Egress) (*Fetch, error) {
	endpoint, err := s.Endpoint(target.URL)
	if err != nil {
		return nil, ErrNotApplicable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.NewError(utils.ErrCodeMalformedTarget, "build api request").WithCause(err).Build()
	}
	egress.Profile.ApplyAPI(req.Header)
	if ref := target.URL; ref != "" {
		req.Header.Set("Referer", ref)
	}
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := egress.Client.Do(req)
	if err != nil {
		return nil, utils.ClassifyNetworkError(err, endpoint)
	}
	defer resp.Body.Close()
	body, err := readBody(resp.Body, s.config.MaxBodyBytes)
	if err != nil {
		return nil, utils.ClassifyNetworkError(err, endpoint)
	}

	f := &Fetch{Response: antidetect.Response{
		URL:        target.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    time.Since(start),
	}}
	if isSuccess(resp.StatusCode) {
		f.Data, f.ExtractErr = decodeJSON(body)
	}
	return f, nil
}

// decodeJSON turns any JSON document into a record. Arrays are wrapped
// under "items" and scalars under "value".
func decodeJSON(body []byte) (map[string]interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, utils.NewError(utils.ErrCodeExtractionFailed, "api response is not json").WithCause(err).Build()
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, utils.NewError(utils.ErrCodeExtractionFailed, "api response is an empty object").Build()
		}
		return t, nil
	case []interface{}:
		return map[string]interface{}{"items": t}, nil
	case nil:
		return nil, utils.NewError(utils.ErrCodeExtractionFailed, "api response is null").Build()
	default:
		return map[string]interface{}{"value": t}, nil
	}
}
