// internal/scraper/strategy.go
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/pkg/types"
)

// Kind is the closed set of fetch strategies, ordered from cheapest to
// most expensive.
type Kind int

const (
	KindAPI Kind = iota
	KindStatic
	KindBrowser
)

// DefaultOrder is the ladder used when no order is configured.
var DefaultOrder = []Kind{KindAPI, KindStatic, KindBrowser}

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindStatic:
		return "static"
	case KindBrowser:
		return "browser"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Method is the result method reported for a fetch made by this kind.
func (k Kind) Method() types.Method {
	switch k {
	case KindAPI:
		return types.MethodAPI
	case KindStatic:
		return types.MethodStatic
	default:
		return types.MethodBrowser
	}
}

// ParseKind converts a configured or hinted name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "api", "json":
		return KindAPI, nil
	case "static", "html":
		return KindStatic, nil
	case "browser", "render":
		return KindBrowser, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// ParseOrder converts a list of names into a ladder, dropping duplicates.
func ParseOrder(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return append([]Kind(nil), DefaultOrder...), nil
	}
	seen := make(map[Kind]bool, len(names))
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

// ErrNotApplicable is returned by a strategy that cannot handle a target.
var ErrNotApplicable = errors.New("strategy not applicable to target")

// Egress is what one attempt sends its request through.
type Egress struct {
	Client  *http.Client
	Profile antidetect.Profile
	// Proxy is nil for direct egress.
	Proxy *proxy.Identity
}

// Fetch is the raw exchange plus whatever the strategy could extract from it.
type Fetch struct {
	Response antidetect.Response
	Data     map[string]interface{}
	// ExtractErr is set when the exchange succeeded but yielded nothing usable.
	ExtractErr error
}

// Strategy is one rung of the extraction ladder.
type Strategy interface {
	Kind() Kind
	Applicable(target types.Target) bool
	Attempt(ctx context.Context, target types.Target, egress Egress) (*Fetch, error)
}

const defaultMaxBody = 8 << 20

func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = defaultMaxBody
	}
	return io.ReadAll(io.LimitReader(r, limit))
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
