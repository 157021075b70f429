// internal/security/target.go

// Package security decides which targets the HTTP API may be asked to
// fetch.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/valpere/marketrunner/internal/utils"
)

// DefaultMaxURLLength bounds submitted URLs.
const DefaultMaxURLLength = 2048

// TargetPolicy restricts submitted URLs. The zero value rejects private
// and loopback addresses and allows every public host.
type TargetPolicy struct {
	AllowPrivate   bool
	BlockedDomains []string
	MaxURLLength   int
}

// PolicyError is returned for a URL the policy refuses.
type PolicyError struct {
	URL    string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("target %s refused: %s", e.URL, e.Reason)
}

// Check returns a *PolicyError when rawURL may not be fetched. Hostnames
// are not resolved; only literal addresses and localhost are recognised as
// private.
func (p TargetPolicy) Check(rawURL string) error {
	limit := p.MaxURLLength
	if limit <= 0 {
		limit = DefaultMaxURLLength
	}
	if len(rawURL) > limit {
		return &PolicyError{URL: utils.TruncateString(rawURL, 64), Reason: fmt.Sprintf("longer than %d bytes", limit)}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &PolicyError{URL: rawURL, Reason: "unparseable"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &PolicyError{URL: rawURL, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return &PolicyError{URL: rawURL, Reason: "no host"}
	}

	if p.isBlocked(host) {
		return &PolicyError{URL: rawURL, Reason: "domain is blocked"}
	}
	if !p.AllowPrivate && isPrivateHost(host) {
		return &PolicyError{URL: rawURL, Reason: "private or loopback address"}
	}
	return nil
}

func (p TargetPolicy) isBlocked(host string) bool {
	for _, blocked := range p.BlockedDomains {
		blocked = strings.ToLower(strings.TrimSpace(blocked))
		if blocked == "" {
			continue
		}
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
