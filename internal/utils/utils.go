// internal/utils/utils.go
package utils

import (
	"net/url"
	"regexp"
	"strings"
)

// NormalizeURL normalizes a URL for consistent comparison
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = strings.TrimSuffix(u.Host, ":80")
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	// Sort query parameters for consistency
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""

	return u.String(), nil
}

// CacheKey returns the cache key for a target URL. Unparseable URLs are keyed verbatim.
func CacheKey(rawURL string) string {
	if n, err := NormalizeURL(rawURL); err == nil {
		return n
	}
	return rawURL
}

// RedactURL hides the password of a URL with credentials. Unparseable
// input is replaced entirely.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// ExtractDomain extracts the domain from a URL
func ExtractDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	slugIDSegment  = regexp.MustCompile(`^[a-z0-9-]+-\d{3,}$`)
)

// URLPattern collapses identifiers in a URL path so that pages of the same
// shape share one key: https://h/listing/123 and https://h/listing/456 both
// become h/listing/{id}. The query string is dropped.
func URLPattern(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg == "":
			continue
		case numericSegment.MatchString(seg), uuidSegment.MatchString(seg), hexSegment.MatchString(seg):
			out = append(out, "{id}")
		case slugIDSegment.MatchString(seg):
			out = append(out, "{slug}")
		default:
			out = append(out, strings.ToLower(seg))
		}
	}
	return strings.ToLower(u.Hostname()) + "/" + strings.Join(out, "/")
}

// TruncateString truncates a string to a maximum length
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
