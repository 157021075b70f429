// internal/antidetect/signals.go
package antidetect

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type signalInput struct {
	resp       Response
	rc         RequestContext
	body       []byte // lower-cased, truncated
	retryAfter time.Duration
	isJSON     bool
}

func newSignalInput(resp Response, rc RequestContext, cfg DetectorConfig) *signalInput {
	body := resp.Body
	if len(body) > cfg.MaxScanBytes {
		body = body[:cfg.MaxScanBytes]
	}
	in := &signalInput{
		resp: resp,
		rc:   rc,
		body: bytes.ToLower(body),
	}
	if resp.Header != nil {
		in.retryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), resp.Header.Get("Date"))
		in.isJSON = strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "json")
	}
	return in
}

type signal func(in *signalInput, cfg DetectorConfig) []Indicator

type statusRule struct {
	blockType  BlockType
	confidence float64
}

var statusTable = map[int]statusRule{
	http.StatusForbidden:                  {BlockIPBlock, 0.9},
	http.StatusTooManyRequests:            {BlockRateLimit, 0.95},
	http.StatusServiceUnavailable:         {BlockMaintenance, 0.7},
	http.StatusUnavailableForLegalReasons: {BlockGeoBlock, 0.9},
	http.StatusProxyAuthRequired:          {BlockIPBlock, 0.6},
}

func statusSignal(in *signalInput, _ DetectorConfig) []Indicator {
	rule, ok := statusTable[in.resp.StatusCode]
	if !ok {
		return nil
	}
	return []Indicator{{
		Source:     "status",
		Type:       rule.blockType,
		Confidence: rule.confidence,
		Detail:     fmt.Sprintf("status %d", in.resp.StatusCode),
	}}
}

func headerSignal(in *signalInput, _ DetectorConfig) []Indicator {
	h := in.resp.Header
	if h == nil {
		return nil
	}
	var out []Indicator
	if h.Get("Retry-After") != "" {
		out = append(out, Indicator{Source: "header", Type: BlockRateLimit, Confidence: 0.9, Detail: "retry-after present"})
	}
	for _, name := range []string{"X-RateLimit-Remaining", "X-Ratelimit-Remaining", "RateLimit-Remaining"} {
		if v := strings.TrimSpace(h.Get(name)); v == "0" {
			out = append(out, Indicator{Source: "header", Type: BlockRateLimit, Confidence: 0.85, Detail: strings.ToLower(name) + "=0"})
			break
		}
	}
	if strings.EqualFold(h.Get("Cf-Mitigated"), "challenge") {
		out = append(out, Indicator{Source: "header", Type: BlockBotDetected, Confidence: 0.9, Detail: "cf-mitigated challenge"})
	}
	if strings.EqualFold(h.Get("X-Amzn-Waf-Action"), "captcha") {
		out = append(out, Indicator{Source: "header", Type: BlockCaptcha, Confidence: 0.9, Detail: "waf captcha action"})
	}
	if in.resp.StatusCode >= 400 {
		if h.Get("X-Datadome") != "" || strings.Contains(strings.ToLower(h.Get("Set-Cookie")), "datadome=") {
			out = append(out, Indicator{Source: "header", Type: BlockBotDetected, Confidence: 0.8, Detail: "datadome challenge"})
		}
		if strings.Contains(strings.ToLower(h.Get("Server")), "cloudflare") && in.resp.StatusCode == http.StatusForbidden {
			out = append(out, Indicator{Source: "header", Type: BlockBotDetected, Confidence: 0.7, Detail: "cloudflare 403"})
		}
	}
	return out
}

type bodyRule struct {
	blockType  BlockType
	confidence float64
	pattern    *regexp.Regexp
}

var bodyRules = []bodyRule{
	{BlockCaptcha, 0.85, regexp.MustCompile(`g-recaptcha|recaptcha/api\.js|h-captcha|hcaptcha\.com|funcaptcha|arkoselabs|cf-turnstile|captcha-delivery\.com`)},
	{BlockCaptcha, 0.8, regexp.MustCompile(`are you a robot|verify (that )?you are (a )?human|complete the captcha`)},
	{BlockBotDetected, 0.8, regexp.MustCompile(`unusual traffic|automated (queries|requests|access)|bot detected|checking your browser|enable javascript and cookies to continue|px-captcha|_incapsula_resource`)},
	{BlockRateLimit, 0.75, regexp.MustCompile(`too many requests|rate limit(ed)?|request limit exceeded|slow down`)},
	{BlockIPBlock, 0.7, regexp.MustCompile(`access denied|your ip( address)? (has been|is|was) (blocked|banned)|ip (address )?blocked|you have been blocked`)},
	{BlockGeoBlock, 0.8, regexp.MustCompile(`not available in your (country|region)|geo-?restricted|unavailable in your location`)},
}

// A large genuine page can legitimately embed a captcha widget or the word
// "blocked"; pattern hits on such pages count for less.
const largePageDiscount = 0.5

func bodySignal(in *signalInput, cfg DetectorConfig) []Indicator {
	var out []Indicator
	if len(in.body) > 0 {
		discount := 1.0
		if in.resp.StatusCode >= 200 && in.resp.StatusCode < 300 && len(in.resp.Body) > 40*cfg.MinBodyBytes {
			discount = largePageDiscount
		}
		for _, rule := range bodyRules {
			if m := rule.pattern.Find(in.body); m != nil {
				out = append(out, Indicator{
					Source:     "body",
					Type:       rule.blockType,
					Confidence: rule.confidence * discount,
					Detail:     "matched " + strconv.Quote(string(m)),
				})
			}
		}
	}

	if in.resp.StatusCode >= 200 && in.resp.StatusCode < 300 && !in.rc.AllowShortBody && !in.isJSON {
		if n := len(bytes.TrimSpace(in.resp.Body)); n < cfg.MinBodyBytes {
			out = append(out, Indicator{
				Source:     "body",
				Type:       BlockBotDetected,
				Confidence: 0.6,
				Detail:     fmt.Sprintf("body only %d bytes", n),
			})
		}
	}
	return out
}

func timingSignal(in *signalInput, cfg DetectorConfig) []Indicator {
	elapsed := in.resp.Elapsed
	switch {
	case elapsed <= 0:
		return nil
	case elapsed < cfg.FastResponse && in.resp.StatusCode >= 400:
		return []Indicator{{Source: "timing", Type: BlockIPBlock, Confidence: 0.45, Detail: "error served in " + elapsed.String()}}
	case elapsed > cfg.SlowResponse:
		return []Indicator{{Source: "timing", Type: BlockTarpit, Confidence: 0.65, Detail: "response took " + elapsed.String()}}
	}
	return nil
}

func contentShapeSignal(in *signalInput, _ DetectorConfig) []Indicator {
	markers := in.rc.ExpectedMarkers
	if len(markers) == 0 || in.resp.StatusCode < 200 || in.resp.StatusCode >= 300 {
		return nil
	}
	missing := 0
	for _, m := range markers {
		if !bytes.Contains(in.body, []byte(strings.ToLower(m))) {
			missing++
		}
	}
	ratio := float64(missing) / float64(len(markers))
	if ratio <= 0.5 {
		return nil
	}
	return []Indicator{{
		Source:     "content",
		Type:       BlockContentMismatch,
		Confidence: 0.5 + 0.4*ratio,
		Detail:     fmt.Sprintf("%d of %d expected markers missing", missing, len(markers)),
	}}
}

// MaxRetryAfter caps parsed Retry-After delays.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter parses a Retry-After value given either as seconds or as
// an HTTP date. Dates are measured against the response's Date header so
// the result does not depend on the local clock; without one, zero is returned.
// Results are capped at MaxRetryAfter.
func ParseRetryAfter(value, date string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		if int64(secs) > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	ref, err := http.ParseTime(date)
	if err != nil {
		return 0
	}
	if d := at.Sub(ref); d > 0 {
		return min(d, MaxRetryAfter)
	}
	return 0
}
