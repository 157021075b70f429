// internal/antidetect/detector_test.go
package antidetect

import (
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func htmlPage(body string) []byte {
	// Pad to look like a real page so the short-body heuristic stays quiet.
	return []byte("<html><head><title>Listing</title></head><body>" + body + strings.Repeat("<p>content</p>", 100) + "</body></html>")
}

func header(kv ...string) http.Header {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestClassify(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	tests := []struct {
		name        string
		resp        Response
		rc          RequestContext
		wantBlocked bool
		wantType    BlockType
		minConf     float64
	}{
		{
			name:        "429 with retry-after",
			resp:        Response{StatusCode: 429, Header: header("Retry-After", "30"), Body: []byte("slow down")},
			wantBlocked: true, wantType: BlockRateLimit, minConf: 0.9,
		},
		{
			name:        "403 ip block",
			resp:        Response{StatusCode: 403, Header: header(), Body: htmlPage("Access denied")},
			wantBlocked: true, wantType: BlockIPBlock, minConf: 0.9,
		},
		{
			name:        "451 geo block",
			resp:        Response{StatusCode: 451, Body: htmlPage("")},
			wantBlocked: true, wantType: BlockGeoBlock, minConf: 0.9,
		},
		{
			name:        "503 maintenance",
			resp:        Response{StatusCode: 503, Body: htmlPage("back soon")},
			wantBlocked: true, wantType: BlockMaintenance, minConf: 0.7,
		},
		{
			name:        "captcha page served as 200",
			resp:        Response{StatusCode: 200, Body: []byte(`<html><div class="g-recaptcha" data-sitekey="x"></div>` + strings.Repeat(" ", 600) + `</html>`)},
			wantBlocked: true, wantType: BlockCaptcha, minConf: 0.85,
		},
		{
			name:        "bot challenge phrasing",
			resp:        Response{StatusCode: 200, Body: []byte("<html>Our systems have detected unusual traffic from your network." + strings.Repeat(".", 600) + "</html>")},
			wantBlocked: true, wantType: BlockBotDetected, minConf: 0.8,
		},
		{
			name:        "cloudflare challenge header",
			resp:        Response{StatusCode: 403, Header: header("Cf-Mitigated", "challenge"), Body: htmlPage("")},
			wantBlocked: true, wantType: BlockIPBlock, minConf: 0.9,
		},
		{
			name:        "suspiciously short html",
			resp:        Response{StatusCode: 200, Header: header("Content-Type", "text/html"), Body: []byte("<html></html>")},
			wantBlocked: true, wantType: BlockBotDetected, minConf: 0.6,
		},
		{
			name:        "short json is fine",
			resp:        Response{StatusCode: 200, Header: header("Content-Type", "application/json"), Body: []byte(`{"id":1}`)},
			wantBlocked: false, wantType: BlockNone,
		},
		{
			name:        "tarpit",
			resp:        Response{StatusCode: 200, Body: htmlPage("ok"), Elapsed: 45 * time.Second},
			wantBlocked: true, wantType: BlockTarpit, minConf: 0.65,
		},
		{
			name:        "expected markers missing",
			resp:        Response{StatusCode: 200, Body: htmlPage("<h1>Welcome</h1>")},
			rc:          RequestContext{ExpectedMarkers: []string{"asking price", "monthly revenue", "listing-id"}},
			wantBlocked: true, wantType: BlockContentMismatch, minConf: 0.85,
		},
		{
			name:        "expected markers present",
			resp:        Response{StatusCode: 200, Body: htmlPage("Asking Price: $10k, Monthly Revenue: $1k")},
			rc:          RequestContext{ExpectedMarkers: []string{"asking price", "monthly revenue"}},
			wantBlocked: false, wantType: BlockNone,
		},
		{
			name:        "large genuine page embedding a captcha widget",
			resp:        Response{StatusCode: 200, Body: htmlPage(`<form><div class="h-captcha"></div></form>` + strings.Repeat("<div>row</div>", 3000))},
			wantBlocked: false, wantType: BlockNone, minConf: 0.4,
		},
		{
			name:        "normal page",
			resp:        Response{StatusCode: 200, Body: htmlPage("<h1>Widget store</h1>"), Elapsed: 300 * time.Millisecond},
			wantBlocked: false, wantType: BlockNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := d.Classify(tt.resp, tt.rc)
			if v.IsBlocked != tt.wantBlocked {
				t.Fatalf("IsBlocked = %v, want %v (verdict %+v)", v.IsBlocked, tt.wantBlocked, v)
			}
			if v.BlockType != tt.wantType {
				t.Errorf("BlockType = %s, want %s", v.BlockType, tt.wantType)
			}
			if v.Confidence < tt.minConf {
				t.Errorf("Confidence = %.2f, want >= %.2f", v.Confidence, tt.minConf)
			}
			if v.IsBlocked && len(v.SuggestedActions) == 0 {
				t.Error("blocked verdict without suggested actions")
			}
			if !v.IsBlocked && len(v.SuggestedActions) != 0 {
				t.Error("unblocked verdict should not suggest actions")
			}
		})
	}
}

func TestClassifyTakesMaxNotAverage(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	// One strong signal (429) next to a weak timing signal must keep its confidence.
	v := d.Classify(Response{StatusCode: 429, Body: htmlPage(""), Elapsed: 5 * time.Millisecond}, RequestContext{})
	if v.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", v.Confidence)
	}
	if len(v.Indicators) < 2 {
		t.Errorf("expected several indicators, got %+v", v.Indicators)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	resp := Response{
		StatusCode: 429,
		Header:     header("Retry-After", "Wed, 21 Oct 2015 07:28:30 GMT", "Date", "Wed, 21 Oct 2015 07:28:00 GMT", "X-RateLimit-Remaining", "0"),
		Body:       []byte("Too many requests. Are you a robot?"),
		Elapsed:    30 * time.Second,
	}
	rc := RequestContext{ExpectedMarkers: []string{"price"}}
	first := d.Classify(resp, rc)
	if first.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", first.RetryAfter)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := d.Classify(resp, rc); !reflect.DeepEqual(got, first) {
				t.Errorf("verdict changed between calls:\n%+v\n%+v", got, first)
			}
		}()
	}
	wg.Wait()
}

func TestRemedialActions(t *testing.T) {
	tests := []struct {
		blockType  BlockType
		retryAfter time.Duration
		wantFirst  ActionType
		wantDelay  time.Duration
	}{
		{BlockIPBlock, 0, ActionRotateProxy, 0},
		{BlockGeoBlock, 0, ActionSwitchGeo, 0},
		{BlockRateLimit, 7 * time.Second, ActionBackoff, 7 * time.Second},
		{BlockRateLimit, 0, ActionBackoff, time.Second},
		{BlockCaptcha, 0, ActionEscalateStrategy, 0},
		{BlockBotDetected, 0, ActionResetFingerprint, 0},
		{BlockTarpit, 0, ActionRotateProxy, 0},
		{BlockMaintenance, 0, ActionBackoff, 15 * time.Second},
		{BlockContentMismatch, 0, ActionEscalateStrategy, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.blockType), func(t *testing.T) {
			actions := RemedialActions(tt.blockType, tt.retryAfter, time.Second)
			if len(actions) == 0 {
				t.Fatal("no actions")
			}
			if actions[0].Type != tt.wantFirst {
				t.Errorf("first action = %s, want %s", actions[0].Type, tt.wantFirst)
			}
			if actions[0].Delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", actions[0].Delay, tt.wantDelay)
			}
			for i := 1; i < len(actions); i++ {
				if actions[i].Priority > actions[i-1].Priority {
					t.Errorf("actions not ranked: %+v", actions)
				}
			}
		})
	}
	if RemedialActions(BlockNone, 0, time.Second) != nil {
		t.Error("BlockNone should have no actions")
	}
	// Mutating the returned slice must not leak into the table.
	a := RemedialActions(BlockIPBlock, 0, time.Second)
	a[0].Priority = -1
	if RemedialActions(BlockIPBlock, 0, time.Second)[0].Priority != 100 {
		t.Error("action table was mutated through a returned slice")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value, date string
		want        time.Duration
	}{
		{"120", "", 2 * time.Minute},
		{" 5 ", "", 5 * time.Second},
		{"-3", "", 0},
		{"", "", 0},
		{"soon", "", 0},
		{"Wed, 21 Oct 2015 07:29:00 GMT", "Wed, 21 Oct 2015 07:28:00 GMT", time.Minute},
		{"Wed, 21 Oct 2015 07:29:00 GMT", "", 0},
		{"86400", "", MaxRetryAfter},
		{"9223372036854775807", "", MaxRetryAfter},
		{"Fri, 21 Oct 2095 07:29:00 GMT", "Wed, 21 Oct 2015 07:28:00 GMT", MaxRetryAfter},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value, tt.date); got != tt.want {
			t.Errorf("ParseRetryAfter(%q, %q) = %v, want %v", tt.value, tt.date, got, tt.want)
		}
	}
}
