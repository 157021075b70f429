// internal/antidetect/detector.go
package antidetect

import (
	"net/http"
	"time"
)

// BlockType is the classifier's judgement of how a response was suppressed.
type BlockType string

const (
	BlockNone            BlockType = "none"
	BlockCaptcha         BlockType = "captcha"
	BlockRateLimit       BlockType = "rate_limit"
	BlockIPBlock         BlockType = "ip_block"
	BlockGeoBlock        BlockType = "geo_block"
	BlockBotDetected     BlockType = "bot_detected"
	BlockTarpit          BlockType = "tarpit"
	BlockMaintenance     BlockType = "maintenance"
	BlockContentMismatch BlockType = "content_mismatch"
)

// AllBlockTypes lists every non-none block type.
func AllBlockTypes() []BlockType {
	return []BlockType{
		BlockCaptcha, BlockRateLimit, BlockIPBlock, BlockGeoBlock,
		BlockBotDetected, BlockTarpit, BlockMaintenance, BlockContentMismatch,
	}
}

// Response is a completed HTTP exchange as seen by the classifier.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

// RequestContext carries what the caller expected from the response.
type RequestContext struct {
	// ExpectedMarkers are substrings a genuine page is expected to contain.
	ExpectedMarkers []string
	// AllowShortBody disables the minimal-content heuristic, e.g. for API calls.
	AllowShortBody bool
}

// Indicator is one signal's vote.
type Indicator struct {
	Source     string    `json:"source"`
	Type       BlockType `json:"type"`
	Confidence float64   `json:"confidence"`
	Detail     string    `json:"detail"`
}

// Verdict is the classification of one response.
type Verdict struct {
	IsBlocked        bool          `json:"isBlocked"`
	BlockType        BlockType     `json:"blockType"`
	Confidence       float64       `json:"confidence"`
	Indicators       []Indicator   `json:"indicators,omitempty"`
	SuggestedActions []Action      `json:"suggestedActions,omitempty"`
	RetryAfter       time.Duration `json:"retryAfter,omitempty"`
}

// TopAction returns the highest-priority suggested action.
func (v Verdict) TopAction() (Action, bool) {
	if len(v.SuggestedActions) == 0 {
		return Action{}, false
	}
	return v.SuggestedActions[0], true
}

// DetectorConfig tunes the heuristics.
type DetectorConfig struct {
	// MinBodyBytes is the size below which a 2xx HTML body is suspicious.
	MinBodyBytes int
	// FastResponse is the floor below which a response looks like a cached block page.
	FastResponse time.Duration
	// SlowResponse is the ceiling above which a response looks tarpitted.
	SlowResponse time.Duration
	// BlockThreshold is the minimum winning confidence reported as blocked.
	BlockThreshold float64
	// MaxScanBytes bounds how much of the body the patterns look at.
	MaxScanBytes int
	// DefaultBackoff is used for rate-limit backoff without Retry-After.
	DefaultBackoff time.Duration
}

// DefaultDetectorConfig returns the default heuristics.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinBodyBytes:   512,
		FastResponse:   40 * time.Millisecond,
		SlowResponse:   20 * time.Second,
		BlockThreshold: 0.5,
		MaxScanBytes:   128 << 10,
		DefaultBackoff: 2 * time.Second,
	}
}

// Detector classifies responses. Classify is a pure function of its input
// and the detector's configuration.
type Detector struct {
	config  DetectorConfig
	signals []signal
}

// NewDetector creates a detector with the built-in signal sources.
func NewDetector(config DetectorConfig) *Detector {
	d := DefaultDetectorConfig()
	if config.MinBodyBytes <= 0 {
		config.MinBodyBytes = d.MinBodyBytes
	}
	if config.FastResponse <= 0 {
		config.FastResponse = d.FastResponse
	}
	if config.SlowResponse <= 0 {
		config.SlowResponse = d.SlowResponse
	}
	if config.BlockThreshold <= 0 {
		config.BlockThreshold = d.BlockThreshold
	}
	if config.MaxScanBytes <= 0 {
		config.MaxScanBytes = d.MaxScanBytes
	}
	if config.DefaultBackoff <= 0 {
		config.DefaultBackoff = d.DefaultBackoff
	}
	return &Detector{
		config: config,
		signals: []signal{
			statusSignal,
			headerSignal,
			bodySignal,
			timingSignal,
			contentShapeSignal,
		},
	}
}

// Classify inspects a response. Signals are combined by taking the single
// strongest one; ties go to the earlier signal source.
func (d *Detector) Classify(resp Response, rc RequestContext) Verdict {
	in := newSignalInput(resp, rc, d.config)

	var indicators []Indicator
	for _, sig := range d.signals {
		indicators = append(indicators, sig(in, d.config)...)
	}

	verdict := Verdict{BlockType: BlockNone, Indicators: indicators}
	var best *Indicator
	for i := range indicators {
		if best == nil || indicators[i].Confidence > best.Confidence {
			best = &indicators[i]
		}
	}
	if best != nil {
		verdict.Confidence = best.Confidence
		if best.Confidence >= d.config.BlockThreshold {
			verdict.IsBlocked = true
			verdict.BlockType = best.Type
		}
	}

	verdict.RetryAfter = in.retryAfter
	if verdict.IsBlocked {
		verdict.SuggestedActions = RemedialActions(verdict.BlockType, verdict.RetryAfter, d.config.DefaultBackoff)
	}
	return verdict
}

// IsPermanentStatus reports statuses that should not be retried.
func IsPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusMethodNotAllowed,
		http.StatusNotAcceptable, http.StatusUnprocessableEntity, http.StatusNotImplemented:
		return true
	}
	return false
}
