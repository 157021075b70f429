// internal/antidetect/antidetect.go
package antidetect

import (
	"crypto/tls"
	"math/rand/v2"
	"net/http"
	"sync"
)

// Profile is a consistent browser identity: user agent, headers and TLS
// parameters that belong together.
type Profile struct {
	Name           string
	Family         string
	UserAgent      string
	Accept         string
	AcceptLanguage string
	TLS            *tls.Config
}

// Apply sets the profile's browser-like headers on h. Accept-Encoding is
// left to the transport so that compressed bodies are decoded for us.
func (p Profile) Apply(h http.Header) {
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", p.Accept)
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	if p.Family == "chrome" {
		h.Set("Sec-Ch-Ua", `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`)
		h.Set("Sec-Ch-Ua-Mobile", "?0")
	}
}

// ApplyAPI sets headers for a JSON endpoint fetched by the same browser.
func (p Profile) ApplyAPI(h http.Header) {
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
}

// FingerprintRotator hands out one profile per key (a session or task) and
// replaces it on Reset.
type FingerprintRotator struct {
	profiles []Profile
	intn     func(n int) int

	mu       sync.Mutex
	assigned map[string]int
}

// NewFingerprintRotator creates a rotator over the default profiles.
func NewFingerprintRotator() *FingerprintRotator {
	return NewFingerprintRotatorWithProfiles(DefaultProfiles(), rand.IntN)
}

// NewFingerprintRotatorWithProfiles creates a rotator with explicit profiles and random source.
func NewFingerprintRotatorWithProfiles(profiles []Profile, intn func(int) int) *FingerprintRotator {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	return &FingerprintRotator{
		profiles: profiles,
		intn:     intn,
		assigned: make(map[string]int),
	}
}

// For returns the profile bound to key, assigning one on first use.
func (r *FingerprintRotator) For(key string) Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.assigned[key]
	if !ok {
		idx = r.intn(len(r.profiles))
		r.assigned[key] = idx
	}
	return r.profiles[idx]
}

// Reset binds key to a different profile and returns it.
func (r *FingerprintRotator) Reset(key string) Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.assigned[key]
	idx := r.intn(len(r.profiles))
	if ok && len(r.profiles) > 1 && idx == cur {
		idx = (idx + 1) % len(r.profiles)
	}
	r.assigned[key] = idx
	return r.profiles[idx]
}

// Forget drops the binding for key.
func (r *FingerprintRotator) Forget(key string) {
	r.mu.Lock()
	delete(r.assigned, key)
	r.mu.Unlock()
}

// DefaultProfiles returns the built-in desktop browser profiles.
func DefaultProfiles() []Profile {
	const htmlAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	chrome := chromeTLS()
	firefox := firefoxTLS()
	safari := safariTLS()
	return []Profile{
		{
			Name:           "chrome-win",
			Family:         "chrome",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Accept:         htmlAccept,
			AcceptLanguage: "en-US,en;q=0.9",
			TLS:            chrome,
		},
		{
			Name:           "chrome-mac",
			Family:         "chrome",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Accept:         htmlAccept,
			AcceptLanguage: "en-GB,en;q=0.9",
			TLS:            chrome,
		},
		{
			Name:           "chrome-linux",
			Family:         "chrome",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Accept:         htmlAccept,
			AcceptLanguage: "en-US,en;q=0.9,de;q=0.8",
			TLS:            chrome,
		},
		{
			Name:           "firefox-win",
			Family:         "firefox",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
			Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			AcceptLanguage: "en-US,en;q=0.5",
			TLS:            firefox,
		},
		{
			Name:           "safari-mac",
			Family:         "safari",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			AcceptLanguage: "en-US,en;q=0.9",
			TLS:            safari,
		},
	}
}
