// internal/proxy/tls.go
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// GetDefaultTLSConfig returns a secure default TLS configuration
func GetDefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
}

// Transport returns the identity's transport for a TLS profile, building
// it on first use. HTTP and HTTPS identities tunnel through CONNECT; SOCKS5
// identities dial through golang.org/x/net/proxy.
func (i *Identity) Transport(profile string, tlsConfig *tls.Config, dialTimeout time.Duration) (*http.Transport, error) {
	i.tmu.Lock()
	defer i.tmu.Unlock()
	if t, ok := i.transports[profile]; ok {
		return t, nil
	}
	t, err := newTransport(i, tlsConfig, dialTimeout)
	if err != nil {
		return nil, err
	}
	if i.transports == nil {
		i.transports = make(map[string]*http.Transport)
	}
	i.transports[profile] = t
	return t, nil
}

// Client returns an http.Client routed through the identity.
func (i *Identity) Client(profile string, tlsConfig *tls.Config, dialTimeout time.Duration) (*http.Client, error) {
	t, err := i.Transport(profile, tlsConfig, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}

// Wait blocks until the identity's politeness limiter admits a request.
func (i *Identity) Wait(ctx context.Context) error {
	if i.limiter == nil {
		return nil
	}
	return i.limiter.Wait(ctx)
}

// CloseIdleConnections drops pooled connections of every cached transport.
func (i *Identity) CloseIdleConnections() {
	i.tmu.Lock()
	defer i.tmu.Unlock()
	for _, t := range i.transports {
		t.CloseIdleConnections()
	}
}

func newTransport(i *Identity, tlsConfig *tls.Config, dialTimeout time.Duration) (*http.Transport, error) {
	if tlsConfig == nil {
		tlsConfig = GetDefaultTLSConfig()
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		TLSClientConfig:       tlsConfig.Clone(),
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: 0,
		ForceAttemptHTTP2:     false,
	}

	switch i.Type {
	case ProxyTypeHTTP, ProxyTypeHTTPS:
		t.Proxy = http.ProxyURL(i.URL)
		t.DialContext = dialer.DialContext
	case ProxyTypeSOCKS5:
		d, err := xproxy.FromURL(i.URL, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", i.ID, err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", i.ID)
		}
		t.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", i.Type)
	}
	return t, nil
}

// DirectTransport builds a transport without any proxy, used when the pool is empty.
func DirectTransport(tlsConfig *tls.Config, dialTimeout time.Duration) *http.Transport {
	if tlsConfig == nil {
		tlsConfig = GetDefaultTLSConfig()
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig.Clone(),
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: dialTimeout,
	}
}

// ProxyServer returns the endpoint as scheme://host:port without
// credentials, the form a browser's proxy flag accepts.
func (i *Identity) ProxyServer() string {
	scheme := i.URL.Scheme
	if scheme == "socks5h" {
		scheme = "socks5"
	}
	return scheme + "://" + i.URL.Host
}
