// internal/proxy/health.go
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeFunc performs one synthetic check through an identity and returns its latency.
type ProbeFunc func(ctx context.Context, ident *Identity) (time.Duration, error)

// ProberConfig controls background probing.
type ProberConfig struct {
	Interval  time.Duration
	ChunkSize int
	Timeout   time.Duration
}

// Prober periodically probes the pool in fixed-size chunks. Identities in a
// chunk are probed concurrently; chunks run one after another so the whole
// pool is never probed at once.
type Prober struct {
	manager *Manager
	probe   ProbeFunc
	config  ProberConfig

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProber creates a prober for the manager.
func NewProber(m *Manager, config ProberConfig, probe ProbeFunc) *Prober {
	if config.Interval <= 0 {
		config.Interval = DefaultProbeInterval
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultProbeChunkSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	return &Prober{
		manager:  m,
		probe:    probe,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.manager.Rehabilitate()
				if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
					p.manager.logger.Warnf("probe round aborted: %v", err)
				}
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// RunOnce probes every non-quarantined identity once.
func (p *Prober) RunOnce(ctx context.Context) error {
	now := p.manager.now()
	var targets []*Identity
	for _, ident := range p.manager.identities {
		ident.mu.Lock()
		ident.rehabilitateLocked(now, p.manager.config)
		quarantined := !ident.blockedUntil.IsZero()
		ident.mu.Unlock()
		if !quarantined {
			targets = append(targets, ident)
		}
	}

	for start := 0; start < len(targets); start += p.config.ChunkSize {
		end := start + p.config.ChunkSize
		if end > len(targets) {
			end = len(targets)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, ident := range targets[start:end] {
			g.Go(func() error {
				pctx, cancel := context.WithTimeout(gctx, p.config.Timeout)
				defer cancel()
				latency, err := p.probe(pctx, ident)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.manager.RecordProbe(ident.ID, latency, err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// HTTPProbe returns a ProbeFunc that fetches probeURL through the identity.
// Any status below 400 counts as healthy.
func HTTPProbe(probeURL string, tlsConfig *tls.Config, dialTimeout time.Duration) ProbeFunc {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}
	return func(ctx context.Context, ident *Identity) (time.Duration, error) {
		client, err := ident.Client("probe", tlsConfig, dialTimeout)
		if err != nil {
			return 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		latency := time.Since(start)
		if resp.StatusCode >= 400 {
			return latency, fmt.Errorf("probe returned status %d", resp.StatusCode)
		}
		return latency, nil
	}
}
