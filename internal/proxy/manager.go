// internal/proxy/manager.go
package proxy

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/valpere/marketrunner/internal/utils"
)

var proxyLogger = utils.NewComponentLogger("proxy-manager")

// ErrPoolExhausted is returned by Acquire when no identity is selectable.
var ErrPoolExhausted = utils.NewError(utils.ErrCodeProxyExhausted, "no selectable proxy identity").Build()

// Manager owns the egress identities. The identity slice is fixed after
// construction; every identity carries its own lock, so there is no lock
// spanning the pool.
type Manager struct {
	config     Config
	identities []*Identity
	byID       map[string]*Identity
	sessions   *sessionStore
	now        func() time.Time
	intn       func(n int) int
	hook       HealthHook
	logger     utils.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandom replaces the top-K picker's random source.
func WithRandom(intn func(n int) int) Option {
	return func(m *Manager) { m.intn = intn }
}

// WithHealthHook registers a callback invoked after each health update.
func WithHealthHook(h HealthHook) Option {
	return func(m *Manager) { m.hook = h }
}

// WithLogger sets the manager's logger.
func WithLogger(l utils.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over the given endpoints. An empty endpoint
// list is valid; callers then fetch directly.
func NewManager(endpoints []Endpoint, config Config, opts ...Option) (*Manager, error) {
	config.applyDefaults()
	m := &Manager{
		config: config,
		byID:   make(map[string]*Identity, len(endpoints)),
		now:    time.Now,
		intn:   rand.IntN,
		logger: proxyLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sessions = newSessionStore(config.SessionTTL)

	for i, ep := range endpoints {
		ident, err := m.buildIdentity(i, ep)
		if err != nil {
			return nil, err
		}
		if _, dup := m.byID[ident.ID]; dup {
			return nil, fmt.Errorf("duplicate proxy id %q", ident.ID)
		}
		m.identities = append(m.identities, ident)
		m.byID[ident.ID] = ident
	}
	m.logger.Infof("proxy pool initialised with %d identities", len(m.identities))
	return m, nil
}

func (m *Manager) buildIdentity(i int, ep Endpoint) (*Identity, error) {
	raw := strings.TrimSpace(ep.URL)
	if raw == "" {
		return nil, fmt.Errorf("proxy %d: url is required", i)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy %d: invalid url: %w", i, err)
	}
	var ptype ProxyType
	switch strings.ToLower(u.Scheme) {
	case "http":
		ptype = ProxyTypeHTTP
	case "https":
		ptype = ProxyTypeHTTPS
	case "socks5", "socks5h":
		ptype = ProxyTypeSOCKS5
	default:
		return nil, fmt.Errorf("proxy %d: unsupported proxy type: %s", i, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy %d: missing host", i)
	}
	id := ep.ID
	if id == "" {
		id = fmt.Sprintf("proxy-%d", i+1)
	}
	ident := &Identity{
		ID:       id,
		Geo:      strings.ToLower(ep.Geo),
		Provider: ep.Provider,
		Type:     ptype,
		URL:      u,
		health:   1.0,
	}
	if m.config.RequestsPerSecond > 0 {
		burst := m.config.Burst
		if burst <= 0 {
			burst = 1
		}
		ident.limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), burst)
	}
	return ident, nil
}

// Size returns the number of identities in the pool.
func (m *Manager) Size() int {
	return len(m.identities)
}

// Get returns an identity by id.
func (m *Manager) Get(id string) (*Identity, bool) {
	ident, ok := m.byID[id]
	return ident, ok
}

type candidate struct {
	ident *Identity
	score float64
}

// Acquire selects an identity matching criteria. A live session binding is
// returned unchanged; otherwise one of the top-K scored candidates is picked
// uniformly at random.
func (m *Manager) Acquire(criteria Criteria) (*Identity, error) {
	now := m.now()
	geo := strings.ToLower(criteria.Geo)

	if criteria.SessionID != "" {
		if proxyID, ok := m.sessions.lookup(criteria.SessionID, now); ok {
			if ident, ok := m.byID[proxyID]; ok && !excluded(criteria.Exclude, proxyID) && ident.matches(geo, criteria.Provider) {
				if ident.trySelect(now, m.config) {
					return ident, nil
				}
			}
		}
	}

	candidates := make([]candidate, 0, len(m.identities))
	quarantined := 0
	for _, ident := range m.identities {
		if excluded(criteria.Exclude, ident.ID) || !ident.matches(geo, criteria.Provider) {
			continue
		}
		score, ok, q := ident.score(now, m.config)
		if q {
			quarantined++
		}
		if ok {
			candidates = append(candidates, candidate{ident: ident, score: score})
		}
	}

	if len(candidates) == 0 {
		return nil, utils.NewError(utils.ErrCodeProxyExhausted, "no selectable proxy identity").
			WithCause(ErrPoolExhausted).
			WithContext("total", len(m.identities)).
			WithContext("quarantined", quarantined).
			WithContext("geo", geo).
			Build()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	k := m.config.TopK
	if k > len(candidates) {
		k = len(candidates)
	}
	chosen := candidates[m.intn(k)].ident
	chosen.markUsed(now)

	if criteria.SessionID != "" {
		m.sessions.bind(criteria.SessionID, chosen.ID, now)
	}
	return chosen, nil
}

// Release records the outcome of using an identity and updates its health.
func (m *Manager) Release(id string, outcome Outcome) error {
	ident, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("unknown proxy id %q", id)
	}
	now := m.now()
	sample := m.sample(outcome.Success && !outcome.Blocked, outcome.Latency)
	health, quarantined, entered := ident.observe(now, sample, outcome, m.config, true)

	if entered {
		m.logger.WithField("proxy", id).Warnf("proxy quarantined (health %.2f) until %s",
			health, now.Add(m.config.Cooldown).Format(time.RFC3339))
		m.sessions.dropProxy(id)
	}
	if outcome.Blocked && outcome.SessionID != "" {
		m.sessions.rotate(outcome.SessionID)
	}
	if m.hook != nil {
		m.hook(id, health, quarantined)
	}
	return nil
}

// RecordProbe feeds a synthetic probe result into the identity's health.
func (m *Manager) RecordProbe(id string, latency time.Duration, err error) {
	ident, ok := m.byID[id]
	if !ok {
		return
	}
	now := m.now()
	sample := m.sample(err == nil, latency)
	health, quarantined, entered := ident.observe(now, sample, Outcome{Success: err == nil, Latency: latency}, m.config, false)
	if entered {
		m.logger.WithField("proxy", id).Warnf("proxy quarantined after probe failure: %v", err)
		m.sessions.dropProxy(id)
	}
	if m.hook != nil {
		m.hook(id, health, quarantined)
	}
}

// sample converts an observation into a health sample in [0,1]: failures
// contribute 0 and successes between 0.5 (at the latency ceiling) and 1.
func (m *Manager) sample(success bool, latency time.Duration) float64 {
	if !success {
		return 0
	}
	ratio := float64(latency) / float64(m.config.LatencyCeiling)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return 1 - 0.5*ratio
}

// Rehabilitate releases every identity whose cooldown has elapsed and
// returns how many were released.
func (m *Manager) Rehabilitate() int {
	now := m.now()
	n := 0
	for _, ident := range m.identities {
		ident.mu.Lock()
		released := ident.rehabilitateLocked(now, m.config)
		health := ident.health
		ident.mu.Unlock()
		if released {
			n++
			m.logger.WithField("proxy", ident.ID).Infof("proxy rehabilitated with health %.2f", health)
			if m.hook != nil {
				m.hook(ident.ID, health, false)
			}
		}
	}
	m.sessions.cleanup(now)
	return n
}

// Stats returns pool totals.
func (m *Manager) Stats() PoolStats {
	now := m.now()
	stats := PoolStats{Total: len(m.identities), ByGeo: make(map[string]int)}
	for _, ident := range m.identities {
		ident.mu.Lock()
		ident.rehabilitateLocked(now, m.config)
		q := !ident.blockedUntil.IsZero()
		healthy := !q && ident.health >= m.config.MinHealth
		ident.mu.Unlock()

		geo := ident.Geo
		if geo == "" {
			geo = "unknown"
		}
		stats.ByGeo[geo]++
		if q {
			stats.Quarantined++
		}
		if healthy {
			stats.Healthy++
		}
	}
	return stats
}

// Snapshots returns a copy of every identity's statistics.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.identities))
	for _, ident := range m.identities {
		out = append(out, ident.Snapshot())
	}
	return out
}

// Session returns the current binding for a session id.
func (m *Manager) Session(id string) (Session, bool) {
	return m.sessions.get(id)
}

// Geos lists the distinct geographies present in the pool.
func (m *Manager) Geos() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ident := range m.identities {
		if ident.Geo != "" && !seen[ident.Geo] {
			seen[ident.Geo] = true
			out = append(out, ident.Geo)
		}
	}
	sort.Strings(out)
	return out
}

func excluded(list []string, id string) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

func (i *Identity) matches(geo, provider string) bool {
	if geo != "" && i.Geo != geo {
		return false
	}
	if provider != "" && !strings.EqualFold(i.Provider, provider) {
		return false
	}
	return true
}

// rehabilitateLocked must be called with i.mu held.
func (i *Identity) rehabilitateLocked(now time.Time, cfg Config) bool {
	if i.blockedUntil.IsZero() || now.Before(i.blockedUntil) {
		return false
	}
	i.blockedUntil = time.Time{}
	i.health = cfg.RehabHealth
	return true
}

func (i *Identity) selectableLocked(now time.Time, cfg Config) (ok, quarantined bool) {
	i.rehabilitateLocked(now, cfg)
	if !i.blockedUntil.IsZero() {
		return false, true
	}
	return i.health >= cfg.MinHealth, false
}

func (i *Identity) trySelect(now time.Time, cfg Config) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	ok, _ := i.selectableLocked(now, cfg)
	if ok {
		i.lastUsed = now
	}
	return ok
}

func (i *Identity) score(now time.Time, cfg Config) (score float64, ok, quarantined bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ok, quarantined = i.selectableLocked(now, cfg)
	if !ok {
		return 0, false, quarantined
	}

	recency := 1.0
	if !i.lastUsed.IsZero() {
		recency = float64(now.Sub(i.lastUsed)) / float64(cfg.RecencyWindow)
		if recency > 1 {
			recency = 1
		}
	}
	reliability := 0.5
	if total := i.successCount + i.failureCount; total > 0 {
		reliability = float64(i.successCount) / float64(total)
	}
	latency := float64(i.avgLatency) / float64(cfg.LatencyCeiling)
	if latency > 1 {
		latency = 1
	}
	return i.health + 0.1*recency + 0.1*reliability - 0.1*latency, true, false
}

func (i *Identity) markUsed(now time.Time) {
	i.mu.Lock()
	i.lastUsed = now
	i.mu.Unlock()
}

// observe applies one EMA step and reports the new health, whether the
// identity is quarantined and whether this update put it there.
func (i *Identity) observe(now time.Time, sample float64, o Outcome, cfg Config, counted bool) (float64, bool, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.rehabilitateLocked(now, cfg)
	i.health = cfg.Alpha*sample + (1-cfg.Alpha)*i.health

	success := o.Success && !o.Blocked
	if counted {
		if success {
			i.successCount++
		} else {
			i.failureCount++
		}
	}
	if success && o.Latency > 0 {
		if i.avgLatency == 0 {
			i.avgLatency = o.Latency
		} else {
			i.avgLatency = time.Duration(cfg.Alpha*float64(o.Latency) + (1-cfg.Alpha)*float64(i.avgLatency))
		}
	}

	entered := false
	if i.blockedUntil.IsZero() && i.health < cfg.QuarantineThreshold {
		i.blockedUntil = now.Add(cfg.Cooldown)
		entered = true
	}
	return i.health, !i.blockedUntil.IsZero(), entered
}

// Health returns the current health score.
func (i *Identity) Health() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health
}

// Snapshot returns a copy of the identity's statistics.
func (i *Identity) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := Snapshot{
		ID:           i.ID,
		Endpoint:     i.URL.Redacted(),
		Geo:          i.Geo,
		Provider:     i.Provider,
		HealthScore:  i.health,
		SuccessCount: i.successCount,
		FailureCount: i.failureCount,
		AvgLatency:   i.avgLatency,
		LastUsed:     i.lastUsed,
	}
	if !i.blockedUntil.IsZero() {
		until := i.blockedUntil
		s.BlockedUntil = &until
	}
	return s
}
