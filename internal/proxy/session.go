// internal/proxy/session.go
package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session binds a logical multi-request context to one identity.
type Session struct {
	ID            string    `json:"sessionId"`
	ProxyID       string    `json:"proxyId"`
	StartedAt     time.Time `json:"startedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RotationCount int       `json:"rotationCount"`
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, sessions: make(map[string]*Session)}
}

// lookup returns the bound proxy while the binding is unexpired.
func (s *sessionStore) lookup(id string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.ProxyID == "" || !now.Before(sess.ExpiresAt) {
		return "", false
	}
	return sess.ProxyID, true
}

// bind points the session at proxyID. A changed binding counts as a rotation
// and restarts the validity window.
func (s *sessionStore) bind(id, proxyID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		s.sessions[id] = &Session{ID: id, ProxyID: proxyID, StartedAt: now, ExpiresAt: now.Add(s.ttl)}
		return
	}
	if sess.ProxyID == proxyID && now.Before(sess.ExpiresAt) {
		return
	}
	sess.ProxyID = proxyID
	sess.StartedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	sess.RotationCount++
}

// rotate drops the binding so the next acquire picks a new identity.
func (s *sessionStore) rotate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ProxyID = ""
	}
}

// dropProxy unbinds every session pointing at a quarantined identity.
func (s *sessionStore) dropProxy(proxyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProxyID == proxyID {
			sess.ProxyID = ""
		}
	}
}

func (s *sessionStore) get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// cleanup forgets sessions that expired more than one ttl ago.
func (s *sessionStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.ExpiresAt) > s.ttl {
			delete(s.sessions, id)
		}
	}
}
