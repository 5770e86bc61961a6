package session

import (
	"sync"
	"time"
)

// RefreshSkew is how long before expiry a credential stops counting as valid.
const RefreshSkew = 60 * time.Second

// Credential is an accepted token pair. It is never modified after creation;
// a refresh installs a new value.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ValidAt reports now < ExpiresAt - skew.
func (c Credential) ValidAt(now time.Time, skew time.Duration) bool {
	return now.Before(c.ExpiresAt.Add(-skew))
}

// State is the session state machine position.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	// StateFailed means refresh and re-authentication both failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Store holds the current credential and session state behind one lock.
// It does no I/O.
type Store struct {
	mu    sync.RWMutex
	cred  *Credential
	state State
}

func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the current credential.
func (s *Store) Load() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Replace installs c wholesale and marks the session authenticated.
func (s *Store) Replace(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &c
	s.state = StateAuthenticated
}

// MarkFailed records that no grant succeeded. The stale credential stays.
func (s *Store) MarkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
}

// Clear drops the credential.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	s.state = StateUnauthenticated
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
