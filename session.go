package relay

import (
	"sync"
	"time"
)

// SessionState is a session's lifecycle state.
type SessionState string

const (
	SessionDisabled    SessionState = "disabled"
	SessionNotLoggedIn SessionState = "not_logged_in"
	SessionLoggingIn   SessionState = "logging_in"
	SessionLoggedIn    SessionState = "logged_in"
	SessionLoginFailed SessionState = "login_failed"
	SessionError       SessionState = "error"
)

// Caption length caps enforced by the service. Premium accounts get the
// extended cap.
const (
	CaptionCapNormal  = 1024
	CaptionCapPremium = 4096
)

// Session is one authenticated transport handle owned by the pool.
// All state mutation goes through the pool; workers only see leases.
type Session struct {
	name     string
	authPath string

	mu         sync.Mutex
	enabled    bool
	state      SessionState
	client     Client
	self       SelfInfo
	lastActive time.Time
	lastErr    error
	busy       bool
}

func newSession(name, authPath string, enabled bool) *Session {
	state := SessionNotLoggedIn
	if !enabled {
		state = SessionDisabled
	}
	return &Session{name: name, authPath: authPath, enabled: enabled, state: state}
}

// Name returns the session's unique name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enabled reports whether the session participates in work.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Self returns the account identity recorded at login.
func (s *Session) Self() SelfInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// CaptionCap is the caption length limit for this session's account.
func (s *Session) CaptionCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.self.Premium {
		return CaptionCapPremium
	}
	return CaptionCapNormal
}

// LastError returns the error recorded by the most recent failed
// transition, for operator inspection.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastActive returns the time of the session's most recent leased call.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) setState(state SessionState, err error) {
	s.mu.Lock()
	s.state = state
	s.lastErr = err
	s.mu.Unlock()
}

// Lease is a per-call borrow of a session. Release must be called when
// the remote call completes; the pool admits one outstanding call per
// session because the transport is not re-entrant.
type Lease struct {
	s        *Session
	released bool
}

// Client returns the transport handle for the duration of the lease.
func (l *Lease) Client() Client { return l.s.client }

// Name returns the leased session's name.
func (l *Lease) Name() string { return l.s.name }

// CaptionCap mirrors Session.CaptionCap for callers holding the lease.
func (l *Lease) CaptionCap() int { return l.s.CaptionCap() }

// Release returns the session to the pool. Safe to call once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.s.mu.Lock()
	l.s.busy = false
	l.s.lastActive = time.Now()
	l.s.mu.Unlock()
}
