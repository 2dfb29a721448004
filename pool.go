package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// PoolLogger sets the structured logger for pool lifecycle events.
func PoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// Pool exclusively owns all sessions: lifecycle, the at-least-one-
// logged-in invariant, and per-call leasing. Background cleaners in the
// transport library never hold a session beyond a scoped call.
type Pool struct {
	factory ClientFactory
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// loginMu serialises interactive enrolment: only one session may be
	// logging_in at a time so a code-entry UI never interleaves.
	loginMu sync.Mutex
}

// NewPool creates a Pool that builds transports with factory.
func NewPool(factory ClientFactory, opts ...PoolOption) *Pool {
	p := &Pool{
		factory:  factory,
		sessions: make(map[string]*Session),
		log:      nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add enrols a session definition. Names are unique.
func (p *Pool) Add(name, authPath string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sessions[name]; exists {
		return fmt.Errorf("session %s already enrolled", name)
	}
	p.sessions[name] = newSession(name, authPath, enabled)
	return nil
}

// Session returns the named session for inspection, or nil.
func (p *Pool) Session(name string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[name]
}

// StartEnabled initialises every enabled session. Sessions whose auth
// artefact exists re-login silently and concurrently; the rest stay
// not_logged_in for interactive enrolment. Succeeds when at least one
// session ends logged_in.
func (p *Pool) StartEnabled(ctx context.Context) error {
	p.mu.Lock()
	var candidates []*Session
	for _, s := range p.sessions {
		if s.Enabled() {
			candidates = append(candidates, s)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range candidates {
		if _, err := os.Stat(s.authPath); err != nil {
			s.setState(SessionNotLoggedIn, nil)
			p.log.Info("no auth artefact, awaiting enrolment", "session", s.name)
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			p.silentLogin(ctx, s)
		}(s)
	}
	wg.Wait()

	if len(p.ListLoggedIn()) == 0 {
		return ErrNoSessions
	}
	return nil
}

// silentLogin connects a session from its persisted auth artefact and
// records identity and premium capability on success.
func (p *Pool) silentLogin(ctx context.Context, s *Session) {
	s.setState(SessionLoggingIn, nil)
	client, err := p.factory(s.name, s.authPath)
	if err != nil {
		s.setState(SessionLoginFailed, err)
		p.log.Error("transport init failed", "session", s.name, "error", err)
		return
	}
	if err := client.Connect(ctx); err != nil {
		s.setState(SessionLoginFailed, err)
		p.log.Error("silent login failed", "session", s.name, "error", err)
		return
	}
	self, err := client.Self(ctx)
	if err != nil {
		_ = client.Close(ctx)
		s.setState(SessionLoginFailed, err)
		p.log.Error("identity fetch failed", "session", s.name, "error", err)
		return
	}
	s.mu.Lock()
	s.client = client
	s.self = self
	s.state = SessionLoggedIn
	s.mu.Unlock()
	p.log.Info("session logged in",
		"session", s.name, "account", self.Name, "premium", self.Premium)
}

// StopAll terminates every connected session. Late database-close
// errors from the transport's background cleanup are expected during
// shutdown and only logged.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	var (
		open    []*Session
		clients []Client
	)
	for _, s := range p.sessions {
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client != nil {
			open = append(open, s)
			clients = append(clients, client)
		}
	}
	p.mu.Unlock()
	for i, s := range open {
		if err := clients[i].Close(ctx); err != nil {
			p.log.Debug("transport close error (expected on shutdown)",
				"session", s.name, "error", err)
		}
		s.setState(SessionDisabled, nil)
	}
}

// ListLoggedIn returns logged-in session names sorted by name, so
// assignment is deterministic.
func (p *Pool) ListLoggedIn() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name, s := range p.sessions {
		if s.State() == SessionLoggedIn {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Enable marks a session eligible for login and work.
func (p *Pool) Enable(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[name]
	if !ok {
		return fmt.Errorf("unknown session %s", name)
	}
	s.mu.Lock()
	s.enabled = true
	if s.state == SessionDisabled {
		s.state = SessionNotLoggedIn
	}
	s.mu.Unlock()
	return nil
}

// Disable removes a session from work. Refused with ErrLastSession when
// it is the only logged-in session: the pool must always keep one.
func (p *Pool) Disable(name string) error {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", name)
	}
	loggedIn := p.ListLoggedIn()
	if len(loggedIn) == 1 && loggedIn[0] == name {
		return ErrLastSession
	}
	s.mu.Lock()
	s.enabled = false
	s.state = SessionDisabled
	s.mu.Unlock()
	return nil
}

// Lease borrows the named session for one remote call. Returns
// ErrSessionBusy when a call is already outstanding: the transport is
// not re-entrant per session.
func (p *Pool) Lease(name string) (*Lease, error) {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionLoggedIn {
		return nil, fmt.Errorf("session %s not logged in (%s)", name, s.state)
	}
	if s.busy {
		return nil, ErrSessionBusy
	}
	s.busy = true
	return &Lease{s: s}, nil
}

// MarkError transitions a session to the error state after an
// unrecoverable failure. It drops out of ListLoggedIn but stays in the
// pool for inspection.
func (p *Pool) MarkError(name string, err error) {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()
	if !ok {
		return
	}
	s.setState(SessionError, err)
	p.log.Error("session errored", "session", name, "error", err)
}

// BeginInteractiveLogin serialises interactive enrolment: the returned
// release function must be called when code entry finishes. While one
// session holds it, others with pending logins stay queued.
func (p *Pool) BeginInteractiveLogin(name string) (release func(), err error) {
	p.mu.Lock()
	s, ok := p.sessions[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", name)
	}
	p.loginMu.Lock()
	s.setState(SessionLoggingIn, nil)
	return func() {
		p.loginMu.Unlock()
	}, nil
}
