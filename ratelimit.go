package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OpClass partitions remote calls for class-level rate limiting.
type OpClass string

const (
	// ClassDownload covers fetch and media-download calls.
	ClassDownload OpClass = "download"
	// ClassUpload covers scratch uploads, sends and deletes.
	ClassUpload OpClass = "upload"
)

// Default limiter tuning. Values are permits per minute.
const (
	DefaultGlobalRate   = 30
	DefaultClassRate    = 20
	DefaultSessionRate  = 10
	DefaultFloodAbsorb  = 10 * time.Second
	successWindowSize   = 50
	floodTripCount      = 3
	floodTripWindow     = 5 * time.Minute
	classBackoffFactor  = 0.7
	classRateFloorFrac  = 0.2
	successRestoreRate  = 0.95
)

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// GlobalRate sets the service-wide permits per minute.
func GlobalRate(n int) LimiterOption {
	return func(l *Limiter) { l.globalPerMin = n }
}

// ClassRate sets the permits per minute for one op class.
func ClassRate(class OpClass, n int) LimiterOption {
	return func(l *Limiter) { l.classPerMin[class] = n }
}

// SessionRate sets the per-session permits per minute.
func SessionRate(n int) LimiterOption {
	return func(l *Limiter) { l.perSession = n }
}

// FloodAbsorbThreshold sets the longest flood-wait absorbed inline on
// the same session. Longer waits suspend the session instead.
func FloodAbsorbThreshold(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.threshold = d }
}

// LimiterLogger sets the structured logger for limiter events.
func LimiterLogger(log *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.log = log }
}

// classState carries one op class's token bucket plus the adaptive rate
// bookkeeping: current permits/min shrink after repeated flood-waits and
// creep back toward the configured value under sustained success.
type classState struct {
	bucket     *rate.Limiter
	configured float64 // permits per minute
	current    float64
}

// sessionState tracks one session's rolling call window, suspension
// deadline and recent outcomes.
type sessionState struct {
	window         []time.Time // calls within the last minute
	suspendedUntil time.Time
	floodWaits     []time.Time
	floodTotal     int
	recent         []bool // ring of recent outcomes, newest last
}

// Limiter is the rate-limit / back-pressure controller. Three layers
// gate every remote call: a global bucket, an op-class bucket, and a
// per-session sliding window. Admission requires all three permits and
// is cancellable; a cancelled wait consumes nothing.
type Limiter struct {
	mu           sync.Mutex
	globalPerMin int
	perSession   int
	threshold    time.Duration
	classPerMin  map[OpClass]int
	global       *rate.Limiter
	classes      map[OpClass]*classState
	sessions     map[string]*sessionState
	log          *slog.Logger
}

// NewLimiter creates a Limiter with the default tuning, overridable via
// options.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		globalPerMin: DefaultGlobalRate,
		perSession:   DefaultSessionRate,
		threshold:    DefaultFloodAbsorb,
		classPerMin: map[OpClass]int{
			ClassDownload: DefaultClassRate,
			ClassUpload:   DefaultClassRate,
		},
		sessions: make(map[string]*sessionState),
		log:      nopLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.global = rate.NewLimiter(perMinute(l.globalPerMin), l.globalPerMin)
	l.classes = make(map[OpClass]*classState, len(l.classPerMin))
	for class, n := range l.classPerMin {
		l.classes[class] = &classState{
			bucket:     rate.NewLimiter(perMinute(n), n),
			configured: float64(n),
			current:    float64(n),
		}
	}
	return l
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// Admit blocks until the session may issue one call of the given class.
// It waits out any session suspension first, then the per-session
// window, then the class and global buckets. Returns ctx.Err() if the
// context is cancelled while waiting.
func (l *Limiter) Admit(ctx context.Context, session string, class OpClass) error {
	if err := l.WaitReady(ctx, session); err != nil {
		return err
	}
	if err := l.waitSessionWindow(ctx, session); err != nil {
		return err
	}
	if cs := l.classLimiter(class); cs != nil {
		if err := cs.Wait(ctx); err != nil {
			return err
		}
	}
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.state(session).window = append(l.state(session).window, time.Now())
	l.mu.Unlock()
	return nil
}

func (l *Limiter) classLimiter(class OpClass) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.classes[class]
	if !ok {
		return nil
	}
	return cs.bucket
}

// waitSessionWindow blocks until the session's rolling one-minute call
// count is below the per-session rate. The window entry is recorded by
// Admit only after every layer has admitted, so a cancelled wait leaves
// no trace.
func (l *Limiter) waitSessionWindow(ctx context.Context, session string) error {
	for {
		l.mu.Lock()
		s := l.state(session)
		now := time.Now()
		s.window = pruneTimes(s.window, now.Add(-time.Minute))
		if l.perSession <= 0 || len(s.window) < l.perSession {
			l.mu.Unlock()
			return nil
		}
		wait := s.window[0].Add(time.Minute).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// state returns the session's tracking record, creating it on first use.
// Callers hold l.mu.
func (l *Limiter) state(session string) *sessionState {
	s, ok := l.sessions[session]
	if !ok {
		s = &sessionState{}
		l.sessions[session] = s
	}
	return s
}

// Observe classifies the outcome of a finished call and updates the
// adaptive state. For flood-wait errors it returns the wait duration and
// whether the caller should absorb it inline (wait ≤ threshold) or treat
// the session as suspended (the suspension deadline is already set).
func (l *Limiter) Observe(session string, err error) (wait time.Duration, absorb bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state(session)
	if err == nil {
		s.recent = pushOutcome(s.recent, true)
		l.maybeRestore()
		return 0, false
	}
	s.recent = pushOutcome(s.recent, false)
	d, ok := FloodWaitOf(err)
	if !ok {
		return 0, false
	}
	now := time.Now()
	s.floodWaits = pruneTimes(append(s.floodWaits, now), now.Add(-floodTripWindow))
	s.floodTotal++
	if len(s.floodWaits) >= floodTripCount {
		l.reduceClassRates()
		s.floodWaits = nil
	}
	if d <= l.threshold {
		l.log.Warn("absorbing flood wait", "session", session, "wait", d)
		return d, true
	}
	s.suspendedUntil = now.Add(d)
	l.log.Warn("suspending session on flood wait", "session", session, "wait", d)
	return d, false
}

// Suspend suspends the session until now+d, e.g. on transport-level
// back-pressure detected outside the limiter.
func (l *Limiter) Suspend(session string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	s := l.state(session)
	if until.After(s.suspendedUntil) {
		s.suspendedUntil = until
	}
}

// SuspendedUntil returns the session's suspension deadline (zero when
// not suspended).
func (l *Limiter) SuspendedUntil(session string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(session).suspendedUntil
}

// WaitReady blocks until any suspension on the session has expired.
func (l *Limiter) WaitReady(ctx context.Context, session string) error {
	for {
		l.mu.Lock()
		until := l.state(session).suspendedUntil
		l.mu.Unlock()
		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reduceClassRates multiplicatively backs off every class rate after
// repeated flood-waits. Callers hold l.mu.
func (l *Limiter) reduceClassRates() {
	for class, cs := range l.classes {
		floor := cs.configured * classRateFloorFrac
		next := cs.current * classBackoffFactor
		if next < floor {
			next = floor
		}
		if next != cs.current {
			cs.current = next
			cs.bucket.SetLimit(rate.Limit(next / 60.0))
			l.log.Info("reduced class rate", "class", string(class), "per_minute", next)
		}
	}
}

// maybeRestore creeps class rates back toward their configured values
// while the recent success rate stays high. Callers hold l.mu.
func (l *Limiter) maybeRestore() {
	if l.successRateLocked() <= successRestoreRate {
		return
	}
	for _, cs := range l.classes {
		if cs.current >= cs.configured {
			continue
		}
		next := cs.current + 1
		if next > cs.configured {
			next = cs.configured
		}
		cs.current = next
		cs.bucket.SetLimit(rate.Limit(next / 60.0))
	}
}

// successRateLocked computes the success fraction over all sessions'
// recent outcome rings. Callers hold l.mu.
func (l *Limiter) successRateLocked() float64 {
	var ok, total int
	for _, s := range l.sessions {
		for _, good := range s.recent {
			total++
			if good {
				ok++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

// SessionSnapshot is one session's limiter state for scheduling
// decisions.
type SessionSnapshot struct {
	CallsLastMinute int
	SuspendedUntil  time.Time
	FloodWaits      int
	SuccessRate     float64
}

// Snapshot returns per-session limiter state plus the overall success
// rate under each entry.
func (l *Limiter) Snapshot() map[string]SessionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	out := make(map[string]SessionSnapshot, len(l.sessions))
	for name, s := range l.sessions {
		s.window = pruneTimes(s.window, cutoff)
		var ok int
		for _, good := range s.recent {
			if good {
				ok++
			}
		}
		sr := 1.0
		if len(s.recent) > 0 {
			sr = float64(ok) / float64(len(s.recent))
		}
		out[name] = SessionSnapshot{
			CallsLastMinute: len(s.window),
			SuspendedUntil:  s.suspendedUntil,
			FloodWaits:      s.floodTotal,
			SuccessRate:     sr,
		}
	}
	return out
}

// AbsorbThreshold returns the configured inline-absorb limit.
func (l *Limiter) AbsorbThreshold() time.Duration { return l.threshold }

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pushOutcome appends to a bounded outcome ring, dropping the oldest.
func pushOutcome(ring []bool, good bool) []bool {
	ring = append(ring, good)
	if len(ring) > successWindowSize {
		ring = ring[len(ring)-successWindowSize:]
	}
	return ring
}
