package relay

import (
	"errors"
	"fmt"
	"time"
)

// ErrFloodWait is the service directive to pause a session for Seconds.
type ErrFloodWait struct {
	Seconds int
}

func (e *ErrFloodWait) Error() string {
	return fmt.Sprintf("flood wait %ds", e.Seconds)
}

// Duration returns the wait as a time.Duration.
func (e *ErrFloodWait) Duration() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// ErrUnauthorized marks a session whose auth is no longer valid.
type ErrUnauthorized struct {
	Session string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("session %s: unauthorized", e.Session)
}

// ErrChannelPrivate marks a channel the session cannot access.
type ErrChannelPrivate struct {
	Channel string
}

func (e *ErrChannelPrivate) Error() string {
	return fmt.Sprintf("channel %s: private or inaccessible", e.Channel)
}

// ErrValidation is a fatal input error at driver entry.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrTransient wraps a retryable I/O failure (reset, timeout).
type ErrTransient struct {
	Op  string
	Err error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrResource marks a non-retryable resource limit, e.g. a single file
// exceeding the service's per-file cap.
type ErrResource struct {
	Reason string
}

func (e *ErrResource) Error() string {
	return fmt.Sprintf("resource limit: %s", e.Reason)
}

var (
	// ErrLastSession is returned when disabling the sole logged-in session.
	ErrLastSession = errors.New("cannot disable the last logged-in session")
	// ErrNoSessions is returned when work requires at least one logged-in session.
	ErrNoSessions = errors.New("no logged-in sessions available")
	// ErrSessionBusy is returned by Lease when a call is already outstanding.
	ErrSessionBusy = errors.New("session has an outstanding call")
)

// FloodWaitOf extracts the flood-wait duration from err, if any.
func FloodWaitOf(err error) (time.Duration, bool) {
	var fw *ErrFloodWait
	if errors.As(err, &fw) {
		return fw.Duration(), true
	}
	return 0, false
}

// IsTransient reports whether err is retryable on the same session.
func IsTransient(err error) bool {
	var tr *ErrTransient
	return errors.As(err, &tr)
}

// IsAuthError reports whether err is fatal for the session or channel.
func IsAuthError(err error) bool {
	var ua *ErrUnauthorized
	var cp *ErrChannelPrivate
	return errors.As(err, &ua) || errors.As(err, &cp)
}
