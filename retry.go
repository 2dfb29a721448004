package relay

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

// nopLogger discards everything. Components default to it when no
// logger is configured.
var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// defaultMaxAttempts bounds transient retries per operation.
const defaultMaxAttempts = 3

// retryCall calls fn up to maxAttempts times on a single session.
// Transient errors back off exponentially with jitter. Flood-waits at
// or under the limiter's absorb threshold are slept inline and do not
// consume an attempt; longer flood-waits return immediately so the
// caller can apply its suspension policy. Auth and validation errors
// return on first occurrence.
func retryCall[T any](ctx context.Context, limiter *Limiter, session, op string, maxAttempts int, base time.Duration, log *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			limiter.Observe(session, nil)
			return result, nil
		}
		wait, absorb := limiter.Observe(session, err)
		if _, isFlood := FloodWaitOf(err); isFlood {
			if !absorb {
				return zero, err
			}
			log.Warn("flood wait absorbed",
				"op", op, "session", session, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return zero, err
			}
			i-- // an absorbed wait is not a failed attempt
			continue
		}
		if !IsTransient(err) {
			return zero, err
		}
		last = err
		log.Warn("retrying transient error",
			"op", op, "session", session,
			"attempt", i+1, "max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			if err := sleepCtx(ctx, retryBackoff(base, i)); err != nil {
				return zero, err
			}
		}
	}
	log.Error("all retry attempts exhausted",
		"op", op, "session", session,
		"attempts", maxAttempts, "error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// sleepCtx sleeps for d, returning early with ctx.Err() on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
