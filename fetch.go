package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// FetchBatchSize is the most message ids one remote fetch call accepts.
const FetchBatchSize = 100

// fetchTimeout bounds a single fetch call.
const fetchTimeout = 30 * time.Second

// leaseRetryInterval paces re-attempts against a momentarily busy
// session lease.
const leaseRetryInterval = 25 * time.Millisecond

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// FetcherLogger sets the structured logger.
func FetcherLogger(log *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = log }
}

// Fetcher retrieves a contiguous id range in parallel: the range is cut
// into one contiguous slice per logged-in session, each slice is
// fetched in batches, and results merge back in ascending id order.
type Fetcher struct {
	pool    *Pool
	limiter *Limiter
	log     *slog.Logger
}

// NewFetcher creates a Fetcher over the pool and limiter.
func NewFetcher(pool *Pool, limiter *Limiter, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{pool: pool, limiter: limiter, log: nopLogger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the messages in [startID, endID] ascending. Deleted ids
// are skipped silently. A slice that fails on every session leaves a
// gap: the partial result is returned with the failure counted in
// FetchStats and the last error, so downstream stages can proceed.
func (f *Fetcher) Fetch(ctx context.Context, channel string, startID, endID int) ([]Message, FetchStats, error) {
	if startID <= 0 || endID < startID {
		return nil, FetchStats{}, &ErrValidation{Field: "range", Reason: fmt.Sprintf("[%d, %d]", startID, endID)}
	}
	sessions := f.pool.ListLoggedIn()
	if len(sessions) == 0 {
		return nil, FetchStats{}, ErrNoSessions
	}

	ids := make([]int, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		ids = append(ids, id)
	}
	slices := splitContiguous(ids, len(sessions))

	var (
		mu      sync.Mutex
		fetched []Message
		failed  int
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, slice := range slices {
		g.Go(func() error {
			for start := 0; start < len(slice); start += FetchBatchSize {
				end := min(start+FetchBatchSize, len(slice))
				batch := slice[start:end]
				msgs, err := f.fetchBatch(gctx, channel, batch, sessions, i)
				mu.Lock()
				if err != nil {
					failed += len(batch)
					lastErr = err
				} else {
					fetched = append(fetched, msgs...)
				}
				mu.Unlock()
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, FetchStats{Requested: len(ids)}, err
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].ID < fetched[j].ID })
	stats := FetchStats{
		Requested: len(ids),
		Fetched:   len(fetched),
		Missing:   len(ids) - len(fetched) - failed,
		Failed:    failed,
	}
	if len(fetched) == 0 && lastErr != nil {
		return nil, stats, lastErr
	}
	if failed > 0 {
		f.log.Warn("range fetched with gaps",
			"channel", channel, "fetched", stats.Fetched, "failed", failed)
	}
	return fetched, stats, nil
}

// fetchBatch retrieves one batch of ids, starting on the slice's own
// session and rotating through the alternates when a session fails. A
// busy lease is waited out, never counted as a tried session.
func (f *Fetcher) fetchBatch(ctx context.Context, channel string, ids []int, sessions []string, preferred int) ([]Message, error) {
	var lastErr error
	for attempt := 0; attempt < len(sessions); attempt++ {
		name := sessions[(preferred+attempt)%len(sessions)]
		if err := f.limiter.Admit(ctx, name, ClassDownload); err != nil {
			return nil, err
		}
		lease, err := f.pool.Lease(name)
		for errors.Is(err, ErrSessionBusy) {
			// Busy means another slice worker holds the lease for one
			// call, not that the session failed; wait for it instead of
			// counting the session as tried.
			if serr := sleepCtx(ctx, leaseRetryInterval); serr != nil {
				return nil, serr
			}
			lease, err = f.pool.Lease(name)
		}
		if err != nil {
			lastErr = err
			continue
		}
		msgs, err := func() ([]Message, error) {
			defer lease.Release()
			cctx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()
			return lease.Client().FetchMessages(cctx, channel, ids)
		}()
		if err == nil {
			f.limiter.Observe(name, nil)
			return msgs, nil
		}
		if wait, absorb := f.limiter.Observe(name, err); absorb {
			if serr := sleepCtx(ctx, wait); serr != nil {
				return nil, serr
			}
			attempt-- // retry the same session after an absorbed wait
			continue
		}
		lastErr = err
		f.log.Warn("fetch batch failed, rotating session",
			"channel", channel, "session", name,
			"first_id", ids[0], "error", err)
	}
	return nil, lastErr
}

// splitContiguous cuts ids into at most k contiguous, near-equal slices.
func splitContiguous(ids []int, k int) [][]int {
	if k <= 0 || len(ids) == 0 {
		return nil
	}
	if k > len(ids) {
		k = len(ids)
	}
	out := make([][]int, 0, k)
	size := len(ids) / k
	rem := len(ids) % k
	start := 0
	for i := 0; i < k; i++ {
		n := size
		if i < rem {
			n++
		}
		out = append(out, ids[start:start+n])
		start += n
	}
	return out
}
