package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SmallFileLimit is the size under which the in-memory download path is
// used. Videos always stream: the small-file path is only reliable for
// other kinds under this limit.
const SmallFileLimit = 50 << 20

// downloadSmallTimeout bounds one in-memory download call. Streaming
// downloads are unbounded.
const downloadSmallTimeout = 60 * time.Second

// maxUnitPasses bounds how many times a unit re-enters the local retry
// queue after long flood-waits.
const maxUnitPasses = 3

// Filter decides whether a media item is downloaded. Excluded items are
// reported as skipped.
type Filter func(kind MediaKind, size int64) bool

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// DownloadLogger sets the structured logger.
func DownloadLogger(log *slog.Logger) DownloaderOption {
	return func(d *Downloader) { d.log = log }
}

// DownloadFilter sets the media inclusion predicate.
func DownloadFilter(f Filter) DownloaderOption {
	return func(d *Downloader) { d.filter = f }
}

// DownloadEvents sets the emitter for per-file progress events.
func DownloadEvents(e *Emitter) DownloaderOption {
	return func(d *Downloader) { d.events = e }
}

// Downloader executes the local-download workflow: each session walks
// its assigned units sequentially, downloading every constituent
// message's media into a per-channel directory.
type Downloader struct {
	pool    *Pool
	limiter *Limiter
	root    string
	filter  Filter
	log     *slog.Logger
	events  *Emitter
}

// NewDownloader creates a Downloader writing under root.
func NewDownloader(pool *Pool, limiter *Limiter, root string, opts ...DownloaderOption) *Downloader {
	d := &Downloader{pool: pool, limiter: limiter, root: root, log: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run downloads every unit in the assignment. Sessions work in
// parallel; a session that errors mid-run has its unfinished units
// redistributed across the survivors, preserving coverage and group
// indivisibility. Returns one FileResult per media item.
func (d *Downloader) Run(ctx context.Context, channel string, assignment Assignment) []FileResult {
	dir := filepath.Join(d.root, SanitizeFilename(channel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failAll(assignment, "", fmt.Sprintf("create directory: %v", err))
	}

	var results []FileResult
	remaining := assignment
	for len(remaining) > 0 {
		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			orphans []AtomicUnit
		)
		for name, units := range remaining {
			wg.Add(1)
			go func(name string, units []AtomicUnit) {
				defer wg.Done()
				res, leftover := d.runSession(ctx, name, channel, dir, units)
				mu.Lock()
				results = append(results, res...)
				orphans = append(orphans, leftover...)
				mu.Unlock()
			}(name, units)
		}
		wg.Wait()

		if len(orphans) == 0 || ctx.Err() != nil {
			if ctx.Err() != nil && len(orphans) > 0 {
				results = append(results, failUnits(orphans, "", "cancelled")...)
			}
			break
		}
		survivors := d.pool.ListLoggedIn()
		if len(survivors) == 0 {
			results = append(results, failUnits(orphans, "", ErrNoSessions.Error())...)
			break
		}
		next, err := Distribute(orphans, survivors)
		if err != nil {
			results = append(results, failUnits(orphans, "", err.Error())...)
			break
		}
		d.log.Warn("redistributing units from failed session",
			"units", len(orphans), "survivors", len(survivors))
		remaining = next
	}
	return results
}

// runSession processes one session's units in source order. On an
// unrecoverable session error the not-yet-finished units are returned
// for reassignment. Units hit by a long flood-wait go onto a local
// retry queue drained after the suspension expires.
func (d *Downloader) runSession(ctx context.Context, session, channel, dir string, units []AtomicUnit) ([]FileResult, []AtomicUnit) {
	var results []FileResult
	passes := make(map[int]int) // unit first-id -> completed passes
	queue := append([]AtomicUnit(nil), units...)

	for len(queue) > 0 {
		unit := queue[0]
		queue = queue[1:]
		if ctx.Err() != nil {
			return results, append([]AtomicUnit{unit}, queue...)
		}
		res, outcome, remainder := d.downloadUnit(ctx, session, channel, dir, unit)
		results = append(results, res...)
		switch outcome {
		case unitDone:
		case unitRequeue:
			passes[unit.FirstID()]++
			if passes[unit.FirstID()] >= maxUnitPasses {
				results = append(results, failUnits([]AtomicUnit{remainder}, session, "flood wait retries exhausted")...)
				continue
			}
			queue = append(queue, remainder)
			// Drain resumes once the suspension expires.
			if err := d.limiter.WaitReady(ctx, session); err != nil {
				return results, queue
			}
		case unitSessionLost:
			return results, append([]AtomicUnit{remainder}, queue...)
		}
	}
	return results, nil
}

type unitOutcome int

const (
	unitDone unitOutcome = iota
	unitRequeue
	unitSessionLost
)

// downloadUnit downloads one unit's messages in source order. On a
// long flood-wait the not-yet-downloaded remainder of the unit is
// returned for requeueing, so already-written files are not repeated.
func (d *Downloader) downloadUnit(ctx context.Context, session, channel, dir string, unit AtomicUnit) ([]FileResult, unitOutcome, AtomicUnit) {
	var results []FileResult
	for i, m := range unit.Messages {
		if !m.HasMedia() {
			continue
		}
		if d.filter != nil && !d.filter(m.Kind, m.FileSize) {
			results = append(results, d.record(FileResult{
				MessageID: m.ID, Session: session, Status: FileSkipped,
				Kind: m.Kind, Error: "filtered",
			}))
			continue
		}
		res, err := d.downloadOne(ctx, session, channel, dir, m)
		if err == nil {
			results = append(results, d.record(res))
			continue
		}
		if wait, ok := FloodWaitOf(err); ok {
			// Long flood-wait: the limiter has suspended the session.
			// Park the rest of the unit on the retry queue.
			if d.events != nil {
				d.events.Emit(Event{Type: EventFloodWait, Session: session, WaitSeconds: int(wait.Seconds())})
			}
			remainder := AtomicUnit{GroupID: unit.GroupID, Messages: unit.Messages[i:]}
			return results, unitRequeue, remainder
		}
		if IsAuthError(err) {
			d.pool.MarkError(session, err)
			remainder := AtomicUnit{GroupID: unit.GroupID, Messages: unit.Messages[i:]}
			return results, unitSessionLost, remainder
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			remainder := AtomicUnit{GroupID: unit.GroupID, Messages: unit.Messages[i:]}
			return results, unitSessionLost, remainder
		}
		results = append(results, d.record(FileResult{
			MessageID: m.ID, Session: session, Status: FileFailed,
			Kind: m.Kind, Error: err.Error(),
		}))
	}
	return results, unitDone, AtomicUnit{}
}

// downloadOne fetches a single media item under rate-limit admission,
// writes it to a temporary name, verifies the byte count, and renames
// into place. A returned *ErrFloodWait means a long wait: short ones
// are absorbed by the retry helper.
func (d *Downloader) downloadOne(ctx context.Context, session, channel, dir string, m Message) (FileResult, error) {
	if err := d.limiter.Admit(ctx, session, ClassDownload); err != nil {
		return FileResult{}, err
	}
	lease, err := d.pool.Lease(session)
	if err != nil {
		return FileResult{}, err
	}
	defer lease.Release()

	name := FileName(m, channel)
	tmp := filepath.Join(dir, name+".part")
	written, err := retryCall(ctx, d.limiter, session, "download", defaultMaxAttempts, time.Second, d.log, func() (int64, error) {
		return d.transfer(ctx, lease.Client(), m, tmp)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return FileResult{}, err
	}
	if m.FileSize > 0 && written != m.FileSize {
		_ = os.Remove(tmp)
		return FileResult{
			MessageID: m.ID, Session: session, Status: FileFailed, Kind: m.Kind,
			Error: fmt.Sprintf("size mismatch: declared %d, observed %d", m.FileSize, written),
		}, nil
	}
	final := UniquePath(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return FileResult{}, fmt.Errorf("rename: %w", err)
	}
	return FileResult{
		MessageID: m.ID, Session: session, Status: FileOK,
		Path: final, Bytes: written, Kind: m.Kind,
	}, nil
}

// transfer picks the transport mode: in-memory for small non-video
// payloads, streaming otherwise.
func (d *Downloader) transfer(ctx context.Context, client Client, m Message, tmp string) (int64, error) {
	if m.FileSize < SmallFileLimit && m.Kind != KindVideo {
		cctx, cancel := context.WithTimeout(ctx, downloadSmallTimeout)
		defer cancel()
		data, err := client.DownloadSmall(cctx, m)
		if err != nil {
			return 0, err
		}
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return 0, fmt.Errorf("write: %w", err)
		}
		return int64(len(data)), nil
	}
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	written, err := client.Stream(ctx, m, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close: %w", cerr)
	}
	return written, err
}

func (d *Downloader) record(r FileResult) FileResult {
	if d.events != nil {
		d.events.Emit(Event{
			Type: EventFileDone, Session: r.Session, MessageID: r.MessageID,
			Bytes: r.Bytes, Detail: string(r.Status),
		})
	}
	return r
}

func failAll(a Assignment, session, reason string) []FileResult {
	var all []AtomicUnit
	for _, units := range a {
		all = append(all, units...)
	}
	return failUnits(all, session, reason)
}

func failUnits(units []AtomicUnit, session, reason string) []FileResult {
	var out []FileResult
	for _, u := range units {
		for _, m := range u.Messages {
			if !m.HasMedia() {
				continue
			}
			out = append(out, FileResult{
				MessageID: m.ID, Session: session, Status: FileFailed,
				Kind: m.Kind, Error: reason,
			})
		}
	}
	return out
}
