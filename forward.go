package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CleanupPolicy controls stage-3 scratch reclamation. The default
// reclaims scratch for fully-distributed units and retains scratch for
// failed ones so an operator can inspect them.
type CleanupPolicy struct {
	OnSuccess bool
	OnFailure bool
}

// DefaultCleanupPolicy reclaims on success, retains on failure.
var DefaultCleanupPolicy = CleanupPolicy{OnSuccess: true, OnFailure: false}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// ForwardLogger sets the structured logger.
func ForwardLogger(log *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = log }
}

// ForwardEvents sets the emitter for pipeline progress events.
func ForwardEvents(e *Emitter) ForwarderOption {
	return func(f *Forwarder) { f.events = e }
}

// ForwardBatchSize bounds send batches to 1..GroupCap handles.
func ForwardBatchSize(n int) ForwarderOption {
	return func(f *Forwarder) { f.batchSize = n }
}

// ForwardPreserveStructure keeps the source structure: singletons use
// single-send, groups use batch-send. Disabling it enables the legacy
// path that re-batches consecutive compatible singletons into albums.
// Preserving is the default.
func ForwardPreserveStructure(preserve bool) ForwarderOption {
	return func(f *Forwarder) { f.preserve = preserve }
}

// ForwardPacing inserts a fixed delay between consecutive sends to one
// destination.
func ForwardPacing(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.pacing = d }
}

// ForwardCleanup sets the stage-3 reclamation policy.
func ForwardCleanup(p CleanupPolicy) ForwarderOption {
	return func(f *Forwarder) { f.policy = p }
}

// ForwardMaxRetries bounds stage-2 retries of one batch after long
// flood-wait suspensions on the owning session.
func ForwardMaxRetries(n int) ForwarderOption {
	return func(f *Forwarder) { f.maxRetries = n }
}

// Forwarder runs the staged-forward pipeline: stage 1 uploads media
// into the owning session's self-chat, stage 2 regroups scratch into
// kind-compatible batches and fans them out to every destination in
// source order, stage 3 reclaims scratch. Scratch handles are only
// valid on their owning session, so a long flood-wait during stage 2
// waits out the suspension on the same session rather than
// reassigning.
type Forwarder struct {
	pool         *Pool
	limiter      *Limiter
	template     *Template
	destinations []string

	batchSize  int
	preserve   bool
	pacing     time.Duration
	policy     CleanupPolicy
	maxRetries int
	log        *slog.Logger
	events     *Emitter
}

// NewForwarder creates a Forwarder targeting destinations.
func NewForwarder(pool *Pool, limiter *Limiter, tmpl *Template, destinations []string, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		pool:         pool,
		limiter:      limiter,
		template:     tmpl,
		destinations: destinations,
		batchSize:    GroupCap,
		preserve:     true,
		policy:       DefaultCleanupPolicy,
		maxRetries:   defaultMaxAttempts,
		log:          nopLogger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForwardResult is the pipeline's aggregate outcome.
type ForwardResult struct {
	Units            []UnitResult
	Destinations     []DestinationResult
	ScratchCreated   int
	ScratchReclaimed int
	Unreclaimed      []ScratchHandle
	State            PipelineState
	Cancelled        bool
}

// destTracker aggregates per-destination outcomes across sessions.
type destTracker struct {
	mu   sync.Mutex
	dest map[string]*DestinationResult
}

func newDestTracker(destinations []string) *destTracker {
	t := &destTracker{dest: make(map[string]*DestinationResult, len(destinations))}
	for _, d := range destinations {
		t.dest[d] = &DestinationResult{Destination: d}
	}
	return t
}

func (t *destTracker) success(dest string, units int, ids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.dest[dest]
	r.UnitsSent += units
	r.MessageIDs = append(r.MessageIDs, ids...)
}

func (t *destTracker) failure(dest string, units int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dest[dest].UnitsFailed += units
}

func (t *destTracker) results() []DestinationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DestinationResult, 0, len(t.dest))
	for _, r := range t.dest {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Run executes the pipeline for an assignment. Sessions run in
// parallel; within a session the stages run in source order. Units that
// could not even begin staging on a suspended or lost session are
// redistributed to the remaining sessions.
func (f *Forwarder) Run(ctx context.Context, channelName string, assignment Assignment) ForwardResult {
	table := newScratchTable()
	dests := newDestTracker(f.destinations)

	var (
		result ForwardResult
		mu     sync.Mutex
	)
	remaining := assignment
	for len(remaining) > 0 && ctx.Err() == nil {
		var (
			wg      sync.WaitGroup
			orphans []AtomicUnit
		)
		multi := len(remaining) > 1 || len(f.pool.ListLoggedIn()) > 1
		for name, units := range remaining {
			wg.Add(1)
			go func(name string, units []AtomicUnit) {
				defer wg.Done()
				unitRes, leftover, retained := f.runSession(ctx, name, channelName, units, table, dests, multi)
				mu.Lock()
				result.Units = append(result.Units, unitRes...)
				result.Unreclaimed = append(result.Unreclaimed, retained...)
				orphans = append(orphans, leftover...)
				mu.Unlock()
			}(name, units)
		}
		wg.Wait()

		if len(orphans) == 0 {
			break
		}
		survivors := f.pool.ListLoggedIn()
		if len(survivors) == 0 || ctx.Err() != nil {
			status := UnitFailed
			if ctx.Err() != nil {
				status = UnitCancelled
			}
			for _, u := range orphans {
				result.Units = append(result.Units, UnitResult{
					FirstID: u.FirstID(), GroupID: u.GroupID, Status: status,
					Error: "no session could stage the unit",
				})
			}
			break
		}
		next, err := Distribute(orphans, survivors)
		if err != nil {
			break
		}
		f.log.Warn("redistributing unstaged units", "units", len(orphans))
		remaining = next
	}

	result.Cancelled = ctx.Err() != nil
	f.emergencyCleanup(ctx, table, &result)
	result.ScratchCreated, result.ScratchReclaimed = table.counts()
	result.Destinations = dests.results()
	result.State = f.finalState(result)
	sort.Slice(result.Units, func(i, j int) bool { return result.Units[i].FirstID < result.Units[j].FirstID })
	return result
}

// runSession stages, distributes, and cleans one session's units.
// Returns per-unit results, units handed back for reassignment, and
// scratch handles retained by policy.
func (f *Forwarder) runSession(ctx context.Context, session, channelName string, units []AtomicUnit, table *scratchTable, dests *destTracker, canReassign bool) ([]UnitResult, []AtomicUnit, []ScratchHandle) {
	var (
		results  []UnitResult
		retained []ScratchHandle
	)

	// Stage 1: acquire scratch sequentially in source order.
	var staged []ScratchUnit
	for i, unit := range units {
		if ctx.Err() != nil {
			return results, units[i:], retained
		}
		su, err := stageUnit(ctx, f.pool, f.limiter, table, f.log, session, unit, f.events)
		if err == nil {
			staged = append(staged, su)
			continue
		}
		if wait, ok := FloodWaitOf(err); ok {
			if f.events != nil {
				f.events.Emit(Event{Type: EventFloodWait, Session: session, WaitSeconds: int(wait.Seconds())})
			}
			if canReassign {
				// Partial scratch of the bounced unit stays in the
				// table for the emergency sweep; the unit restages
				// elsewhere.
				return results, units[i:], retained
			}
			if werr := f.limiter.WaitReady(ctx, session); werr != nil {
				return results, units[i:], retained
			}
			if su, err = stageUnit(ctx, f.pool, f.limiter, table, f.log, session, unit, f.events); err == nil {
				staged = append(staged, su)
				continue
			}
		}
		if IsAuthError(err) {
			f.pool.MarkError(session, err)
			return results, units[i:], retained
		}
		if ctx.Err() != nil {
			return results, units[i:], retained
		}
		results = append(results, f.recordUnit(UnitResult{
			FirstID: unit.FirstID(), GroupID: unit.GroupID, Session: session,
			Status: UnitFailed, Error: err.Error(),
		}))
	}

	// Stage 2 + 3 per send group, preserving source order.
	var groups [][]ScratchUnit
	if f.preserve {
		for _, su := range staged {
			groups = append(groups, []ScratchUnit{su})
		}
	} else {
		groups = mergeSingletonRuns(staged, f.batchSize)
	}

	captionCap := CaptionCapNormal
	if s := f.pool.Session(session); s != nil {
		captionCap = s.CaptionCap()
	}

	for _, grp := range groups {
		if ctx.Err() != nil {
			for _, su := range grp {
				results = append(results, f.recordUnit(UnitResult{
					FirstID: su.Unit.FirstID(), GroupID: su.Unit.GroupID,
					Session: session, Status: UnitCancelled,
				}))
			}
			continue
		}
		combined := ScratchUnit{Unit: grp[0].Unit}
		for _, su := range grp {
			combined.Handles = append(combined.Handles, su.Handles...)
		}
		caption, truncated := f.template.RenderCaption(grp[0].Unit, channelName, captionCap)
		if truncated {
			f.log.Warn("caption truncated to cap",
				"session", session, "unit", grp[0].Unit.FirstID(),
				"caption", Preview(caption, 60))
		}
		batches := planBatches(combined, f.batchSize, caption, truncated)

		failedDests := 0
		totalRetries := 0
		for _, dest := range f.destinations {
			ids, retries, err := f.sendToDestination(ctx, session, dest, batches)
			totalRetries += retries
			if err != nil {
				failedDests++
				dests.failure(dest, len(grp))
				f.log.Error("distribution to destination failed",
					"session", session, "destination", dest,
					"unit", grp[0].Unit.FirstID(), "error", err)
				continue
			}
			dests.success(dest, len(grp), ids)
		}

		status := UnitOK
		errText := ""
		switch {
		case failedDests == len(f.destinations) && len(f.destinations) > 0:
			status = UnitFailed
			errText = "all destinations failed"
		case failedDests > 0:
			status = UnitPartial
			errText = "some destinations failed"
		}
		for _, su := range grp {
			results = append(results, f.recordUnit(UnitResult{
				FirstID: su.Unit.FirstID(), GroupID: su.Unit.GroupID,
				Session: session, Status: status,
				Retries: totalRetries, Error: errText,
			}))
		}

		// Stage 3: reclaim or retain this group's scratch.
		allOK := failedDests == 0
		if (allOK && f.policy.OnSuccess) || (!allOK && f.policy.OnFailure) {
			if err := reclaimHandles(ctx, f.pool, f.limiter, table, f.log, session, combined.Handles, f.events); err != nil {
				f.log.Warn("scratch cleanup failed, deferring to emergency sweep",
					"session", session, "error", err)
			}
			continue
		}
		ids := make([]int, len(combined.Handles))
		for i, h := range combined.Handles {
			ids[i] = h.MessageID
		}
		retained = append(retained, table.retain(session, ids)...)
	}
	return results, nil, retained
}

func (f *Forwarder) recordUnit(r UnitResult) UnitResult {
	if f.events != nil {
		f.events.Emit(Event{
			Type: EventUnitDone, Session: r.Session,
			UnitFirstID: r.FirstID, Detail: string(r.Status),
		})
	}
	return r
}

// sendToDestination sends a unit's batches to one destination in order.
// A failed batch aborts the remaining batches for that destination so
// no later unit content overtakes it.
func (f *Forwarder) sendToDestination(ctx context.Context, session, dest string, batches []SendBatch) ([]int, int, error) {
	var (
		sent    []int
		retries int
	)
	for _, batch := range batches {
		ids, used, err := f.sendBatch(ctx, session, dest, batch)
		retries += used
		if err != nil {
			return sent, retries, err
		}
		sent = append(sent, ids...)
		if f.events != nil {
			f.events.Emit(Event{
				Type: EventBatchSent, Session: session, Destination: dest,
				Count: len(batch.Handles),
			})
		}
		if err := sleepCtx(ctx, f.pacing); err != nil {
			return sent, retries, err
		}
	}
	return sent, retries, nil
}

// sendBatch executes one batch send with the stage-2 flood-wait policy:
// short waits are absorbed by the retry helper, long waits suspend the
// owning session and the batch retries there after the suspension, up
// to maxRetries. Scratch is session-local, so there is no reassignment.
func (f *Forwarder) sendBatch(ctx context.Context, session, dest string, batch SendBatch) ([]int, int, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err := f.limiter.WaitReady(ctx, session); err != nil {
			return nil, attempt, err
		}
		if err := f.limiter.Admit(ctx, session, ClassUpload); err != nil {
			return nil, attempt, err
		}
		lease, err := f.pool.Lease(session)
		if err != nil {
			return nil, attempt, err
		}
		msgs, err := retryCall(ctx, f.limiter, session, "batch-send", defaultMaxAttempts, time.Second, f.log, func() ([]Message, error) {
			cctx, cancel := context.WithTimeout(ctx, uploadTimeout)
			defer cancel()
			return f.send(cctx, lease.Client(), dest, batch)
		})
		lease.Release()
		if err == nil {
			ids := make([]int, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			return ids, attempt, nil
		}
		lastErr = err
		if _, ok := FloodWaitOf(err); !ok {
			return nil, attempt, err
		}
		// Long flood-wait: the limiter suspended the session; loop to
		// wait it out and retry here.
	}
	return nil, f.maxRetries, lastErr
}

// send invokes the single-send primitive for singleton batches and the
// batch primitive otherwise.
func (f *Forwarder) send(ctx context.Context, client Client, dest string, batch SendBatch) ([]Message, error) {
	if len(batch.Handles) == 1 {
		h := batch.Handles[0]
		msg, err := client.SendMedia(ctx, dest, MediaItem{Kind: h.Kind, Ref: h.MediaRef}, batch.Caption)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}
	items := make([]MediaItem, len(batch.Handles))
	for i, h := range batch.Handles {
		items[i] = MediaItem{Kind: h.Kind, Ref: h.MediaRef}
	}
	return client.SendMediaGroup(ctx, dest, items, batch.Caption)
}

// emergencyCleanup best-effort deletes whatever scratch is still
// outstanding, with a short deadline detached from run cancellation.
// Residual handles go into the report.
func (f *Forwarder) emergencyCleanup(ctx context.Context, table *scratchTable, result *ForwardResult) {
	for _, session := range f.pool.ListLoggedIn() {
		rem := table.remaining(session)
		if len(rem) == 0 {
			continue
		}
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emergencyCleanupBudget)
		err := reclaimHandles(ectx, f.pool, f.limiter, table, f.log, session, rem, f.events)
		cancel()
		if err != nil {
			f.log.Error("emergency cleanup incomplete", "session", session, "error", err)
		}
	}
	// Anything still outstanding is reported, never silently lost.
	for _, session := range table.sessions() {
		result.Unreclaimed = append(result.Unreclaimed, table.remaining(session)...)
	}
}

// finalState summarises the pipeline outcome.
func (f *Forwarder) finalState(r ForwardResult) PipelineState {
	var ok, failed, cancelled int
	for _, u := range r.Units {
		switch u.Status {
		case UnitOK:
			ok++
		case UnitCancelled:
			cancelled++
		default:
			failed++
		}
	}
	switch {
	case r.Cancelled || cancelled > 0:
		return PipelinePartial
	case failed == 0:
		return PipelineDone
	case ok == 0 && r.ScratchCreated == 0:
		return PipelineStageFailed
	case ok == 0:
		return PipelinePartial
	default:
		return PipelinePartial
	}
}
