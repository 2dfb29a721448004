package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Mode selects the terminal workflow of a run.
type Mode string

const (
	ModeDownload Mode = "download"
	ModeForward  Mode = "forward"
)

// RunSpec is the validated input of one run.
type RunSpec struct {
	Mode    Mode
	Source  string
	StartID int
	EndID   int

	// Forward mode.
	Targets           []string
	Template          string
	BatchSize         int
	PreserveStructure bool
	Cleanup           CleanupPolicy
	Pacing            time.Duration
	MaxRetries        int

	// Download mode.
	DownloadRoot string
	Filter       Filter
}

// Validate rejects malformed specs before any session is touched.
func (s RunSpec) Validate() error {
	switch s.Mode {
	case ModeDownload, ModeForward:
	default:
		return &ErrValidation{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	if s.Source == "" {
		return &ErrValidation{Field: "source", Reason: "required"}
	}
	if s.StartID <= 0 || s.EndID < s.StartID {
		return &ErrValidation{Field: "range", Reason: fmt.Sprintf("[%d, %d]", s.StartID, s.EndID)}
	}
	if s.Mode == ModeForward && len(s.Targets) == 0 {
		return &ErrValidation{Field: "targets", Reason: "forward mode needs at least one destination"}
	}
	if s.Mode == ModeDownload && len(s.Targets) > 0 {
		return &ErrValidation{Field: "targets", Reason: "download mode takes no destinations"}
	}
	if s.BatchSize < 0 || s.BatchSize > GroupCap {
		return &ErrValidation{Field: "batch-size", Reason: fmt.Sprintf("must be 1..%d", GroupCap)}
	}
	return nil
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// DriverLogger sets the structured logger.
func DriverLogger(log *slog.Logger) DriverOption {
	return func(d *Driver) { d.log = log }
}

// DriverEvents sets the emitter the run publishes progress on.
func DriverEvents(e *Emitter) DriverOption {
	return func(d *Driver) { d.events = e }
}

// DriverTracer sets the tracer for run spans.
func DriverTracer(t Tracer) DriverOption {
	return func(d *Driver) { d.tracer = t }
}

// Driver runs the top-level state machine:
// start -> fetch -> group -> distribute -> (local | forward) -> report.
// A stage error short-circuits to the report with a diagnosis. The
// caller's context is the single cancellation signal; every per-session
// worker inherits it.
type Driver struct {
	pool    *Pool
	limiter *Limiter
	log     *slog.Logger
	events  *Emitter
	tracer  Tracer
}

// NewDriver creates a Driver over the pool and limiter.
func NewDriver(pool *Pool, limiter *Limiter, opts ...DriverOption) *Driver {
	d := &Driver{pool: pool, limiter: limiter, log: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one run. Validation failures return an error with no
// report; after validation every outcome, including cancellation, is
// expressed in the report.
func (d *Driver) Run(ctx context.Context, spec RunSpec) (*RunReport, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(d.pool.ListLoggedIn()) == 0 {
		return nil, ErrNoSessions
	}

	report := &RunReport{
		RunID:     NewID(),
		Mode:      string(spec.Mode),
		Source:    spec.Source,
		StartID:   spec.StartID,
		EndID:     spec.EndID,
		StartedAt: time.Now(),
	}
	var span Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "relay.run",
			StringAttr("run.id", report.RunID),
			StringAttr("run.mode", string(spec.Mode)),
			StringAttr("run.source", spec.Source),
			IntAttr("run.start_id", spec.StartID),
			IntAttr("run.end_id", spec.EndID))
		defer span.End()
	}
	d.emit(Event{Type: EventRunStarted, Detail: report.RunID})
	defer d.emit(Event{Type: EventRunFinished, Detail: report.RunID})

	d.log.Info("run started",
		"run_id", report.RunID, "mode", spec.Mode,
		"source", spec.Source, "start", spec.StartID, "end", spec.EndID)

	messages, stats, err := NewFetcher(d.pool, d.limiter, FetcherLogger(d.log)).
		Fetch(ctx, spec.Source, spec.StartID, spec.EndID)
	report.Fetch = stats
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		report.Errors = append(report.Errors, fmt.Sprintf("fetch: %v", err))
		if ctx.Err() != nil {
			return report.finish(RunCancelled), nil
		}
		return report.finish(RunFailed), nil
	}
	if stats.Failed > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("fetch: %d ids failed on every session", stats.Failed))
	}
	d.emit(Event{Type: EventFetchDone, Count: stats.Fetched})

	units := GroupMessages(messages)
	units = withMedia(units)
	report.Units = len(units)
	if len(units) == 0 {
		d.log.Info("no media in range", "run_id", report.RunID)
		return report.finish(RunDone), nil
	}

	sessions := d.pool.ListLoggedIn()
	assignment, err := Distribute(units, sessions)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("distribute: %v", err))
		return report.finish(RunFailed), nil
	}
	report.Sessions = assignment.SessionNames()
	report.Imbalance = assignment.Imbalance()
	if span != nil {
		span.Event("distributed",
			IntAttr("units", len(units)),
			IntAttr("sessions", len(report.Sessions)),
			Float64Attr("imbalance", report.Imbalance))
	}

	switch spec.Mode {
	case ModeDownload:
		d.runDownload(ctx, spec, assignment, report)
	case ModeForward:
		d.runForward(ctx, spec, assignment, report)
	}

	state := d.terminalState(ctx, report)
	if span != nil {
		span.SetAttr(
			StringAttr("run.state", string(state)),
			Int64Attr("run.bytes", report.Bytes),
			Float64Attr("run.success_rate", report.SuccessRate))
	}
	d.log.Info("run finished",
		"run_id", report.RunID, "state", state,
		"success_rate", fmt.Sprintf("%.2f", report.SuccessRate),
		"bytes", report.Bytes)
	return report.finish(state), nil
}

func (d *Driver) runDownload(ctx context.Context, spec RunSpec, assignment Assignment, report *RunReport) {
	root := spec.DownloadRoot
	if root == "" {
		root = "downloads"
	}
	dl := NewDownloader(d.pool, d.limiter, root,
		DownloadLogger(d.log),
		DownloadFilter(spec.Filter),
		DownloadEvents(d.events))
	report.Files = dl.Run(ctx, spec.Source, assignment)

	var ok, failed int
	for _, f := range report.Files {
		switch f.Status {
		case FileOK:
			ok++
			report.Bytes += f.Bytes
		case FileFailed:
			failed++
		}
	}
	if ok+failed > 0 {
		report.SuccessRate = float64(ok) / float64(ok+failed)
	} else {
		report.SuccessRate = 1
	}
}

func (d *Driver) runForward(ctx context.Context, spec RunSpec, assignment Assignment, report *RunReport) {
	fwd := NewForwarder(d.pool, d.limiter, NewTemplate(spec.Template), spec.Targets,
		ForwardLogger(d.log),
		ForwardEvents(d.events),
		ForwardBatchSize(spec.BatchSize),
		ForwardPreserveStructure(spec.PreserveStructure),
		ForwardPacing(spec.Pacing),
		ForwardCleanup(spec.Cleanup),
		ForwardMaxRetries(spec.MaxRetries))
	res := fwd.Run(ctx, spec.Source, assignment)

	report.UnitResults = res.Units
	report.Destinations = res.Destinations
	report.ScratchCreated = res.ScratchCreated
	report.ScratchReclaimed = res.ScratchReclaimed
	report.Unreclaimed = res.Unreclaimed
	if len(res.Unreclaimed) > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("%d scratch handles retained or unreclaimed", len(res.Unreclaimed)))
	}

	var ok, settled int
	for _, u := range res.Units {
		if u.Status != UnitCancelled {
			settled++
		}
		if u.Status == UnitOK {
			ok++
		}
	}
	if settled > 0 {
		report.SuccessRate = float64(ok) / float64(settled)
	} else {
		report.SuccessRate = 0
	}
	weights := make(map[int]int64)
	for _, units := range assignment {
		for _, unit := range units {
			weights[unit.FirstID()] = unit.Weight()
		}
	}
	for _, u := range res.Units {
		switch u.Status {
		case UnitOK, UnitPartial:
			report.Bytes += weights[u.FirstID]
		}
	}
}

// terminalState folds the per-item outcomes into the run state.
func (d *Driver) terminalState(ctx context.Context, report *RunReport) RunState {
	if ctx.Err() != nil {
		return RunCancelled
	}
	var ok, bad int
	for _, f := range report.Files {
		switch f.Status {
		case FileOK, FileSkipped:
			ok++
		default:
			bad++
		}
	}
	for _, u := range report.UnitResults {
		switch u.Status {
		case UnitOK:
			ok++
		case UnitCancelled:
			return RunCancelled
		default:
			bad++
		}
	}
	switch {
	case bad == 0 && len(report.Errors) == 0:
		return RunDone
	case ok > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// withMedia drops units with no downloadable payload; text-only
// messages contribute nothing to either workflow.
func withMedia(units []AtomicUnit) []AtomicUnit {
	out := units[:0]
	for _, u := range units {
		for _, m := range u.Messages {
			if m.HasMedia() {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

func (d *Driver) emit(ev Event) {
	if d.events != nil {
		d.events.Emit(ev)
	}
}
