package relay

import (
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var reportJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RunState is the terminal state of a run.
type RunState string

const (
	RunDone      RunState = "done"
	RunPartial   RunState = "partial"
	RunCancelled RunState = "cancelled"
	RunFailed    RunState = "failed"
)

// RunReport is the terminal aggregate of one run: per-file or per-unit
// outcomes, per-destination outcomes, and the resource balance. Workers
// append their results; the driver aggregates after they all stop.
type RunReport struct {
	RunID   string `json:"run_id"`
	Mode    string `json:"mode"`
	Source  string `json:"source"`
	StartID int    `json:"start_id"`
	EndID   int    `json:"end_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   float64   `json:"duration_seconds"`

	Fetch     FetchStats `json:"fetch"`
	Units     int        `json:"units"`
	Sessions  []string   `json:"sessions,omitempty"`
	Imbalance float64    `json:"imbalance"`

	Files        []FileResult        `json:"files,omitempty"`
	UnitResults  []UnitResult        `json:"unit_results,omitempty"`
	Destinations []DestinationResult `json:"destinations,omitempty"`

	ScratchCreated   int             `json:"scratch_created"`
	ScratchReclaimed int             `json:"scratch_reclaimed"`
	Unreclaimed      []ScratchHandle `json:"unreclaimed_scratch,omitempty"`

	Bytes       int64    `json:"bytes_transferred"`
	SuccessRate float64  `json:"success_rate"`
	State       RunState `json:"state"`
	Errors      []string `json:"errors,omitempty"`
}

// ExitCode maps the run state to the process exit code: 0 full success,
// 1 partial, 2 fatal.
func (r *RunReport) ExitCode() int {
	switch r.State {
	case RunDone:
		return 0
	case RunPartial, RunCancelled:
		return 1
	default:
		return 2
	}
}

// WriteJSON writes the report as indented JSON.
func (r *RunReport) WriteJSON(w io.Writer) error {
	enc := reportJSON.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// finish stamps the terminal fields.
func (r *RunReport) finish(state RunState) *RunReport {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt).Seconds()
	r.State = state
	return r
}
