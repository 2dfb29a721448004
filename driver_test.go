package relay

import (
	"context"
	"errors"
	"testing"
)

func validForwardSpec() RunSpec {
	return RunSpec{
		Mode: ModeForward, Source: "@src", StartID: 1, EndID: 5,
		Targets: []string{"d1"}, PreserveStructure: true,
		Cleanup: DefaultCleanupPolicy, MaxRetries: 2,
	}
}

func TestRunSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunSpec)
		wantErr bool
	}{
		{"valid forward", func(s *RunSpec) {}, false},
		{"valid download", func(s *RunSpec) {
			s.Mode = ModeDownload
			s.Targets = nil
		}, false},
		{"unknown mode", func(s *RunSpec) { s.Mode = "mirror" }, true},
		{"empty source", func(s *RunSpec) { s.Source = "" }, true},
		{"zero start", func(s *RunSpec) { s.StartID = 0 }, true},
		{"inverted range", func(s *RunSpec) { s.StartID = 9; s.EndID = 3 }, true},
		{"forward without targets", func(s *RunSpec) { s.Targets = nil }, true},
		{"download with targets", func(s *RunSpec) { s.Mode = ModeDownload }, true},
		{"oversized batch", func(s *RunSpec) { s.BatchSize = GroupCap + 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validForwardSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDriverDownloadRun(t *testing.T) {
	c := newFakeClient("s1")
	for id := 1; id <= 5; id++ {
		c.msgs[id] = photoMsg(id, 100)
	}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDriver(pool, testLimiter())

	report, err := d.Run(context.Background(), RunSpec{
		Mode: ModeDownload, Source: "@src", StartID: 1, EndID: 5,
		DownloadRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.State != RunDone {
		t.Errorf("state = %s, errors = %v", report.State, report.Errors)
	}
	if report.ExitCode() != 0 {
		t.Errorf("exit code = %d", report.ExitCode())
	}
	if len(report.Files) != 5 {
		t.Errorf("expected 5 file results, got %d", len(report.Files))
	}
	if report.Units != 5 {
		t.Errorf("units = %d", report.Units)
	}
	if report.Bytes != 500 {
		t.Errorf("bytes = %d", report.Bytes)
	}
	if report.SuccessRate != 1 {
		t.Errorf("success rate = %v", report.SuccessRate)
	}
	if report.Fetch.Fetched != 5 {
		t.Errorf("fetch stats = %+v", report.Fetch)
	}
	if report.RunID == "" || report.Duration < 0 {
		t.Errorf("missing run stamps: %+v", report)
	}
}

func TestDriverForwardRun(t *testing.T) {
	c := newFakeClient("s1")
	for id := 1; id <= 3; id++ {
		c.msgs[id] = photoMsg(id, 100)
	}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDriver(pool, testLimiter())

	report, err := d.Run(context.Background(), validForwardSpec())
	if err != nil {
		t.Fatal(err)
	}
	if report.State != RunDone {
		t.Errorf("state = %s, errors = %v", report.State, report.Errors)
	}
	if report.ScratchCreated != 3 || report.ScratchReclaimed != 3 {
		t.Errorf("scratch %d/%d, want 3/3", report.ScratchCreated, report.ScratchReclaimed)
	}
	if len(report.Destinations) != 1 || report.Destinations[0].UnitsSent != 3 {
		t.Errorf("destinations = %+v", report.Destinations)
	}
	if len(report.UnitResults) != 3 {
		t.Errorf("unit results = %d", len(report.UnitResults))
	}
	if report.SuccessRate != 1 {
		t.Errorf("success rate = %v", report.SuccessRate)
	}
}

func TestDriverForwardBytesCountsOnlyDelivered(t *testing.T) {
	c := newFakeClient("s1")
	c.msgs[1] = photoMsg(1, 100)
	c.msgs[2] = photoMsg(2, 40)
	// Both scratch uploads succeed; the second unit's destination send
	// is rejected.
	c.sendErrs = []error{nil, nil, nil, &ErrChannelPrivate{Channel: "d1"}}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDriver(pool, testLimiter())

	spec := validForwardSpec()
	spec.EndID = 2
	report, err := d.Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if report.State != RunPartial {
		t.Errorf("state = %s, errors = %v", report.State, report.Errors)
	}
	if report.Bytes != 100 {
		t.Errorf("bytes = %d, want only the delivered unit's 100", report.Bytes)
	}
}

func TestDriverTextOnlyRangeFinishesClean(t *testing.T) {
	c := newFakeClient("s1")
	for id := 1; id <= 3; id++ {
		c.msgs[id] = Message{ChannelID: "@src", ID: id, Text: "hi"}
	}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDriver(pool, testLimiter())

	report, err := d.Run(context.Background(), RunSpec{
		Mode: ModeDownload, Source: "@src", StartID: 1, EndID: 3,
		DownloadRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.State != RunDone || report.Units != 0 {
		t.Errorf("state %s with %d units", report.State, report.Units)
	}
}

func TestDriverCancellationIsIdempotent(t *testing.T) {
	c := newFakeClient("s1")
	c.msgs[1] = photoMsg(1, 100)
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDriver(pool, testLimiter())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancel() // second signal must be harmless

	for i := 0; i < 2; i++ {
		report, err := d.Run(ctx, RunSpec{
			Mode: ModeDownload, Source: "@src", StartID: 1, EndID: 1,
			DownloadRoot: t.TempDir(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if report.State != RunCancelled {
			t.Errorf("run %d: state = %s", i, report.State)
		}
		if report.ExitCode() != 1 {
			t.Errorf("run %d: exit code = %d", i, report.ExitCode())
		}
	}
}

func TestDriverValidationFailureReturnsNoReport(t *testing.T) {
	pool := newTestPool(t, map[string]*fakeClient{"s1": newFakeClient("s1")})
	d := NewDriver(pool, testLimiter())

	report, err := d.Run(context.Background(), RunSpec{Mode: "bogus"})
	if report != nil {
		t.Error("validation failure should not produce a report")
	}
	var verr *ErrValidation
	if !errors.As(err, &verr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDriverNoSessions(t *testing.T) {
	pool := NewPool(func(name, authPath string) (Client, error) {
		return newFakeClient(name), nil
	})
	d := NewDriver(pool, testLimiter())
	_, err := d.Run(context.Background(), validForwardSpec())
	if !errors.Is(err, ErrNoSessions) {
		t.Errorf("expected ErrNoSessions, got %v", err)
	}
}

func TestRunReportExitCodes(t *testing.T) {
	tests := []struct {
		state RunState
		want  int
	}{
		{RunDone, 0},
		{RunPartial, 1},
		{RunCancelled, 1},
		{RunFailed, 2},
	}
	for _, tt := range tests {
		r := &RunReport{State: tt.state}
		if got := r.ExitCode(); got != tt.want {
			t.Errorf("%s: exit code %d, want %d", tt.state, got, tt.want)
		}
	}
}
