package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestObserveShortFloodWaitAbsorbs(t *testing.T) {
	l := testLimiter(FloodAbsorbThreshold(10 * time.Second))
	wait, absorb := l.Observe("s1", &ErrFloodWait{Seconds: 5})
	if !absorb {
		t.Fatal("5s wait under 10s threshold must absorb")
	}
	if wait != 5*time.Second {
		t.Errorf("expected 5s wait, got %v", wait)
	}
	if until := l.SuspendedUntil("s1"); !until.IsZero() {
		t.Errorf("absorbed wait must not suspend, got deadline %v", until)
	}
}

func TestObserveLongFloodWaitSuspends(t *testing.T) {
	l := testLimiter(FloodAbsorbThreshold(10 * time.Second))
	_, absorb := l.Observe("s1", &ErrFloodWait{Seconds: 30})
	if absorb {
		t.Fatal("30s wait over 10s threshold must not absorb")
	}
	until := l.SuspendedUntil("s1")
	if time.Until(until) < 25*time.Second {
		t.Errorf("expected ~30s suspension, got %v", time.Until(until))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.WaitReady(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady during suspension should hit the deadline, got %v", err)
	}
}

func TestRepeatedFloodWaitsReduceClassRate(t *testing.T) {
	l := testLimiter()
	configured := l.classes[ClassDownload].configured
	for i := 0; i < floodTripCount; i++ {
		l.Observe("s1", &ErrFloodWait{Seconds: 1})
	}
	current := l.classes[ClassDownload].current
	want := configured * classBackoffFactor
	if current != want {
		t.Errorf("expected class rate %v after trip, got %v", want, current)
	}
}

func TestClassRateNeverBelowFloor(t *testing.T) {
	l := testLimiter()
	configured := l.classes[ClassUpload].configured
	for i := 0; i < floodTripCount*20; i++ {
		l.Observe("s1", &ErrFloodWait{Seconds: 1})
	}
	floor := configured * classRateFloorFrac
	if current := l.classes[ClassUpload].current; current < floor {
		t.Errorf("class rate %v fell below floor %v", current, floor)
	}
}

func TestSustainedSuccessRestoresClassRate(t *testing.T) {
	l := testLimiter()
	for i := 0; i < floodTripCount; i++ {
		l.Observe("s1", &ErrFloodWait{Seconds: 1})
	}
	reduced := l.classes[ClassDownload].current
	// A long run of successes pushes the flood outcomes out of the ring.
	for i := 0; i < successWindowSize+10; i++ {
		l.Observe("s1", nil)
	}
	if current := l.classes[ClassDownload].current; current <= reduced {
		t.Errorf("expected restore above %v, got %v", reduced, current)
	}
}

func TestAdmitEnforcesSessionWindow(t *testing.T) {
	l := NewLimiter(
		GlobalRate(1_000_000),
		ClassRate(ClassDownload, 1_000_000),
		SessionRate(2))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Admit(ctx, "s1", ClassDownload); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Admit(tctx, "s1", ClassDownload); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third call within the window should block, got %v", err)
	}
}

func TestCancelledAdmitConsumesNothing(t *testing.T) {
	l := NewLimiter(
		GlobalRate(1_000_000),
		ClassRate(ClassDownload, 1_000_000),
		SessionRate(1))
	ctx := context.Background()
	if err := l.Admit(ctx, "s1", ClassDownload); err != nil {
		t.Fatal(err)
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_ = l.Admit(tctx, "s1", ClassDownload) // blocks and cancels

	snap := l.Snapshot()["s1"]
	if snap.CallsLastMinute != 1 {
		t.Errorf("cancelled admission must leave no window entry, got %d", snap.CallsLastMinute)
	}
}

func TestSuspendAndWaitReady(t *testing.T) {
	l := testLimiter()
	l.Suspend("s1", 40*time.Millisecond)
	start := time.Now()
	if err := l.WaitReady(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("WaitReady returned before suspension expired: %v", elapsed)
	}
}

func TestSnapshotTracksOutcomes(t *testing.T) {
	l := testLimiter()
	l.Observe("s1", nil)
	l.Observe("s1", nil)
	l.Observe("s1", &ErrFloodWait{Seconds: 1})
	snap := l.Snapshot()["s1"]
	if snap.FloodWaits != 1 {
		t.Errorf("expected 1 flood wait, got %d", snap.FloodWaits)
	}
	if snap.SuccessRate <= 0.6 || snap.SuccessRate >= 0.7 {
		t.Errorf("expected success rate 2/3, got %v", snap.SuccessRate)
	}
}
