package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func downloadAssignment(t *testing.T, pool *Pool, units []AtomicUnit) Assignment {
	t.Helper()
	a, err := Distribute(units, pool.ListLoggedIn())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDownloadRunWritesAllFiles(t *testing.T) {
	c1 := newFakeClient("s1")
	c2 := newFakeClient("s2")
	pool := newTestPool(t, map[string]*fakeClient{"s1": c1, "s2": c2})
	root := t.TempDir()
	d := NewDownloader(pool, testLimiter(), root)

	units := []AtomicUnit{
		unitOf("", photoMsg(1, 100)),
		unitOf("g1",
			groupMsg(2, "g1", KindPhoto, 200),
			groupMsg(3, "g1", KindVideo, 300)),
		unitOf("", photoMsg(4, 400)),
		unitOf("", photoMsg(5, 500)),
	}
	results := d.Run(context.Background(), "@src", downloadAssignment(t, pool, units))

	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != FileOK {
			t.Errorf("message %d: status %s (%s)", r.MessageID, r.Status, r.Error)
			continue
		}
		info, err := os.Stat(r.Path)
		if err != nil {
			t.Errorf("message %d: missing file %s", r.MessageID, r.Path)
			continue
		}
		if info.Size() != r.Bytes {
			t.Errorf("message %d: %d bytes on disk, result says %d", r.MessageID, info.Size(), r.Bytes)
		}
		if dir := filepath.Dir(r.Path); filepath.Base(dir) != "@src" {
			t.Errorf("message %d: wrong channel directory %s", r.MessageID, dir)
		}
	}
}

func TestDownloadFileNamesFollowPattern(t *testing.T) {
	c := newFakeClient("s1")
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDownloader(pool, testLimiter(), t.TempDir())

	m := photoMsg(42, 64)
	m.FileName = "pic.jpg"
	results := d.Run(context.Background(), "@src", Assignment{"s1": {unitOf("", m)}})
	if len(results) != 1 || results[0].Status != FileOK {
		t.Fatalf("unexpected results: %+v", results)
	}
	if base := filepath.Base(results[0].Path); base != "20240601_42_@src_pic.jpg" {
		t.Errorf("file name %q does not follow the pattern", base)
	}
}

func TestDownloadSessionLossRedistributes(t *testing.T) {
	c1 := newFakeClient("s1")
	c2 := newFakeClient("s2")
	c1.downloadErrs = []error{&ErrUnauthorized{Session: "s1"}}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c1, "s2": c2})
	d := NewDownloader(pool, testLimiter(), t.TempDir())

	assignment := Assignment{
		"s1": {unitOf("", photoMsg(1, 100)), unitOf("", photoMsg(2, 100))},
		"s2": {unitOf("", photoMsg(3, 100))},
	}
	results := d.Run(context.Background(), "@src", assignment)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	seen := make(map[int]int)
	for _, r := range results {
		seen[r.MessageID]++
		if r.Status != FileOK {
			t.Errorf("message %d: status %s (%s)", r.MessageID, r.Status, r.Error)
		}
		if r.MessageID != 3 && r.Session != "s2" {
			t.Errorf("message %d should have moved to s2, downloaded by %s", r.MessageID, r.Session)
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("message %d downloaded %d times", id, n)
		}
	}
	if state := pool.Session("s1").State(); state != SessionError {
		t.Errorf("s1 should be errored, got %s", state)
	}
}

func TestDownloadFilterSkips(t *testing.T) {
	c := newFakeClient("s1")
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDownloader(pool, testLimiter(), t.TempDir(),
		DownloadFilter(func(kind MediaKind, size int64) bool { return size <= 100 }))

	assignment := Assignment{"s1": {
		unitOf("", photoMsg(1, 50)),
		unitOf("", photoMsg(2, 500)),
	}}
	results := d.Run(context.Background(), "@src", assignment)

	byID := make(map[int]FileResult)
	for _, r := range results {
		byID[r.MessageID] = r
	}
	if byID[1].Status != FileOK {
		t.Errorf("message 1: %s", byID[1].Status)
	}
	if byID[2].Status != FileSkipped {
		t.Errorf("message 2 should be skipped, got %s", byID[2].Status)
	}
}

func TestDownloadSizeMismatchFails(t *testing.T) {
	c := newFakeClient("s1")
	c.shortBytes = map[int]int64{1: 10}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	dir := t.TempDir()
	d := NewDownloader(pool, testLimiter(), dir)

	results := d.Run(context.Background(), "@src", Assignment{"s1": {unitOf("", photoMsg(1, 100))}})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != FileFailed {
		t.Errorf("expected failure, got %s", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "size mismatch") {
		t.Errorf("error %q should name the size mismatch", results[0].Error)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "@src"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}

func TestDownloadLongFloodWaitRequeuesRemainder(t *testing.T) {
	c := newFakeClient("s1")
	c.downloadErrs = []error{&ErrFloodWait{Seconds: 1}}
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	// Zero absorb threshold turns every flood-wait into a suspension.
	d := NewDownloader(pool, testLimiter(FloodAbsorbThreshold(0)), t.TempDir())

	unit := unitOf("g1",
		groupMsg(1, "g1", KindPhoto, 100),
		groupMsg(2, "g1", KindPhoto, 100))
	results := d.Run(context.Background(), "@src", Assignment{"s1": {unit}})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	seen := make(map[int]int)
	for _, r := range results {
		seen[r.MessageID]++
		if r.Status != FileOK {
			t.Errorf("message %d: status %s (%s)", r.MessageID, r.Status, r.Error)
		}
	}
	if seen[1] != 1 || seen[2] != 1 {
		t.Errorf("remainder requeue produced duplicates: %v", seen)
	}
}

func TestDownloadCancelledMidRun(t *testing.T) {
	c := newFakeClient("s1")
	pool := newTestPool(t, map[string]*fakeClient{"s1": c})
	d := NewDownloader(pool, testLimiter(), t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := d.Run(ctx, "@src", Assignment{"s1": {
		unitOf("", photoMsg(1, 100)),
		unitOf("", photoMsg(2, 100)),
	}})
	for _, r := range results {
		if r.Status == FileOK {
			t.Errorf("message %d downloaded after cancellation", r.MessageID)
		}
	}
}
