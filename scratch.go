package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// deleteTimeout bounds one scratch delete call.
const deleteTimeout = 10 * time.Second

// emergencyCleanupBudget bounds best-effort reclamation on abort.
const emergencyCleanupBudget = 30 * time.Second

// uploadTimeout bounds one stage-1 scratch upload.
const uploadTimeout = 300 * time.Second

// scratchTable tracks every ScratchHandle from creation to reclamation.
// The conservation invariant: a handle is reclaimed exactly once, or
// explicitly retained and reported. Handles are partitioned by owning
// session; there is no cross-session mutation of the same entry.
type scratchTable struct {
	mu          sync.Mutex
	created     int
	reclaimed   int
	outstanding map[string]map[int]ScratchHandle // session -> self-chat msg id
}

func newScratchTable() *scratchTable {
	return &scratchTable{outstanding: make(map[string]map[int]ScratchHandle)}
}

func (t *scratchTable) add(h ScratchHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.outstanding[h.Session]
	if !ok {
		m = make(map[int]ScratchHandle)
		t.outstanding[h.Session] = m
	}
	m[h.MessageID] = h
	t.created++
}

// markReclaimed removes handles after a successful delete. Unknown ids
// indicate a double reclaim and are counted separately so the bug
// surfaces in reports instead of corrupting the balance.
func (t *scratchTable) markReclaimed(session string, ids []int) (reclaimed, double int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.outstanding[session]
	for _, id := range ids {
		if _, ok := m[id]; !ok {
			double++
			continue
		}
		delete(m, id)
		t.reclaimed++
		reclaimed++
	}
	return reclaimed, double
}

// retain removes handles from the outstanding set without counting them
// reclaimed; the caller reports them.
func (t *scratchTable) retain(session string, ids []int) []ScratchHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.outstanding[session]
	var out []ScratchHandle
	for _, id := range ids {
		if h, ok := m[id]; ok {
			out = append(out, h)
			delete(m, id)
		}
	}
	return out
}

// remaining returns all still-outstanding handles for a session.
func (t *scratchTable) remaining(session string) []ScratchHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ScratchHandle
	for _, h := range t.outstanding[session] {
		out = append(out, h)
	}
	return out
}

// sessions returns, sorted, every session that has held scratch.
func (t *scratchTable) sessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.outstanding))
	for name := range t.outstanding {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *scratchTable) counts() (created, reclaimed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, t.reclaimed
}

// stageUnit uploads one unit's media into the session's self-chat,
// producing a ScratchUnit that mirrors the unit's structure. On any
// per-message failure the whole unit fails and its partial handles stay
// in the table for emergency cleanup.
func stageUnit(ctx context.Context, pool *Pool, limiter *Limiter, table *scratchTable, log *slog.Logger, session string, unit AtomicUnit, events *Emitter) (ScratchUnit, error) {
	su := ScratchUnit{Unit: unit}
	for _, m := range unit.Messages {
		if !m.HasMedia() {
			continue
		}
		if err := limiter.Admit(ctx, session, ClassUpload); err != nil {
			return su, err
		}
		lease, err := pool.Lease(session)
		if err != nil {
			return su, err
		}
		sent, err := retryCall(ctx, limiter, session, "scratch-upload", defaultMaxAttempts, time.Second, log, func() (Message, error) {
			cctx, cancel := context.WithTimeout(ctx, uploadTimeout)
			defer cancel()
			return lease.Client().SendMedia(cctx, SelfChat, MediaItem{
				Kind: m.Kind, Ref: m.MediaRef, FileName: m.FileName,
			}, m.Caption)
		})
		lease.Release()
		if err != nil {
			return su, err
		}
		h := ScratchHandle{
			Session:   session,
			MessageID: sent.ID,
			Kind:      m.Kind,
			MediaRef:  sent.MediaRef,
			Caption:   m.Caption,
			CreatedAt: time.Now(),
		}
		table.add(h)
		su.Handles = append(su.Handles, h)
		if events != nil {
			events.Emit(Event{Type: EventScratchCreated, Session: session, MessageID: sent.ID})
		}
	}
	return su, nil
}

// reclaimHandles bulk-deletes scratch messages on their owning session.
func reclaimHandles(ctx context.Context, pool *Pool, limiter *Limiter, table *scratchTable, log *slog.Logger, session string, handles []ScratchHandle, events *Emitter) error {
	if len(handles) == 0 {
		return nil
	}
	ids := make([]int, len(handles))
	for i, h := range handles {
		ids[i] = h.MessageID
	}
	if err := limiter.Admit(ctx, session, ClassUpload); err != nil {
		return err
	}
	lease, err := pool.Lease(session)
	if err != nil {
		return err
	}
	_, err = retryCall(ctx, limiter, session, "scratch-delete", defaultMaxAttempts, time.Second, log, func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, deleteTimeout)
		defer cancel()
		return struct{}{}, lease.Client().DeleteMessages(cctx, SelfChat, ids)
	})
	lease.Release()
	if err != nil {
		return err
	}
	reclaimed, double := table.markReclaimed(session, ids)
	if double > 0 {
		log.Error("double scratch reclaim detected", "session", session, "count", double)
	}
	if events != nil {
		events.Emit(Event{Type: EventScratchReclaimed, Session: session, Count: reclaimed})
	}
	return nil
}
