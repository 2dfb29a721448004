package relay

import "sync"

// EventType identifies the kind of run event.
type EventType string

const (
	// EventRunStarted opens a run.
	EventRunStarted EventType = "run-started"
	// EventFetchDone reports range-fetch completion with stats.
	EventFetchDone EventType = "fetch-done"
	// EventFileDone reports one local-download outcome.
	EventFileDone EventType = "file-done"
	// EventUnitDone reports one AtomicUnit outcome.
	EventUnitDone EventType = "unit-done"
	// EventBatchSent reports one successful batch send to a destination.
	EventBatchSent EventType = "batch-sent"
	// EventFloodWait reports a flood-wait observed on a session.
	EventFloodWait EventType = "flood-wait"
	// EventScratchCreated reports stage-1 scratch handle creation.
	EventScratchCreated EventType = "scratch-created"
	// EventScratchReclaimed reports stage-3 scratch reclamation.
	EventScratchReclaimed EventType = "scratch-reclaimed"
	// EventRunFinished closes a run.
	EventRunFinished EventType = "run-finished"
)

// Event is one entry on the run's one-way event stream. Workers emit;
// consumers (progress UI, log renderer, observer) subscribe. Workers
// never call back into consumers.
type Event struct {
	Type        EventType `json:"type"`
	Session     string    `json:"session,omitempty"`
	Destination string    `json:"destination,omitempty"`
	MessageID   int       `json:"message_id,omitempty"`
	UnitFirstID int       `json:"unit_first_id,omitempty"`
	Bytes       int64     `json:"bytes,omitempty"`
	Count       int       `json:"count,omitempty"`
	WaitSeconds int       `json:"wait_seconds,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Emitter fans events out to subscribers without blocking workers: a
// subscriber that falls behind drops events, counted per subscriber.
type Emitter struct {
	mu      sync.Mutex
	subs    []chan Event
	dropped []int
	closed  bool
}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a consumer with the given buffer size and returns
// its channel. The channel closes when the emitter closes.
func (e *Emitter) Subscribe(buffer int) <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, buffer)
	if e.closed {
		close(ch)
		return ch
	}
	e.subs = append(e.subs, ch)
	e.dropped = append(e.dropped, 0)
	return ch
}

// Emit delivers ev to every subscriber, dropping for any whose buffer
// is full.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for i, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped[i]++
		}
	}
}

// Close ends the stream; subscriber channels are closed.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
}

// Dropped returns the per-subscriber drop counts, for the run report.
func (e *Emitter) Dropped() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.dropped...)
}
