package observer

import (
	"context"

	relay "github.com/kavero/relay"

	"go.opentelemetry.io/otel/metric"
)

// Consume drains one subscription of the engine's event stream into the
// instruments. It returns when the channel closes or ctx is cancelled.
// Run it in its own goroutine alongside the run.
func (in *Instruments) Consume(ctx context.Context, events <-chan relay.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			in.record(ctx, ev)
		}
	}
}

func (in *Instruments) record(ctx context.Context, ev relay.Event) {
	session := metric.WithAttributes(AttrSession.String(ev.Session))
	switch ev.Type {
	case relay.EventFileDone:
		in.FilesDone.Add(ctx, 1, metric.WithAttributes(
			AttrSession.String(ev.Session),
			AttrFileStatus.String(ev.Detail)))
		if ev.Bytes > 0 {
			in.BytesTransferred.Add(ctx, ev.Bytes, session)
		}
	case relay.EventUnitDone:
		in.UnitsDone.Add(ctx, 1, metric.WithAttributes(
			AttrSession.String(ev.Session),
			AttrUnitStatus.String(ev.Detail)))
	case relay.EventBatchSent:
		in.BatchesSent.Add(ctx, 1, metric.WithAttributes(
			AttrSession.String(ev.Session),
			AttrDestination.String(ev.Destination),
			AttrBatchSize.Int(ev.Count)))
	case relay.EventFloodWait:
		in.FloodWaits.Add(ctx, 1, session)
		in.FloodWaitSeconds.Record(ctx, float64(ev.WaitSeconds), session)
	case relay.EventScratchCreated:
		in.ScratchCreated.Add(ctx, 1, session)
		in.ScratchOutstanding.Add(ctx, 1, session)
	case relay.EventScratchReclaimed:
		n := int64(ev.Count)
		if n == 0 {
			n = 1
		}
		in.ScratchReclaimed.Add(ctx, n, session)
		in.ScratchOutstanding.Add(ctx, -n, session)
	}
}
