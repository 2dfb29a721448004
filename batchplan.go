package relay

// batchClass is the album-compatibility class of a media kind.
type batchClass int

const (
	classPhotoVideo batchClass = iota
	classDocuments
	classAudio
	classSingle // voice, video-note, animation never share an album
)

func classOf(kind MediaKind) batchClass {
	switch kind {
	case KindPhoto, KindVideo:
		return classPhotoVideo
	case KindDocument:
		return classDocuments
	case KindAudio:
		return classAudio
	default:
		return classSingle
	}
}

func (c batchClass) batchKind() BatchKind {
	switch c {
	case classPhotoVideo:
		return BatchPhotoVideo
	case classDocuments:
		return BatchDocuments
	case classAudio:
		return BatchAudio
	default:
		return BatchSingleton
	}
}

// planBatches partitions a scratch unit's handles into send batches by
// album compatibility, preserving source order: photos and videos may
// share a batch, documents only batch with documents, audio only with
// audio, and the remaining kinds send alone. Runs longer than batchSize
// split. The unit-level caption (already templated and truncated)
// attaches to the first batch; later batches fall back to their own
// first handle's preserved caption.
func planBatches(unit ScratchUnit, batchSize int, caption string, truncated bool) []SendBatch {
	if batchSize <= 0 || batchSize > GroupCap {
		batchSize = GroupCap
	}
	if len(unit.Handles) == 0 {
		return nil
	}
	if len(unit.Handles) == 1 {
		return []SendBatch{{
			Kind:             BatchSingleton,
			Handles:          unit.Handles,
			Caption:          caption,
			CaptionTruncated: truncated,
		}}
	}

	var batches []SendBatch
	flush := func(class batchClass, run []ScratchHandle) {
		for len(run) > 0 {
			n := min(len(run), batchSize)
			batches = append(batches, SendBatch{
				Kind:    class.batchKind(),
				Handles: run[:n],
			})
			run = run[n:]
		}
	}

	var (
		run      []ScratchHandle
		runClass batchClass
	)
	for _, h := range unit.Handles {
		c := classOf(h.Kind)
		if c == classSingle {
			flush(runClass, run)
			run = nil
			batches = append(batches, SendBatch{Kind: BatchSingleton, Handles: []ScratchHandle{h}})
			continue
		}
		if len(run) > 0 && c != runClass {
			flush(runClass, run)
			run = nil
		}
		runClass = c
		run = append(run, h)
	}
	flush(runClass, run)

	for i := range batches {
		if i == 0 {
			batches[i].Caption = caption
			batches[i].CaptionTruncated = truncated
			continue
		}
		batches[i].Caption = batches[i].Handles[0].Caption
	}
	return batches
}

// mergeSingletonRuns implements the legacy re-batch path: consecutive
// singleton scratch units of album-compatible kinds merge into one
// synthetic unit of up to batchSize handles, so they send as an album.
// Group units always pass through whole.
func mergeSingletonRuns(units []ScratchUnit, batchSize int) [][]ScratchUnit {
	if batchSize <= 0 || batchSize > GroupCap {
		batchSize = GroupCap
	}
	var out [][]ScratchUnit
	var run []ScratchUnit
	var runClass batchClass
	flush := func() {
		if len(run) > 0 {
			out = append(out, run)
			run = nil
		}
	}
	for _, su := range units {
		mergeable := !su.Unit.IsGroup() && len(su.Handles) == 1 && classOf(su.Handles[0].Kind) != classSingle
		if !mergeable {
			flush()
			out = append(out, []ScratchUnit{su})
			continue
		}
		c := classOf(su.Handles[0].Kind)
		if len(run) > 0 && (c != runClass || len(run) >= batchSize) {
			flush()
		}
		runClass = c
		run = append(run, su)
	}
	flush()
	return out
}
