package relay

import (
	"sort"
	"time"
)

// MediaKind classifies the media payload of a message.
type MediaKind string

const (
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindAudio     MediaKind = "audio"
	KindVoice     MediaKind = "voice"
	KindVideoNote MediaKind = "video_note"
	KindAnimation MediaKind = "animation"
	KindDocument  MediaKind = "document"
	KindNone      MediaKind = "none"
)

// GroupCap is the service-imposed maximum number of messages in one album.
const GroupCap = 10

// Message is an immutable snapshot of a remote message after fetch.
// Identity is (ChannelID, ID). MediaRef is an opaque service-supplied
// identifier usable in send calls without re-uploading bytes.
type Message struct {
	ChannelID string    `json:"channel_id"`
	ID        int       `json:"id"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Kind      MediaKind `json:"kind"`
	FileName  string    `json:"file_name,omitempty"`
	FileSize  int64     `json:"file_size"`
	MediaRef  string    `json:"media_ref,omitempty"`
}

// HasMedia reports whether the message carries a downloadable payload.
func (m Message) HasMedia() bool { return m.Kind != KindNone && m.MediaRef != "" }

// AtomicUnit is the granularity every downstream component operates on:
// either one standalone message or an indivisible ordered media group.
// GroupID is empty for singletons; Messages has length 1 in that case.
// Once constructed a unit is never split.
type AtomicUnit struct {
	GroupID  string    `json:"group_id,omitempty"`
	Messages []Message `json:"messages"`
}

// IsGroup reports whether the unit is a media group.
func (u AtomicUnit) IsGroup() bool { return u.GroupID != "" }

// Weight is the summed declared file size of the unit's messages.
func (u AtomicUnit) Weight() int64 {
	var w int64
	for _, m := range u.Messages {
		w += m.FileSize
	}
	return w
}

// FirstID is the lowest source message id in the unit. Units produced by
// the grouper keep source order, so this is Messages[0].ID.
func (u AtomicUnit) FirstID() int {
	if len(u.Messages) == 0 {
		return 0
	}
	return u.Messages[0].ID
}

// First returns the leading message of the unit. Captions and template
// variables are derived from it.
func (u AtomicUnit) First() Message {
	if len(u.Messages) == 0 {
		return Message{}
	}
	return u.Messages[0]
}

// Assignment maps a session name to the ordered list of units it will
// process. Every unit appears in exactly one session's list, in source
// order within the list.
type Assignment map[string][]AtomicUnit

// SessionNames returns the assigned session names in lexical order.
func (a Assignment) SessionNames() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnitCount is the total number of units across all sessions.
func (a Assignment) UnitCount() int {
	var n int
	for _, units := range a {
		n += len(units)
	}
	return n
}

// WeightOf is the total byte weight assigned to one session.
func (a Assignment) WeightOf(name string) int64 {
	var w int64
	for _, u := range a[name] {
		w += u.Weight()
	}
	return w
}

// Imbalance is (max-min)/max over per-session byte weights, 0 when the
// assignment is empty or single-session.
func (a Assignment) Imbalance() float64 {
	if len(a) < 2 {
		return 0
	}
	var minW, maxW int64 = -1, 0
	for name := range a {
		w := a.WeightOf(name)
		if minW < 0 || w < minW {
			minW = w
		}
		if w > maxW {
			maxW = w
		}
	}
	if maxW == 0 {
		return 0
	}
	return float64(maxW-minW) / float64(maxW)
}

// ScratchHandle is an opaque reference to media uploaded by a session
// into its own self-chat. It is only valid on the owning session and is
// reclaimed exactly once.
type ScratchHandle struct {
	Session   string    `json:"session"`
	MessageID int       `json:"message_id"`
	Kind      MediaKind `json:"kind"`
	MediaRef  string    `json:"media_ref"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ScratchUnit mirrors an AtomicUnit over scratch handles after stage 1.
type ScratchUnit struct {
	Unit    AtomicUnit
	Handles []ScratchHandle
}

// BatchKind types a SendBatch by media-kind compatibility. The service
// allows photos and videos to share an album; documents and audio only
// batch with their own kind; everything else sends alone.
type BatchKind string

const (
	BatchPhotoVideo BatchKind = "photo_video"
	BatchDocuments  BatchKind = "documents"
	BatchAudio      BatchKind = "audio"
	BatchSingleton  BatchKind = "singleton"
)

// SendBatch is one batch-send payload: up to GroupCap handles of
// compatible kinds with the caption attached to the first.
type SendBatch struct {
	Kind             BatchKind
	Handles          []ScratchHandle
	Caption          string
	CaptionTruncated bool
}

// FileStatus is the outcome of one local download.
type FileStatus string

const (
	FileOK      FileStatus = "ok"
	FileSkipped FileStatus = "skipped"
	FileFailed  FileStatus = "failed"
)

// FileResult describes one local-download outcome.
type FileResult struct {
	MessageID int        `json:"message_id"`
	Session   string     `json:"session"`
	Status    FileStatus `json:"status"`
	Path      string     `json:"path,omitempty"`
	Bytes     int64      `json:"bytes"`
	Kind      MediaKind  `json:"kind"`
	Error     string     `json:"error,omitempty"`
}

// UnitStatus is the outcome of one AtomicUnit.
type UnitStatus string

const (
	UnitOK        UnitStatus = "ok"
	UnitPartial   UnitStatus = "partial"
	UnitFailed    UnitStatus = "failed"
	UnitCancelled UnitStatus = "cancelled"
)

// UnitResult describes one unit's outcome, including which session
// processed it and how many retries it consumed.
type UnitResult struct {
	FirstID int        `json:"first_id"`
	GroupID string     `json:"group_id,omitempty"`
	Session string     `json:"session"`
	Status  UnitStatus `json:"status"`
	Retries int        `json:"retries"`
	Error   string     `json:"error,omitempty"`
}

// DestinationResult aggregates outcomes for one destination channel.
type DestinationResult struct {
	Destination string `json:"destination"`
	UnitsSent   int    `json:"units_sent"`
	UnitsFailed int    `json:"units_failed"`
	MessageIDs  []int  `json:"message_ids,omitempty"`
}

// PipelineState is the aggregate state of a staged-forward pipeline.
type PipelineState string

const (
	PipelineIdle         PipelineState = "idle"
	PipelineStaging      PipelineState = "staging"
	PipelineStaged       PipelineState = "staged"
	PipelineDistributing PipelineState = "distributing"
	PipelineDistributed  PipelineState = "distributed"
	PipelinePartial      PipelineState = "partial_distributed"
	PipelineCleaning     PipelineState = "cleaning"
	PipelineDone         PipelineState = "done"
	PipelineStageFailed  PipelineState = "stage1_failed"
)

// FetchStats summarises a range fetch.
type FetchStats struct {
	Requested int `json:"requested"`
	Fetched   int `json:"fetched"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`
}
