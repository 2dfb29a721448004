package relay

import (
	"context"
	"io"
)

// SelfChat addresses a session's own "Saved Messages" conversation, used
// as the scratch area by the staged-forward pipeline.
const SelfChat = "me"

// SelfInfo is the identity of the account behind a session.
type SelfInfo struct {
	ID      int64
	Name    string
	Premium bool
}

// MediaItem references already-uploaded media for a send call. Ref is
// the opaque service identifier carried by Message.MediaRef or
// ScratchHandle.MediaRef; bytes are never re-uploaded.
type MediaItem struct {
	Kind     MediaKind
	Ref      string
	FileName string
}

// Client is the authenticated transport handle to the remote service.
// Implementations wrap a real MTProto client (transport/gotd) or a fake
// (tests). Methods return the error kinds declared in errors.go:
// *ErrFloodWait, *ErrUnauthorized, *ErrChannelPrivate, *ErrTransient.
//
/// A Client is not re-entrant: the pool's lease guarantees at most one
// outstanding call per session.
type Client interface {
	// Connect establishes the transport using the session's persisted
	// auth artefact. Returns *ErrUnauthorized when no valid artefact
	// exists (interactive enrolment is out of scope here).
	Connect(ctx context.Context) error
	// Close terminates the transport. Late background-cleanup errors
	// from the underlying library are expected on shutdown and
	// swallowed by the pool.
	Close(ctx context.Context) error
	// Self fetches the account identity, including the premium flag
	// that governs the caption length cap.
	Self(ctx context.Context) (SelfInfo, error)

	// FetchMessages returns the messages with the given ids from
	// channel. Deleted ids are absent from the result, not errors.
	// len(ids) must not exceed FetchBatchSize.
	FetchMessages(ctx context.Context, channel string, ids []int) ([]Message, error)

	// DownloadSmall fetches the whole payload in memory. Reserved for
	// payloads under the small-file threshold.
	DownloadSmall(ctx context.Context, msg Message) ([]byte, error)
	// Stream copies the payload to w, returning the byte count.
	Stream(ctx context.Context, msg Message, w io.Writer) (int64, error)

	// SendMedia sends one media item to dest with an optional caption
	// and returns the created remote message.
	SendMedia(ctx context.Context, dest string, item MediaItem, caption string) (Message, error)
	// SendMediaGroup sends up to GroupCap compatible items as one album.
	// The caption attaches to the first item, per service convention.
	SendMediaGroup(ctx context.Context, dest string, items []MediaItem, caption string) ([]Message, error)

	// DeleteMessages removes messages from chat, preferring the bulk
	// primitive. Used by stage-3 scratch reclamation.
	DeleteMessages(ctx context.Context, chat string, ids []int) error
}

// ClientFactory builds a Client for a named session from its auth
// artefact path. The pool owns the returned Client.
type ClientFactory func(name, authPath string) (Client, error)
