package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testLimiter returns a limiter that never throttles, for tests that
// exercise other behaviour.
func testLimiter(opts ...LimiterOption) *Limiter {
	base := []LimiterOption{
		GlobalRate(1_000_000),
		ClassRate(ClassDownload, 1_000_000),
		ClassRate(ClassUpload, 1_000_000),
		SessionRate(1_000_000),
	}
	return NewLimiter(append(base, opts...)...)
}

// sendRecord captures one send call on a fake client.
type sendRecord struct {
	Dest    string
	Refs    []string
	Caption string
	IDs     []int
}

// deleteRecord captures one delete call on a fake client.
type deleteRecord struct {
	Chat string
	IDs  []int
}

// fakeClient is a scripted transport. Error queues are consumed one
// entry per call; an empty queue means success. Hooks run before the
// call is answered.
type fakeClient struct {
	mu   sync.Mutex
	name string
	self SelfInfo

	msgs map[int]Message

	// shortBytes overrides the byte count produced for a message id,
	// to provoke size-verification failures.
	shortBytes map[int]int64

	fetchErrs    []error
	downloadErrs []error
	sendErrs     []error
	deleteErrs   []error

	onSend func(dest string)

	sent    []sendRecord
	deleted []deleteRecord
	nextID  int

	closed bool
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:   name,
		self:   SelfInfo{ID: 1, Name: name},
		msgs:   make(map[int]Message),
		nextID: 1000,
	}
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) Self(ctx context.Context) (SelfInfo, error) { return c.self, nil }

func (c *fakeClient) FetchMessages(ctx context.Context, channel string, ids []int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.fetchErrs); err != nil {
		return nil, err
	}
	var out []Message
	for _, id := range ids {
		if m, ok := c.msgs[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *fakeClient) DownloadSmall(ctx context.Context, msg Message) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.downloadErrs); err != nil {
		return nil, err
	}
	return make([]byte, c.payloadSize(msg)), nil
}

func (c *fakeClient) payloadSize(msg Message) int64 {
	if n, ok := c.shortBytes[msg.ID]; ok {
		return n
	}
	return msg.FileSize
}

func (c *fakeClient) Stream(ctx context.Context, msg Message, w io.Writer) (int64, error) {
	c.mu.Lock()
	err := pop(&c.downloadErrs)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, werr := w.Write(make([]byte, c.payloadSize(msg)))
	return int64(n), werr
}

func (c *fakeClient) SendMedia(ctx context.Context, dest string, item MediaItem, caption string) (Message, error) {
	c.mu.Lock()
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(dest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.sendErrs); err != nil {
		return Message{}, err
	}
	c.nextID++
	id := c.nextID
	c.sent = append(c.sent, sendRecord{
		Dest: dest, Refs: []string{item.Ref}, Caption: caption, IDs: []int{id},
	})
	return Message{
		ChannelID: dest, ID: id, Kind: item.Kind,
		MediaRef: item.Ref, Caption: caption,
	}, nil
}

func (c *fakeClient) SendMediaGroup(ctx context.Context, dest string, items []MediaItem, caption string) ([]Message, error) {
	c.mu.Lock()
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(dest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.sendErrs); err != nil {
		return nil, err
	}
	rec := sendRecord{Dest: dest, Caption: caption}
	out := make([]Message, len(items))
	for i, item := range items {
		c.nextID++
		rec.Refs = append(rec.Refs, item.Ref)
		rec.IDs = append(rec.IDs, c.nextID)
		out[i] = Message{
			ChannelID: dest, ID: c.nextID, Kind: item.Kind, MediaRef: item.Ref,
		}
	}
	c.sent = append(c.sent, rec)
	return out, nil
}

func (c *fakeClient) DeleteMessages(ctx context.Context, chat string, ids []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.deleteErrs); err != nil {
		return err
	}
	c.deleted = append(c.deleted, deleteRecord{Chat: chat, IDs: append([]int(nil), ids...)})
	return nil
}

// sendsTo returns the recorded sends to one destination, in call order.
func (c *fakeClient) sendsTo(dest string) []sendRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sendRecord
	for _, r := range c.sent {
		if r.Dest == dest {
			out = append(out, r)
		}
	}
	return out
}

// deletedIn returns all ids deleted in one chat.
func (c *fakeClient) deletedIn(chat string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, r := range c.deleted {
		if r.Chat == chat {
			out = append(out, r.IDs...)
		}
	}
	return out
}

var _ Client = (*fakeClient)(nil)

// newTestPool builds a pool whose sessions are already logged in over
// the given fakes.
func newTestPool(t *testing.T, clients map[string]*fakeClient) *Pool {
	t.Helper()
	dir := t.TempDir()
	factory := func(name, authPath string) (Client, error) {
		c, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("no fake for session %s", name)
		}
		return c, nil
	}
	pool := NewPool(factory)
	for name := range clients {
		path := filepath.Join(dir, name+".session")
		if err := os.WriteFile(path, []byte("auth"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := pool.Add(name, path, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := pool.StartEnabled(context.Background()); err != nil {
		t.Fatalf("StartEnabled: %v", err)
	}
	return pool
}

// photoMsg builds a singleton photo message.
func photoMsg(id int, size int64) Message {
	return Message{
		ChannelID: "@src", ID: id, Kind: KindPhoto, FileSize: size,
		MediaRef: fmt.Sprintf("ref-%d", id),
		Date:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// groupMsg builds one member of a media group.
func groupMsg(id int, group string, kind MediaKind, size int64) Message {
	m := photoMsg(id, size)
	m.GroupID = group
	m.Kind = kind
	return m
}

// unitOf wraps messages into an AtomicUnit.
func unitOf(group string, msgs ...Message) AtomicUnit {
	return AtomicUnit{GroupID: group, Messages: msgs}
}
