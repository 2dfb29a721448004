package gotd

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	relay "github.com/kavero/relay"
)

// FetchMessages retrieves the given ids from channel. Ids deleted in
// the source come back as empty messages from the service and are
// dropped here, not reported as errors.
func (c *Client) FetchMessages(ctx context.Context, channel string, ids []int) ([]relay.Message, error) {
	p, err := c.mgr.Resolve(ctx, channel)
	if err != nil {
		return nil, c.wrapErr("fetch", channel, err)
	}

	inputIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		inputIDs[i] = &tg.InputMessageID{ID: id}
	}

	var res tg.MessagesMessagesClass
	if ch, ok := p.(peers.Channel); ok {
		res, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: ch.InputChannel(),
			ID:      inputIDs,
		})
	} else {
		res, err = c.api.MessagesGetMessages(ctx, inputIDs)
	}
	if err != nil {
		return nil, c.wrapErr("fetch", channel, err)
	}
	modified, ok := res.AsModified()
	if !ok {
		return nil, nil
	}

	var out []relay.Message
	for _, m := range modified.GetMessages() {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue // MessageEmpty: deleted id
		}
		out = append(out, convertMessage(channel, msg))
	}
	return out, nil
}

// convertMessage maps a raw message to the engine's snapshot type. The
// service stores text and caption in the same field; media presence
// decides which one it is.
func convertMessage(channel string, m *tg.Message) relay.Message {
	out := relay.Message{
		ChannelID: channel,
		ID:        m.ID,
		Date:      time.Unix(int64(m.Date), 0),
	}
	if media, ok := m.GetMedia(); ok {
		out.Kind, out.FileSize, out.FileName, out.MediaRef = classifyMedia(media)
	} else {
		out.Kind = relay.KindNone
	}
	if out.Kind != relay.KindNone && out.MediaRef != "" {
		out.Caption = m.Message
	} else {
		out.Text = m.Message
	}
	if gid, ok := m.GetGroupedID(); ok {
		out.GroupID = strconv.FormatInt(gid, 10)
	}
	return out
}

// countingWriter tracks bytes written through the streaming path.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// DownloadSmall fetches the whole payload into memory.
func (c *Client) DownloadSmall(ctx context.Context, msg relay.Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.Stream(ctx, msg, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream copies the payload to w.
func (c *Client) Stream(ctx context.Context, msg relay.Message, w io.Writer) (int64, error) {
	loc, err := fileLocation(msg.MediaRef)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: w}
	if _, err := c.dl.Download(c.api, loc).Stream(ctx, cw); err != nil {
		return cw.n, c.wrapErr("download", msg.ChannelID, err)
	}
	return cw.n, nil
}

// SendMedia sends one referenced media item to dest.
func (c *Client) SendMedia(ctx context.Context, dest string, item relay.MediaItem, caption string) (relay.Message, error) {
	peer, err := c.peer(ctx, dest)
	if err != nil {
		return relay.Message{}, err
	}
	media, err := inputMedia(item.Ref)
	if err != nil {
		return relay.Message{}, err
	}
	req := &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  caption,
		RandomID: rand.Int64(),
	}
	req.SetFlags()

	sent, err := unpack.Message(c.api.MessagesSendMedia(ctx, req))
	if err != nil {
		return relay.Message{}, c.wrapErr("send", dest, err)
	}
	return convertMessage(dest, sent), nil
}

// SendMediaGroup sends up to the album cap of compatible items as one
// batch. The caption rides on the first item, per service convention.
func (c *Client) SendMediaGroup(ctx context.Context, dest string, items []relay.MediaItem, caption string) ([]relay.Message, error) {
	peer, err := c.peer(ctx, dest)
	if err != nil {
		return nil, err
	}
	multi := make([]tg.InputSingleMedia, 0, len(items))
	for i, item := range items {
		media, err := inputMedia(item.Ref)
		if err != nil {
			return nil, err
		}
		single := tg.InputSingleMedia{
			Media:    media,
			RandomID: rand.Int64(),
		}
		if i == 0 {
			single.Message = caption
		}
		single.SetFlags()
		multi = append(multi, single)
	}
	req := &tg.MessagesSendMultiMediaRequest{
		Peer:       peer,
		MultiMedia: multi,
	}
	req.SetFlags()

	updates, err := c.api.MessagesSendMultiMedia(ctx, req)
	if err != nil {
		return nil, c.wrapErr("send-batch", dest, err)
	}
	sent := extractMessages(updates)
	out := make([]relay.Message, len(sent))
	for i, m := range sent {
		out[i] = convertMessage(dest, m)
	}
	return out, nil
}

// extractMessages pulls the created messages out of an updates box,
// ascending by id.
func extractMessages(u tg.UpdatesClass) []*tg.Message {
	var out []*tg.Message
	collect := func(updates []tg.UpdateClass) {
		for _, upd := range updates {
			var boxed tg.MessageClass
			switch upd := upd.(type) {
			case *tg.UpdateNewMessage:
				boxed = upd.Message
			case *tg.UpdateNewChannelMessage:
				boxed = upd.Message
			default:
				continue
			}
			if m, ok := boxed.(*tg.Message); ok {
				out = append(out, m)
			}
		}
	}
	switch u := u.(type) {
	case *tg.Updates:
		collect(u.Updates)
	case *tg.UpdatesCombined:
		collect(u.Updates)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteMessages removes messages via the bulk primitive. Self-chat
// deletes go through the messages namespace; channels need their own.
func (c *Client) DeleteMessages(ctx context.Context, chat string, ids []int) error {
	if chat == relay.SelfChat {
		req := &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: ids}
		req.SetFlags()
		if _, err := c.api.MessagesDeleteMessages(ctx, req); err != nil {
			return c.wrapErr("delete", chat, err)
		}
		return nil
	}
	p, err := c.mgr.Resolve(ctx, chat)
	if err != nil {
		return c.wrapErr("delete", chat, err)
	}
	ch, ok := p.(peers.Channel)
	if !ok {
		req := &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: ids}
		req.SetFlags()
		if _, err := c.api.MessagesDeleteMessages(ctx, req); err != nil {
			return c.wrapErr("delete", chat, err)
		}
		return nil
	}
	if _, err := c.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
		Channel: ch.InputChannel(),
		ID:      ids,
	}); err != nil {
		return c.wrapErr("delete", chat, err)
	}
	return nil
}
