// Package gotd adapts the gotd/td MTProto client to the engine's
// transport interface. Everything engine-facing speaks relay types;
// raw tg wire types stay inside this package.
package gotd

import (
	"context"
	"errors"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	relay "github.com/kavero/relay"
)

// Client implements relay.Client over one MTProto connection.
type Client struct {
	name string
	tg   *telegram.Client
	api  *tg.Client
	mgr  *peers.Manager
	dl   *downloader.Downloader

	stop context.CancelFunc
	done chan error
}

var _ relay.Client = (*Client)(nil)

// NewFactory returns a relay.ClientFactory producing MTProto clients
// for the given API credentials. Each session persists its auth state
// in its own file; enrolment happens out of band.
func NewFactory(apiID int, apiHash string) relay.ClientFactory {
	return func(name, authPath string) (relay.Client, error) {
		tc := telegram.NewClient(apiID, apiHash, telegram.Options{
			SessionStorage: &session.FileStorage{Path: authPath},
		})
		return &Client{name: name, tg: tc}, nil
	}
}

// Connect starts the client loop in the background and returns once the
// connection is up and authorized. gotd's Run owns the connection for
// its whole lifetime, so the loop keeps running until Close cancels it.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan struct{})
	done := make(chan error, 1)
	c.stop = cancel
	c.done = done

	go func() {
		done <- c.tg.Run(runCtx, func(ctx context.Context) error {
			status, err := c.tg.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !status.Authorized {
				return &relay.ErrUnauthorized{Session: c.name}
			}
			c.api = c.tg.API()
			c.mgr = peers.Options{}.Build(c.api)
			c.dl = downloader.NewDownloader()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return nil
	case err := <-done:
		cancel()
		return c.wrapErr("connect", "", err)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels the run loop and waits for it to unwind.
func (c *Client) Close(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	c.stop()
	select {
	case err := <-c.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Self fetches the account identity behind this session.
func (c *Client) Self(ctx context.Context) (relay.SelfInfo, error) {
	user, err := c.tg.Self(ctx)
	if err != nil {
		return relay.SelfInfo{}, c.wrapErr("self", "", err)
	}
	name := user.Username
	if name == "" {
		name = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	return relay.SelfInfo{ID: user.ID, Name: name, Premium: user.Premium}, nil
}

// peer resolves a channel reference to an input peer. The self-chat
// sentinel bypasses resolution.
func (c *Client) peer(ctx context.Context, ref string) (tg.InputPeerClass, error) {
	if ref == relay.SelfChat {
		return &tg.InputPeerSelf{}, nil
	}
	p, err := c.mgr.Resolve(ctx, ref)
	if err != nil {
		return nil, c.wrapErr("resolve", ref, err)
	}
	return p.InputPeer(), nil
}

// wrapErr maps raw MTProto errors onto the engine's error kinds.
func (c *Client) wrapErr(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	var unauth *relay.ErrUnauthorized
	if errors.As(err, &unauth) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &relay.ErrFloodWait{Seconds: int(d.Seconds())}
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED") {
		return &relay.ErrUnauthorized{Session: c.name}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_FORBIDDEN") {
		return &relay.ErrChannelPrivate{Channel: channel}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &relay.ErrTransient{Op: op, Err: err}
}
