// Package transport implements core.Transport against the presence hub:
// a websocket for signaling and state, one pion PeerConnection for media.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errNotConnected = errors.New("not connected")

type Options struct {
	// URL of the hub signaling endpoint, e.g. ws://host:8080/api/ws/signal.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// API builds the PeerConnection. Nil means pion defaults.
	API *webrtc.API
	RTC webrtc.Configuration
	// EventBuffer sizes the Events channel.
	EventBuffer int
	// SubscribeTimeout bounds the wait for a remote track.
	SubscribeTimeout time.Duration
	Now              func() time.Time
}

// Client is safe for concurrent use. It may connect again after Disconnect.
type Client struct {
	opts   Options
	events chan core.Event

	mu   sync.Mutex
	link *link
}

func NewClient(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, events: make(chan core.Event, opts.EventBuffer)}
}

func (c *Client) Events() <-chan core.Event { return c.events }

func (c *Client) current() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil, errNotConnected
	}
	return c.link, nil
}

func (c *Client) Connect(ctx context.Context, ch domain.Channel, name string) (core.ConnectionHandle, error) {
	c.mu.Lock()
	busy := c.link != nil
	c.mu.Unlock()
	if busy {
		return core.ConnectionHandle{}, domain.NewError("connect", domain.ErrProtocol, errors.New("already connected"))
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return core.ConnectionHandle{}, domain.NewError("connect", domain.ErrAuth, err)
		}
		if ctx.Err() != nil {
			return core.ConnectionHandle{}, ctx.Err()
		}
		return core.ConnectionHandle{}, domain.NewError("connect", domain.ErrNetwork, err)
	}

	var pc *webrtc.PeerConnection
	if c.opts.API != nil {
		pc, err = c.opts.API.NewPeerConnection(c.opts.RTC)
	} else {
		pc, err = webrtc.NewPeerConnection(c.opts.RTC)
	}
	if err != nil {
		_ = ws.Close()
		return core.ConnectionHandle{}, domain.NewError("connect", domain.ErrNetwork, err)
	}

	l := newLink(c, ws, pc)
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	go l.readLoop()

	fail := func(err error) (core.ConnectionHandle, error) {
		c.drop(l)
		return core.ConnectionHandle{}, err
	}

	joined, err := l.join(ctx, ch, name)
	if err != nil {
		return fail(err)
	}
	// A data channel gives the first negotiation an m-line, so ICE and DTLS
	// come up before anything is published.
	if _, err := pc.CreateDataChannel("presence", nil); err != nil {
		return fail(domain.NewError("connect", domain.ErrNetwork, err))
	}
	if err := l.negotiate(ctx); err != nil {
		return fail(err)
	}

	handle := core.ConnectionHandle{
		Channel:     joined.Channel,
		Self:        joined.Self.ID,
		ConnectedAt: c.opts.Now(),
	}
	for _, p := range joined.Peers {
		handle.Peers = append(handle.Peers, core.PeerAnnouncement{Peer: p.ID, Name: p.Name, Kinds: p.Kinds, Muted: p.Muted})
	}
	log.Info().Str("module", "transport").Str("channel", string(handle.Channel)).Str("self", string(handle.Self)).Int("peers", len(handle.Peers)).Msg("connected")
	return handle, nil
}

// drop tears l down and forgets it if it is still current.
func (c *Client) drop(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	l.close()
}

func (c *Client) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	l, err := c.current()
	if err != nil {
		return domain.NewError("publish", domain.ErrNetwork, err)
	}
	for _, t := range tracks {
		src, ok := t.(localSource)
		if !ok {
			return domain.NewError("publish "+t.ID(), domain.ErrDevice, fmt.Errorf("track has no rtp source"))
		}
		sender, err := l.pc.AddTrack(src.Local())
		if err != nil {
			return domain.NewError("publish "+t.ID(), domain.ErrNetwork, err)
		}
		l.mu.Lock()
		l.senders[t.ID()] = &outgoing{sender: sender, kind: t.Kind(), local: src.Local()}
		l.mu.Unlock()
		go drainRTCP(sender)
	}
	return l.negotiate(ctx)
}

func (c *Client) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	l, err := c.current()
	if err != nil {
		return domain.NewError("unpublish", domain.ErrNetwork, err)
	}
	changed := false
	for _, t := range tracks {
		l.mu.Lock()
		out, ok := l.senders[t.ID()]
		delete(l.senders, t.ID())
		l.mu.Unlock()
		if !ok {
			continue
		}
		if err := l.pc.RemoveTrack(out.sender); err != nil {
			return domain.NewError("unpublish "+t.ID(), domain.ErrNetwork, err)
		}
		if err := l.sendJSON(wire.MediaEvent{Type: wire.TypeUnpublish, Kind: t.Kind()}); err != nil {
			return err
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return l.negotiate(ctx)
}

// SetMuted detaches or reattaches the source of the published track of kind
// without renegotiating, then tells the hub.
func (c *Client) SetMuted(ctx context.Context, kind domain.Kind, muted bool) error {
	l, err := c.current()
	if err != nil {
		return domain.NewError("mute", domain.ErrNetwork, err)
	}
	l.mu.Lock()
	var out *outgoing
	for _, o := range l.senders {
		if o.kind == kind {
			out = o
			break
		}
	}
	l.mu.Unlock()
	if out == nil {
		return domain.NewError("mute "+kind.String(), domain.ErrNotFound, nil)
	}
	var src webrtc.TrackLocal
	if !muted {
		src = out.local
	}
	if err := out.sender.ReplaceTrack(src); err != nil {
		return domain.NewError("mute "+kind.String(), domain.ErrNetwork, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.sendJSON(wire.MediaEvent{Type: wire.TypeMute, Kind: kind, Muted: muted})
}

func (c *Client) Subscribe(ctx context.Context, peer domain.PeerID, kind domain.Kind) (core.TrackHandle, error) {
	l, err := c.current()
	if err != nil {
		return nil, domain.NewError("subscribe", domain.ErrNetwork, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SubscribeTimeout)
	defer cancel()
	return l.subscribe(ctx, peer, kind)
}

func (c *Client) SendState(s domain.State) error {
	l, err := c.current()
	if err != nil {
		return domain.NewError("send state", domain.ErrNetwork, err)
	}
	b, err := wire.EncodeFrame(wire.Frame{
		Kind:   wire.FrameState,
		States: []wire.PeerState{wire.NewPeerState("", c.opts.Now(), s)},
	})
	if err != nil {
		return domain.NewError("send state", domain.ErrProtocol, err)
	}
	return l.write(websocket.BinaryMessage, b)
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	l.closing.Store(true)
	err := l.sendJSON(wire.Envelope{Type: wire.TypeLeave})
	if err == nil {
		err = l.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	l.close()
	select {
	case <-l.done:
	case <-ctx.Done():
	}
	log.Info().Str("module", "transport").Err(err).Msg("disconnected")
	return err
}
