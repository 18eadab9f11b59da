// Package call runs one channel session: a single loop owns the peer
// registry, the state engine and the focus binder and applies transport
// events to them in arrival order.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/presence/internal/app/focus"
	"github.com/dkeye/presence/internal/app/peers"
	"github.com/dkeye/presence/internal/app/session"
	"github.com/dkeye/presence/internal/app/statesync"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotRunning = errors.New("call loop is not running")

// earlyLimit bounds the state events held between connect and seeding.
const earlyLimit = 256

type Options struct {
	Channel     domain.Channel
	Name        string
	UpdateRate  time.Duration
	EventBuffer int
	Sync        statesync.Config
	Session     session.Config
}

type Deps struct {
	Transport core.Transport
	Capture   core.Capture
	Layout    core.Layout
	Focus     core.Surface
}

type subKey struct {
	peer domain.PeerID
	kind domain.Kind
}

type subResult struct {
	key   subKey
	gen   uint64
	track core.TrackHandle
	err   error
}

type Call struct {
	opts      Options
	transport core.Transport
	machine   *session.Machine
	registry  *peers.Registry
	engine    *statesync.Engine
	binder    *focus.Binder
	throttle  *statesync.Throttle
	now       func() time.Time

	events  chan Event
	cmds    chan func()
	subs    chan subResult
	kick    chan struct{}
	running atomic.Bool
	dropped atomic.Uint64

	// owned by the loop
	loopCtx context.Context
	gens    map[subKey]uint64
	self    domain.PeerID
	// seeded is set once the join-time peer list is in the registry. State
	// for peers not known before that is held in early and replayed.
	seeded bool
	early  []core.Event

	mu      sync.Mutex
	pending *domain.State
	local   domain.State
}

func New(opts Options, deps Deps) *Call {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.UpdateRate <= 0 {
		opts.UpdateRate = 50 * time.Millisecond
	}
	c := &Call{
		opts:      opts,
		transport: deps.Transport,
		engine:    statesync.New(opts.Sync),
		throttle:  statesync.NewThrottle(opts.UpdateRate),
		now:       time.Now,
		events:    make(chan Event, opts.EventBuffer),
		cmds:      make(chan func()),
		subs:      make(chan subResult),
		kick:      make(chan struct{}, 1),
		gens:      make(map[subKey]uint64),
	}
	c.registry = peers.NewRegistry(peers.Hooks{
		TrackReleased: func(peer domain.PeerID, _ domain.Kind, track core.TrackHandle) {
			if c.binder.Hide(peer, track) {
				c.emit(Event{Kind: FocusChanged})
			}
		},
		PeerRemoved: func(peer domain.PeerID) {
			if c.binder.Release(peer) {
				c.emit(Event{Kind: FocusChanged})
			}
			c.engine.Purge(peer)
		},
	})
	c.binder = focus.NewBinder(deps.Layout, deps.Focus, c.registry)
	c.machine = session.NewMachine(opts.Session, deps.Transport, deps.Capture)
	c.machine.OnTransition(func(tr session.Transition) {
		c.emit(Event{Kind: SessionStateChanged, Session: tr.To, Err: tr.Err})
	})
	return c
}

// Events delivers upward notifications. Events are dropped when the
// consumer falls behind.
func (c *Call) Events() <-chan Event { return c.events }

// Dropped counts events lost to a slow consumer.
func (c *Call) Dropped() uint64 { return c.dropped.Load() }

func (c *Call) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		log.Warn().Str("module", "call").Str("event", ev.Kind.String()).Msg("event dropped, consumer too slow")
	}
}

// Run is the channel loop. Join, Leave, Focus and Unfocus need it running.
func (c *Call) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("call loop already running")
	}
	defer c.running.Store(false)
	c.loopCtx = ctx

	ticker := time.NewTicker(c.opts.UpdateRate)
	defer ticker.Stop()
	log.Info().Str("module", "call").Str("channel", string(c.opts.Channel.ID)).Msg("call loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.transport.Events():
			if !ok {
				return nil
			}
			c.handle(ev)
		case fn := <-c.cmds:
			fn()
		case r := <-c.subs:
			c.onSubscribed(r)
		case <-c.kick:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

// do runs fn on the loop and waits for it.
func (c *Call) do(ctx context.Context, fn func()) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join starts the session and seeds the registry with the peers already in
// the channel.
func (c *Call) Join(ctx context.Context) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	if err := c.machine.Initiate(ctx, c.opts.Channel, c.opts.Name); err != nil {
		return err
	}
	h := c.machine.Handle()
	return c.do(ctx, func() {
		c.self = h.Self
		for _, p := range h.Peers {
			if p.Peer == c.self {
				continue
			}
			c.registry.OnPeerJoined(p.Peer, p.Name)
			c.emit(Event{Kind: PeerJoined, Peer: p.Peer})
			for _, k := range p.Muted {
				c.registry.OnMuted(p.Peer, k, true)
			}
			for _, k := range p.Kinds {
				c.subscribe(p.Peer, k)
			}
		}
		c.seeded = true
		early := c.early
		c.early = nil
		for _, ev := range early {
			c.handle(ev)
		}
	})
}

// SetEnabled pauses or resumes the local track of kind. The track stays
// published, so remote peers keep their subscription.
func (c *Call) SetEnabled(ctx context.Context, kind domain.Kind, enabled bool) error {
	return c.machine.SetMuted(ctx, kind, !enabled)
}

// Leave ends the session and forgets every remote peer.
func (c *Call) Leave(ctx context.Context) error {
	err := c.machine.Leave(ctx)
	if derr := c.do(ctx, c.reset); derr != nil && !errors.Is(derr, ErrNotRunning) {
		return errors.Join(err, derr)
	}
	return err
}

func (c *Call) reset() {
	for k := range c.gens {
		c.gens[k]++
	}
	c.registry.Clear()
	c.engine.Reset()
	c.self = ""
	c.seeded = false
	c.early = nil
}

func (c *Call) Focus(ctx context.Context, peer domain.PeerID) (focus.Bound, error) {
	var (
		b   focus.Bound
		err error
	)
	if derr := c.do(ctx, func() {
		b, err = c.binder.Focus(peer)
		if err == nil {
			c.emit(Event{Kind: FocusChanged, Peer: peer})
		}
	}); derr != nil {
		return focus.Bound{}, derr
	}
	return b, err
}

func (c *Call) Unfocus(ctx context.Context, peer domain.PeerID) (bool, error) {
	var ok bool
	err := c.do(ctx, func() {
		ok = c.binder.Unfocus(peer)
		if ok {
			c.emit(Event{Kind: FocusChanged})
		}
	})
	return ok, err
}

// Move records the local state. It is sent by the loop at most every
// UpdateRate, or at once when movement or direction changes.
func (c *Call) Move(s domain.State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pending = &s
	c.local = s
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *Call) LocalState() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Call) flush() {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil || c.machine.State() != session.Joined {
		return
	}
	if !c.throttle.Offer(*p, c.now()) {
		return
	}
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
	if err := c.transport.SendState(*p); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("failed to send state")
	}
}

// StateOf returns the displayed state of a remote peer at now.
func (c *Call) StateOf(peer domain.PeerID, now time.Time) (domain.State, bool) {
	return c.engine.Query(peer, now)
}

func (c *Call) Peers() []peers.RemotePeer { return c.registry.Snapshot() }

func (c *Call) Focused() (domain.PeerID, bool) { return c.binder.Focused() }

func (c *Call) Session() session.Local { return c.machine.Local() }

func (c *Call) handle(ev core.Event) {
	if ev.Peer != "" && ev.Peer == c.selfID() {
		return
	}
	switch ev.Type {
	case core.EventPeerJoined:
		c.registry.OnPeerJoined(ev.Peer, ev.Name)
		c.emit(Event{Kind: PeerJoined, Peer: ev.Peer})
	case core.EventPeerLeft:
		for _, k := range domain.Kinds {
			c.gens[subKey{ev.Peer, k}]++
		}
		if c.registry.OnPeerLeft(ev.Peer) {
			c.emit(Event{Kind: PeerLeft, Peer: ev.Peer})
		}
	case core.EventPeerPublished:
		if _, ok := c.registry.Get(ev.Peer); !ok {
			c.registry.OnPeerJoined(ev.Peer, "")
			c.emit(Event{Kind: PeerJoined, Peer: ev.Peer})
		}
		c.subscribe(ev.Peer, ev.Kind)
	case core.EventPeerUnpublished:
		c.gens[subKey{ev.Peer, ev.Kind}]++
		if c.registry.OnUnpublished(ev.Peer, ev.Kind) {
			c.emit(Event{Kind: PeerUnpublished, Peer: ev.Peer, Media: ev.Kind})
		}
	case core.EventConnectionState:
		c.onConnection(ev)
	case core.EventPeerMuted:
		if c.registry.OnMuted(ev.Peer, ev.Kind, ev.Muted) {
			c.emit(Event{Kind: PeerMuted, Peer: ev.Peer, Media: ev.Kind, Muted: ev.Muted})
		}
	case core.EventStateUpdate:
		if !c.hold(ev) {
			c.onState(ev.Peer, ev.Sample)
		}
	case core.EventSnapshot:
		c.hold(ev)
		c.onSnapshot(ev.Snapshot)
	default:
		log.Debug().Str("module", "call").Str("event", ev.Type.String()).Msg("unhandled transport event")
	}
}

// hold keeps state of peers the registry does not know yet while the join
// is being seeded. It reports whether ev was held whole.
func (c *Call) hold(ev core.Event) bool {
	if c.seeded {
		return false
	}
	switch ev.Type {
	case core.EventStateUpdate:
		if _, ok := c.registry.Get(ev.Peer); ok {
			return false
		}
	case core.EventSnapshot:
		var unknown []domain.PeerSample
		for _, ps := range ev.Snapshot {
			if _, ok := c.registry.Get(ps.Peer); !ok {
				unknown = append(unknown, ps)
			}
		}
		if len(unknown) == 0 {
			return false
		}
		ev.Snapshot = unknown
	default:
		return false
	}
	if len(c.early) >= earlyLimit {
		log.Debug().Str("module", "call").Str("event", ev.Type.String()).Msg("early state dropped")
		return false
	}
	c.early = append(c.early, ev)
	return ev.Type == core.EventStateUpdate
}

func (c *Call) selfID() domain.PeerID {
	if c.self == "" {
		c.self = c.machine.Handle().Self
	}
	return c.self
}

func (c *Call) onConnection(ev core.Event) {
	log.Info().Str("module", "call").Str("conn", ev.Conn.String()).Err(ev.Err).Msg("connection state")
	failed := ev.Conn == core.ConnFailed ||
		(ev.Conn == core.ConnDisconnected && c.machine.State() == session.Joined)
	if !failed {
		return
	}
	err := ev.Err
	if err == nil {
		err = domain.NewError("transport", domain.ErrNetwork, errors.New("connection lost"))
	}
	go c.machine.Fail(err)
	c.reset()
}

func (c *Call) onState(peer domain.PeerID, s domain.Sample) {
	if _, ok := c.registry.Get(peer); !ok {
		log.Debug().Str("module", "call").Str("peer", string(peer)).Msg("state from unknown peer dropped")
		return
	}
	if err := c.engine.Push(peer, s, c.now()); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("state update rejected")
		return
	}
	c.registry.Touch(peer, s.At)
	c.emit(Event{Kind: StateUpdated, Peer: peer})
}

func (c *Call) onSnapshot(samples []domain.PeerSample) {
	now := c.now()
	self := c.selfID()
	for _, ps := range samples {
		if ps.Peer == self {
			continue
		}
		if _, ok := c.registry.Get(ps.Peer); !ok {
			continue
		}
		res, err := c.engine.Reconcile(ps.Peer, ps.Sample, now)
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("snapshot entry rejected")
			continue
		}
		c.registry.Touch(ps.Peer, ps.At)
		if res.Applied || res.Seeded {
			c.emit(Event{Kind: StateUpdated, Peer: ps.Peer})
		}
	}
}

// subscribe asks the transport for a remote track off the loop. The result
// is discarded if the peer left or unpublished in the meantime.
func (c *Call) subscribe(peer domain.PeerID, kind domain.Kind) {
	key := subKey{peer, kind}
	c.gens[key]++
	gen := c.gens[key]
	ctx := c.loopCtx
	go func() {
		track, err := c.transport.Subscribe(ctx, peer, kind)
		select {
		case c.subs <- subResult{key: key, gen: gen, track: track, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Call) onSubscribed(r subResult) {
	l := log.With().Str("module", "call").Str("peer", string(r.key.peer)).Str("kind", r.key.kind.String()).Logger()
	if c.gens[r.key] != r.gen {
		l.Debug().Msg("stale subscription discarded")
		return
	}
	if r.err != nil {
		l.Warn().Err(r.err).Msg("subscribe failed")
		return
	}
	if _, ok := c.registry.Get(r.key.peer); !ok {
		return
	}
	c.registry.OnPublished(r.key.peer, r.key.kind, r.track)
	if err := c.binder.Show(r.key.peer, r.track); err != nil {
		l.Warn().Err(err).Msg("failed to show track")
	}
	c.emit(Event{Kind: PeerPublished, Peer: r.key.peer, Media: r.key.kind})
}
