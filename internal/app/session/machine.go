// Package session drives the local participant through a channel session:
// connect, acquire and publish devices, leave.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrCanceled is returned by Initiate when Leave arrived while connecting.
var ErrCanceled = errors.New("session left while connecting")

// Local is a read-only copy of the local session.
type Local struct {
	State     State
	Channel   domain.ChannelID
	Self      domain.PeerID
	Published []domain.Kind
	Muted     []domain.Kind
	Err       error
}

type flight struct {
	done chan struct{}
	err  error
}

func newFlight() *flight { return &flight{done: make(chan struct{})} }

func (f *flight) finish(err error) {
	f.err = err
	close(f.done)
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Machine serializes session transitions. Concurrent Initiate or Leave calls
// aimed at the same target share the in-flight result.
// Capture devices acquired by the machine are released by it and nobody else.
type Machine struct {
	cfg       Config
	transport core.Transport
	capture   core.Capture

	mu           sync.Mutex
	state        State
	err          error
	channel      domain.ChannelID
	handle       core.ConnectionHandle
	tracks       []core.LocalTrack
	muted        map[domain.Kind]bool
	cancel       context.CancelFunc
	connecting   *flight
	leaving      *flight
	pendingLeave bool
	failErr      error
	listeners    []func(Transition)
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishBackoff = 100 * time.Millisecond
)

func NewMachine(cfg Config, transport core.Transport, capture core.Capture) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaultPublishBackoff
	}
	return &Machine{cfg: cfg, transport: transport, capture: capture}
}

// OnTransition registers fn for every state change. fn runs with the
// machine locked and must not call back into it.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Local() Local {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := Local{State: m.state, Channel: m.channel, Self: m.handle.Self, Err: m.err}
	for _, t := range m.tracks {
		l.Published = append(l.Published, t.Kind())
		if m.muted[t.Kind()] {
			l.Muted = append(l.Muted, t.Kind())
		}
	}
	return l
}

// Handle returns the connection established by the last successful Initiate.
func (m *Machine) Handle() core.ConnectionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// transition must be called with mu held.
func (m *Machine) transition(to State, err error) {
	from := m.state
	if !Allowed(from, to) {
		log.Error().Str("module", "session").Str("from", from.String()).Str("to", to.String()).Msg("illegal transition")
		return
	}
	m.state = to
	m.err = err
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("module", "session").Str("channel", string(m.channel)).Str("from", from.String()).Str("to", to.String()).Msg("session transition")
	for _, fn := range m.listeners {
		fn(Transition{From: from, To: to, Err: err})
	}
}

// Initiate connects to ch and publishes the configured devices. It returns
// once the session is Joined, Failed or Left.
func (m *Machine) Initiate(ctx context.Context, ch domain.Channel, name string) error {
	m.mu.Lock()
	switch m.state {
	case Connecting:
		f := m.connecting
		m.mu.Unlock()
		return f.wait(ctx)
	case Joined:
		m.mu.Unlock()
		return nil
	case Leaving:
		m.mu.Unlock()
		return domain.NewError("initiate", domain.ErrInvalidTransition, nil)
	}

	actx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	f := newFlight()
	m.connecting = f
	m.cancel = cancel
	m.pendingLeave = false
	m.failErr = nil
	m.channel = ch.ID
	m.handle = core.ConnectionHandle{}
	m.muted = nil
	m.transition(Connecting, nil)
	m.mu.Unlock()

	handle, tracks, err := m.establish(actx, ch, name)
	connected := handle.Self != ""
	cancel()

	m.mu.Lock()
	switch {
	case m.pendingLeave:
		m.transition(Leaving, nil)
		m.mu.Unlock()
		m.teardown(context.WithoutCancel(ctx), tracks, connected)
		m.mu.Lock()
		m.transition(Left, nil)
		err = ErrCanceled
	case m.failErr != nil || err != nil:
		if m.failErr != nil {
			err = m.failErr
		}
		closeTracks(tracks)
		m.transition(Failed, err)
		if connected {
			m.mu.Unlock()
			m.disconnectQuietly(context.WithoutCancel(ctx))
			m.mu.Lock()
		}
	default:
		m.handle = handle
		m.tracks = tracks
		m.transition(Joined, nil)
	}
	m.connecting = nil
	m.cancel = nil
	m.mu.Unlock()
	f.finish(err)
	return err
}

// establish connects and acquires devices concurrently, then publishes.
func (m *Machine) establish(ctx context.Context, ch domain.Channel, name string) (core.ConnectionHandle, []core.LocalTrack, error) {
	var (
		handle core.ConnectionHandle
		mu     sync.Mutex
		tracks []core.LocalTrack
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := m.transport.Connect(gctx, ch, name)
		if err != nil {
			return classify(ctx, "connect", err)
		}
		mu.Lock()
		handle = h
		mu.Unlock()
		return nil
	})
	for _, kind := range m.cfg.Kinds {
		g.Go(func() error {
			t, err := m.capture.Acquire(gctx, kind)
			if err != nil {
				if m.cfg.AllowPartial && gctx.Err() == nil {
					log.Warn().Err(err).Str("module", "session").Str("kind", kind.String()).Msg("device unavailable, continuing without it")
					return nil
				}
				return domain.NewError("acquire "+kind.String(), domain.ErrDevice, err)
			}
			mu.Lock()
			tracks = append(tracks, t)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	slices.SortFunc(tracks, func(a, b core.LocalTrack) int {
		return slices.Index(domain.Kinds, a.Kind()) - slices.Index(domain.Kinds, b.Kind())
	})
	if err != nil {
		return handle, tracks, err
	}
	if len(tracks) == 0 {
		return handle, nil, nil
	}

	backoff := m.cfg.PublishBackoff
	for attempt := 0; ; attempt++ {
		err = m.transport.Publish(ctx, tracks...)
		if err == nil {
			return handle, tracks, nil
		}
		if attempt >= m.cfg.PublishRetries || ctx.Err() != nil {
			return handle, tracks, classify(ctx, "publish", err)
		}
		log.Warn().Err(err).Str("module", "session").Int("attempt", attempt+1).Dur("backoff", backoff).Msg("publish failed, retrying")
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return handle, tracks, classify(ctx, "publish", err)
		case <-t.C:
		}
		backoff *= 2
	}
}

// SetMuted stops or resumes sending the published track of kind without
// unpublishing it. Remote peers keep their subscription.
func (m *Machine) SetMuted(ctx context.Context, kind domain.Kind, muted bool) error {
	m.mu.Lock()
	if m.state != Joined {
		m.mu.Unlock()
		return domain.NewError("mute", domain.ErrInvalidTransition, nil)
	}
	found := slices.ContainsFunc(m.tracks, func(t core.LocalTrack) bool { return t.Kind() == kind })
	was := m.muted[kind]
	m.mu.Unlock()
	if !found {
		return domain.NewError("mute "+kind.String(), domain.ErrNotFound, nil)
	}
	if was == muted {
		return nil
	}
	if err := m.transport.SetMuted(ctx, kind, muted); err != nil {
		return classify(ctx, "mute", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Joined {
		return nil
	}
	if m.muted == nil {
		m.muted = make(map[domain.Kind]bool)
	}
	if muted {
		m.muted[kind] = true
	} else {
		delete(m.muted, kind)
	}
	log.Info().Str("module", "session").Str("kind", kind.String()).Bool("muted", muted).Msg("local track mute changed")
	return nil
}

// Leave ends the session. Devices are released before Left is reached even
// when disconnecting fails; the disconnect error is returned.
func (m *Machine) Leave(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Idle, Left, Failed:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.pendingLeave = true
		m.cancel()
		f := m.connecting
		m.mu.Unlock()
		if err := f.wait(ctx); err != nil && !errors.Is(err, ErrCanceled) {
			return err
		}
		return nil
	case Leaving:
		f := m.leaving
		m.mu.Unlock()
		return f.wait(ctx)
	}

	f := newFlight()
	m.leaving = f
	tracks := m.tracks
	m.transition(Leaving, nil)
	m.mu.Unlock()

	err := m.teardown(ctx, tracks, true)

	m.mu.Lock()
	m.tracks = nil
	m.leaving = nil
	m.transition(Left, nil)
	m.mu.Unlock()
	f.finish(err)
	return err
}

// Fail moves the session to Failed after a transport error. A connect in
// progress is aborted and fails with err.
func (m *Machine) Fail(err error) {
	if err == nil {
		err = domain.ErrNetwork
	}
	m.mu.Lock()
	switch m.state {
	case Connecting:
		if m.failErr == nil {
			m.failErr = err
		}
		m.cancel()
		m.mu.Unlock()
	case Joined:
		closeTracks(m.tracks)
		m.tracks = nil
		m.transition(Failed, err)
		m.mu.Unlock()
		m.disconnectQuietly(context.Background())
	default:
		m.mu.Unlock()
	}
}

func (m *Machine) teardown(ctx context.Context, tracks []core.LocalTrack, connected bool) error {
	if connected && len(tracks) > 0 {
		if err := m.transport.Unpublish(ctx, tracks...); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("unpublish failed")
		}
	}
	closeTracks(tracks)
	if !connected {
		return nil
	}
	if err := m.transport.Disconnect(ctx); err != nil {
		return classify(ctx, "disconnect", err)
	}
	return nil
}

func (m *Machine) disconnectQuietly(ctx context.Context) {
	if err := m.transport.Disconnect(ctx); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("disconnect after failure")
	}
}

func closeTracks(tracks []core.LocalTrack) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("kind", t.Kind().String()).Msg("failed to release device")
		}
	}
}

// classify maps a transport failure onto the error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrAuth), errors.Is(err, domain.ErrDevice):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(op, domain.ErrTimeout, err)
	case errors.Is(err, domain.ErrNetwork), errors.Is(err, domain.ErrProtocol):
		return err
	}
	return domain.NewError(op, domain.ErrNetwork, err)
}
