package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/presence/internal/adapters/view"
	"github.com/dkeye/presence/internal/app/session"
	"github.com/dkeye/presence/internal/app/statesync"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/core/coretest"
	"github.com/dkeye/presence/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	office = domain.Channel{ID: "office"}
	base   = time.UnixMilli(1_700_000_000_000)
)

type harness struct {
	call  *Call
	tr    *coretest.Transport
	board *view.Board
}

func start(t *testing.T, mut ...func(*Options)) *harness {
	t.Helper()
	h := &harness{tr: coretest.NewTransport(), board: view.NewBoard()}
	opts := Options{
		Channel:     office,
		Name:        "ada",
		UpdateRate:  10 * time.Millisecond,
		EventBuffer: 128,
		Sync:        statesync.DefaultConfig(),
		Session: session.Config{
			ConnectTimeout: time.Second,
			Kinds:          []domain.Kind{domain.KindAudio},
		},
	}
	for _, fn := range mut {
		fn(&opts)
	}
	h.call = New(opts, Deps{
		Transport: h.tr,
		Capture:   &coretest.Capture{},
		Layout:    view.NewGrid(h.board),
		Focus:     h.board.NewTile("focus"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.call.Run(ctx)
	}()
	require.Eventually(t, h.call.running.Load, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.call.Join(context.Background()))
}

// waitFor consumes events until one matches.
func (h *harness) waitFor(t *testing.T, kind EventKind, peer domain.PeerID) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.call.Events():
			if ev.Kind == kind && ev.Peer == peer {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for %q", kind, peer)
			return Event{}
		}
	}
}

func (h *harness) peerIDs() []domain.PeerID {
	var out []domain.PeerID
	for _, p := range h.call.Peers() {
		out = append(out, p.ID)
	}
	return out
}

func TestJoinRequiresRunningLoop(t *testing.T) {
	c := New(Options{Channel: office}, Deps{Transport: coretest.NewTransport(), Capture: &coretest.Capture{}})
	require.ErrorIs(t, c.Join(context.Background()), ErrNotRunning)
}

func TestJoinSeedsExistingPeers(t *testing.T) {
	h := start(t)
	h.tr.ConnectFunc = func(_ context.Context, ch domain.Channel, _ string) (core.ConnectionHandle, error) {
		return core.ConnectionHandle{
			Channel: ch.ID,
			Self:    "me",
			Peers: []core.PeerAnnouncement{
				{Peer: "p1", Name: "bob", Kinds: []domain.Kind{domain.KindVideo}},
				{Peer: "me", Name: "ada"},
			},
		}, nil
	}
	h.join(t)

	h.waitFor(t, PeerPublished, "p1")
	peers := h.call.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Name)
	assert.True(t, peers[0].Has(domain.KindVideo))
	assert.Equal(t, domain.PeerID("me"), h.call.Session().Self)
}

func TestJoinKeepsEarlySnapshot(t *testing.T) {
	h := start(t)
	now := time.Now()
	h.tr.ConnectFunc = func(_ context.Context, ch domain.Channel, _ string) (core.ConnectionHandle, error) {
		h.tr.Emit(core.Event{Type: core.EventSnapshot, Snapshot: []domain.PeerSample{
			{Peer: "p1", Sample: domain.Sample{At: now, State: domain.State{X: 42, Y: 7}}},
		}})
		h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p2", Sample: domain.Sample{At: now, State: domain.State{X: 1}}})
		return core.ConnectionHandle{
			Channel: ch.ID,
			Self:    "me",
			Peers:   []core.PeerAnnouncement{{Peer: "p1", Name: "bob"}},
		}, nil
	}
	h.join(t)

	require.Eventually(t, func() bool {
		got, ok := h.call.StateOf("p1", time.Now())
		return ok && got.X == 42 && got.Y == 7
	}, time.Second, time.Millisecond)
	_, ok := h.call.StateOf("p2", time.Now())
	assert.False(t, ok, "held state of a peer never announced is dropped")
}

func TestSetEnabledMutesLocalTrack(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	require.ErrorIs(t, h.call.SetEnabled(ctx, domain.KindAudio, false), domain.ErrInvalidTransition)
	h.join(t)

	require.NoError(t, h.call.SetEnabled(ctx, domain.KindAudio, false))
	assert.True(t, h.tr.Muted(domain.KindAudio))
	assert.True(t, h.tr.Published(domain.KindAudio), "muting keeps the track published")
	assert.Equal(t, []domain.Kind{domain.KindAudio}, h.call.Session().Muted)

	require.NoError(t, h.call.SetEnabled(ctx, domain.KindAudio, false))
	assert.Equal(t, 1, h.tr.Count("mute"))

	require.NoError(t, h.call.SetEnabled(ctx, domain.KindAudio, true))
	assert.False(t, h.tr.Muted(domain.KindAudio))
	assert.Empty(t, h.call.Session().Muted)

	require.ErrorIs(t, h.call.SetEnabled(ctx, domain.KindVideo, false), domain.ErrNotFound)
}

func TestRemoteMute(t *testing.T) {
	h := start(t)
	h.tr.ConnectFunc = func(_ context.Context, ch domain.Channel, _ string) (core.ConnectionHandle, error) {
		return core.ConnectionHandle{
			Channel: ch.ID,
			Self:    "me",
			Peers: []core.PeerAnnouncement{
				{Peer: "p1", Kinds: []domain.Kind{domain.KindAudio}, Muted: []domain.Kind{domain.KindAudio}},
			},
		}, nil
	}
	h.join(t)
	h.waitFor(t, PeerPublished, "p1")
	require.Len(t, h.call.Peers(), 1)
	assert.True(t, h.call.Peers()[0].IsMuted(domain.KindAudio))

	h.tr.Emit(core.Event{Type: core.EventPeerMuted, Peer: "p1", Kind: domain.KindAudio, Muted: false})
	ev := h.waitFor(t, PeerMuted, "p1")
	assert.False(t, ev.Muted)
	assert.Equal(t, domain.KindAudio, ev.Media)
	assert.False(t, h.call.Peers()[0].IsMuted(domain.KindAudio))
	assert.True(t, h.call.Peers()[0].Has(domain.KindAudio))
}

func TestOwnEventsIgnored(t *testing.T) {
	h := start(t)
	h.join(t)

	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "self"})
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p2", Name: "eve"})
	h.waitFor(t, PeerJoined, "p2")

	assert.Equal(t, []domain.PeerID{"p2"}, h.peerIDs())
}

func TestStateUpdatesInterpolate(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p1"})
	h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p1", Sample: domain.Sample{At: base, State: domain.State{X: 0}}})
	h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p1", Sample: domain.Sample{At: base.Add(100 * time.Millisecond), State: domain.State{X: 10}}})
	h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p9", Sample: domain.Sample{At: base, State: domain.State{X: 3}}})
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p3"})
	h.waitFor(t, PeerJoined, "p3")

	got, ok := h.call.StateOf("p1", base.Add(150*time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 5.0, got.X, 1e-9)

	_, ok = h.call.StateOf("p9", base.Add(150*time.Millisecond))
	assert.False(t, ok, "state of unknown peers is dropped")
}

func TestSnapshotReconciles(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p1"})
	h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p1", Sample: domain.Sample{At: base, State: domain.State{X: 80}}})
	h.waitFor(t, StateUpdated, "p1")
	h.tr.Emit(core.Event{Type: core.EventSnapshot, Snapshot: []domain.PeerSample{
		{Peer: "p1", Sample: domain.Sample{At: base.Add(10 * time.Millisecond), State: domain.State{X: 100}}},
		{Peer: "self", Sample: domain.Sample{At: base, State: domain.State{X: 1}}},
	}})
	h.waitFor(t, StateUpdated, "p1")

	got, ok := h.call.StateOf("p1", time.Now().Add(time.Second))
	require.True(t, ok)
	assert.InDelta(t, 100.0, got.X, 1e-9)
	_, ok = h.call.StateOf("self", time.Now())
	assert.False(t, ok)
}

func TestPeerLeftClearsFocus(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerPublished, Peer: "p1", Kind: domain.KindVideo})
	h.waitFor(t, PeerPublished, "p1")

	b, err := h.call.Focus(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "focus", b.Surface)
	h.waitFor(t, FocusChanged, "p1")

	h.tr.Emit(core.Event{Type: core.EventPeerLeft, Peer: "p1"})
	h.waitFor(t, FocusChanged, "")
	h.waitFor(t, PeerLeft, "p1")

	_, focused := h.call.Focused()
	assert.False(t, focused)
	_, owned := h.board.Owner("p1/video")
	assert.False(t, owned)
}

func TestFocusUnknownPeer(t *testing.T) {
	h := start(t)
	h.join(t)
	_, err := h.call.Focus(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnfocus(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerPublished, Peer: "p1", Kind: domain.KindVideo})
	h.waitFor(t, PeerPublished, "p1")
	_, err := h.call.Focus(context.Background(), "p1")
	require.NoError(t, err)

	ok, err := h.call.Unfocus(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	owner, _ := h.board.Owner("p1/video")
	assert.Equal(t, "grid/p1", owner)
}

func TestStaleSubscriptionDiscarded(t *testing.T) {
	h := start(t)
	release := make(chan struct{})
	h.tr.SubscribeFunc = func(ctx context.Context, peer domain.PeerID, kind domain.Kind) (core.TrackHandle, error) {
		<-release
		return coretest.NewTrack(string(peer)+"/"+kind.String(), kind), nil
	}
	h.join(t)

	h.tr.Emit(core.Event{Type: core.EventPeerPublished, Peer: "p1", Kind: domain.KindVideo})
	require.Eventually(t, func() bool { return h.tr.Count("subscribe") == 1 }, time.Second, time.Millisecond)
	h.tr.Emit(core.Event{Type: core.EventPeerLeft, Peer: "p1"})
	h.waitFor(t, PeerLeft, "p1")
	close(release)

	assert.Never(t, func() bool { return len(h.call.Peers()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestUnpublishRemovesTrack(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerPublished, Peer: "p1", Kind: domain.KindVideo})
	h.waitFor(t, PeerPublished, "p1")

	h.tr.Emit(core.Event{Type: core.EventPeerUnpublished, Peer: "p1", Kind: domain.KindVideo})
	ev := h.waitFor(t, PeerUnpublished, "p1")
	assert.Equal(t, domain.KindVideo, ev.Media)
	require.Len(t, h.call.Peers(), 1)
	assert.False(t, h.call.Peers()[0].Has(domain.KindVideo))

	h.tr.Emit(core.Event{Type: core.EventPeerUnpublished, Peer: "p1", Kind: domain.KindVideo})
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p2"})
	h.waitFor(t, PeerJoined, "p2")
}

func TestMoveIsThrottled(t *testing.T) {
	h := start(t, func(o *Options) { o.UpdateRate = 20 * time.Millisecond })
	require.NoError(t, h.call.Move(domain.State{X: 1}))
	h.join(t)

	require.Eventually(t, func() bool { return len(h.tr.Sent()) == 1 }, time.Second, time.Millisecond)

	walk := domain.State{X: 2, Direction: "right", Moving: true}
	require.NoError(t, h.call.Move(walk))
	require.Eventually(t, func() bool { return len(h.tr.Sent()) == 2 }, time.Second, time.Millisecond)

	walk.X = 3
	require.NoError(t, h.call.Move(walk))
	walk.X = 4
	require.NoError(t, h.call.Move(walk))
	require.Eventually(t, func() bool {
		sent := h.tr.Sent()
		return sent[len(sent)-1] == walk
	}, time.Second, time.Millisecond)
	assert.LessOrEqual(t, len(h.tr.Sent()), 4)
	assert.Equal(t, walk, h.call.LocalState())

	require.ErrorIs(t, h.call.Move(domain.State{X: 1e12}), domain.ErrProtocol)
}

func TestTransportFailure(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p1"})
	h.waitFor(t, PeerJoined, "p1")

	h.tr.Emit(core.Event{Type: core.EventConnectionState, Conn: core.ConnFailed, Err: domain.NewError("ice", domain.ErrNetwork, errors.New("failed"))})
	ev := h.waitFor(t, SessionStateChanged, "")
	for ev.Session != session.Failed {
		ev = h.waitFor(t, SessionStateChanged, "")
	}
	assert.ErrorIs(t, ev.Err, domain.ErrNetwork)
	assert.Empty(t, h.call.Peers())
}

func TestLeave(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: "p1"})
	h.waitFor(t, PeerJoined, "p1")

	require.NoError(t, h.call.Leave(context.Background()))
	assert.Equal(t, session.Left, h.call.Session().State)
	assert.Empty(t, h.call.Peers())
	assert.Equal(t, 1, h.tr.Count("disconnect"))
}

func TestEventsDropOnBackpressure(t *testing.T) {
	h := start(t, func(o *Options) { o.EventBuffer = 1 })
	h.join(t)
	for _, p := range []domain.PeerID{"p1", "p2", "p3"} {
		h.tr.Emit(core.Event{Type: core.EventPeerJoined, Peer: p})
	}
	require.Eventually(t, func() bool { return len(h.call.Peers()) == 3 }, time.Second, time.Millisecond)
	assert.Positive(t, h.call.Dropped())
}

func TestRenderFrames(t *testing.T) {
	h := start(t)
	h.join(t)
	h.tr.Emit(core.Event{Type: core.EventPeerPublished, Peer: "p1", Kind: domain.KindVideo})
	h.waitFor(t, PeerPublished, "p1")
	h.tr.Emit(core.Event{Type: core.EventStateUpdate, Peer: "p1", Sample: domain.Sample{At: base, State: domain.State{X: 7}}})
	h.waitFor(t, StateUpdated, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	var frame []PeerView
	err := h.call.Render(ctx, 5*time.Millisecond, func(_ time.Time, f []PeerView) {
		frame = f
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, frame, 1)
	assert.Equal(t, domain.PeerID("p1"), frame[0].Peer)
	assert.True(t, frame[0].HasState)
	assert.Equal(t, 7.0, frame[0].State.X)
	assert.Equal(t, []domain.Kind{domain.KindVideo}, frame[0].Kinds)
}
