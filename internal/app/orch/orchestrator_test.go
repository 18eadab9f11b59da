package orch

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/sfu"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/core/coretest"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/metrics"
	"github.com/dkeye/presence/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type member struct {
	sid      core.SessionID
	peer     domain.PeerID
	sig      *coretest.Signal
	canceled atomic.Bool
}

func newHub() *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(nil),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Now:      func() time.Time { return epoch },
	}
}

func connect(o *Orchestrator, sid core.SessionID) *member {
	m := &member{sid: sid, sig: &coretest.Signal{}}
	user, _ := o.Registry.GetOrCreateUser(sid)
	m.peer = user.ID
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(m.sig)
	o.Registry.BindSignal(sid, sess, func() { m.canceled.Store(true) })
	return m
}

func join(t *testing.T, o *Orchestrator, m *member, channel domain.ChannelID) wire.Joined {
	t.Helper()
	joined, err := o.Join(m.sid, domain.Channel{ID: channel})
	require.NoError(t, err)
	return joined
}

func types(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		typ, _ := wire.TypeOf(f)
		out = append(out, typ)
	}
	return out
}

func stateFrame(t *testing.T, s domain.State) core.Frame {
	t.Helper()
	b, err := wire.EncodeFrame(wire.Frame{Kind: wire.FrameState, States: []wire.PeerState{wire.NewPeerState("", time.Now(), s)}})
	require.NoError(t, err)
	return b
}

func TestJoinAnnouncesAndListsPeers(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")

	first := join(t, o, a, "office")
	assert.Empty(t, first.Peers)
	assert.Equal(t, epoch.UnixMilli(), first.ServerTime)
	assert.Equal(t, a.peer, first.Self.ID)

	second := join(t, o, b, "office")
	require.Len(t, second.Peers, 1)
	assert.Equal(t, a.peer, second.Peers[0].ID)

	frames := a.sig.Text()
	require.Equal(t, []string{wire.TypePeerJoined}, types(frames))
	var ev wire.PeerEvent
	require.NoError(t, json.Unmarshal(frames[0], &ev))
	assert.Equal(t, b.peer, ev.Peer.ID)
	assert.Empty(t, b.sig.Text())

	assert.Equal(t, 2.0, testutil.ToFloat64(o.Metrics.Members))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Channels))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.Metrics.Joins.WithLabelValues("ok")))
}

func TestJoinChecksToken(t *testing.T) {
	o := newHub()
	o.Auth = app.TokenVerifier{AppID: "office-app", Secret: []byte("k")}
	a := connect(o, "a")

	_, err := o.Join(a.sid, domain.Channel{ID: "office", Credentials: domain.Credentials{AppID: "office-app", Token: "00"}})
	require.ErrorIs(t, err, domain.ErrAuth)
	_, _, ok := o.Registry.ChannelOf(a.sid)
	assert.False(t, ok)

	_, err = o.Join(a.sid, domain.Channel{ID: "office", Credentials: domain.Credentials{AppID: "office-app", Token: o.Auth.Sign("office")}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Joins.WithLabelValues("auth")))
}

func TestJoinWithoutSession(t *testing.T) {
	o := newHub()
	_, err := o.Join("ghost", domain.Channel{ID: "office"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLeaveAnnouncesAndClosesEmptyChannel(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")
	a.sig.Text()

	require.True(t, o.Leave(b.sid))
	assert.Equal(t, []string{wire.TypePeerLeft}, types(a.sig.Text()))
	_, ok := o.Channels.Get("office")
	assert.True(t, ok)

	require.True(t, o.Leave(a.sid))
	_, ok = o.Channels.Get("office")
	assert.False(t, ok)
	assert.False(t, o.Leave(a.sid))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.Metrics.Members))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.Metrics.Channels))
}

func TestJoinAnotherChannelLeavesTheFirst(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	join(t, o, a, "office")
	join(t, o, a, "kitchen")

	_, ok := o.Channels.Get("office")
	assert.False(t, ok)
	id, _, ok := o.Registry.ChannelOf(a.sid)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID("kitchen"), id)
}

func TestStateRelayedWithHubClock(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")

	require.NoError(t, o.OnState(a.sid, stateFrame(t, domain.State{X: 3, Y: 4, Direction: "left", Moving: true})))

	assert.Empty(t, a.sig.Binary())
	frames := b.sig.Binary()
	require.Len(t, frames, 1)
	f, err := wire.DecodeFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, wire.FrameState, f.Kind)
	assert.Equal(t, a.peer, f.States[0].Peer)
	assert.Equal(t, epoch.UnixMilli(), f.States[0].At)
	assert.Equal(t, domain.State{X: 3, Y: 4, Direction: "left", Moving: true}, f.States[0].State())
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.StateFrames.WithLabelValues("ok")))
}

func TestStateRejected(t *testing.T) {
	o := newHub()
	a := connect(o, "a")

	err := o.OnState(a.sid, stateFrame(t, domain.State{X: 1}))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	join(t, o, a, "office")
	assert.ErrorIs(t, o.OnState(a.sid, core.Frame{0xc1}), domain.ErrProtocol)
	assert.ErrorIs(t, o.OnState(a.sid, stateFrame(t, domain.State{X: 1 << 21})), domain.ErrProtocol)

	snap, err := wire.EncodeFrame(wire.Frame{Kind: wire.FrameSnapshot})
	require.NoError(t, err)
	assert.ErrorIs(t, o.OnState(a.sid, snap), domain.ErrProtocol)
	assert.Equal(t, 3.0, testutil.ToFloat64(o.Metrics.StateFrames.WithLabelValues("bad")))
}

func TestSnapshotsCarryEveryKnownState(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")

	o.BroadcastSnapshots()
	assert.Empty(t, a.sig.Binary(), "no state yet, no snapshot")

	require.NoError(t, o.OnState(a.sid, stateFrame(t, domain.State{X: 1})))
	require.NoError(t, o.OnState(b.sid, stateFrame(t, domain.State{X: 2})))
	a.sig.Binary()
	b.sig.Binary()

	o.BroadcastSnapshots()
	for _, m := range []*member{a, b} {
		frames := m.sig.Binary()
		require.Len(t, frames, 1)
		f, err := wire.DecodeFrame(frames[0])
		require.NoError(t, err)
		assert.Equal(t, wire.FrameSnapshot, f.Kind)
		require.Len(t, f.States, 2)
		assert.Equal(t, a.peer, f.States[0].Peer)
		assert.Equal(t, b.peer, f.States[1].Peer)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Snapshots))

	require.True(t, o.SendSnapshot(b.sid))
	assert.Len(t, b.sig.Binary(), 1)
	assert.False(t, o.SendSnapshot("ghost"))
}

func TestSlowMemberKickedOnControlBackpressure(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, b, "office")
	b.sig.SetFull(true)

	join(t, o, a, "office")

	require.Eventually(t, func() bool {
		_, _, ok := o.Registry.ChannelOf(b.sid)
		return !ok && b.canceled.Load()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{wire.TypePeerLeft}, types(a.sig.Text()))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Backpressure.WithLabelValues("kick")))
}

func TestStateBackpressureDropsFrame(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")
	b.sig.SetFull(true)

	require.NoError(t, o.OnState(a.sid, stateFrame(t, domain.State{X: 1})))
	_, _, ok := o.Registry.ChannelOf(b.sid)
	assert.True(t, ok)
	assert.False(t, b.canceled.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(o.Metrics.Backpressure.WithLabelValues("drop")))
}

func TestRenegotiationCollapsesWhileOfferOutstanding(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	join(t, o, a, "office")
	mc := &coretest.Media{}
	require.NoError(t, o.AttachMedia(a.sid, mc))

	o.renegotiate(a.sid)
	o.renegotiate(a.sid)
	o.renegotiate(a.sid)
	assert.Equal(t, 1, mc.Offers())

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	require.NoError(t, o.HandleAnswer(a.sid, answer))
	assert.Equal(t, 2, mc.Offers())
	require.NoError(t, o.HandleAnswer(a.sid, answer))
	assert.Equal(t, 2, mc.Offers())

	assert.Equal(t, []string{wire.TypeOffer, wire.TypeOffer}, types(a.sig.Text()))
}

func TestMemberOfferWinsGlare(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	join(t, o, a, "office")
	mc := &coretest.Media{}
	require.NoError(t, o.AttachMedia(a.sid, mc))

	o.renegotiate(a.sid)
	require.NoError(t, o.HandleOffer(a.sid, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}))

	assert.Equal(t, []string{wire.TypeOffer, wire.TypeAnswer, wire.TypeOffer}, types(a.sig.Text()))
	assert.Equal(t, 2, mc.Offers())
}

func TestNegotiationNeedsMedia(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	assert.ErrorIs(t, o.HandleOffer(a.sid, webrtc.SessionDescription{}), domain.ErrNotFound)
	assert.ErrorIs(t, o.HandleAnswer(a.sid, webrtc.SessionDescription{}), domain.ErrNotFound)
	assert.ErrorIs(t, o.HandleCandidate(a.sid, webrtc.ICECandidateInit{}), domain.ErrNotFound)
	assert.ErrorIs(t, o.AttachMedia("ghost", &coretest.Media{}), domain.ErrNotFound)

	mc := &coretest.Media{}
	require.NoError(t, o.AttachMedia(a.sid, mc))
	require.NoError(t, o.HandleCandidate(a.sid, webrtc.ICECandidateInit{Candidate: "c"}))
	assert.Equal(t, 1, mc.Candidates())
}

func TestUnpublishAnnounces(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")
	a.sig.Text()

	ch, ok := o.Channels.Get("office")
	require.True(t, ok)
	require.True(t, ch.SetPublished(a.sid, domain.KindVideo, true))

	require.NoError(t, o.Unpublish(a.sid, domain.KindVideo))
	frames := b.sig.Text()
	require.Equal(t, []string{wire.TypeUnpublished}, types(frames))
	var ev wire.MediaEvent
	require.NoError(t, json.Unmarshal(frames[0], &ev))
	assert.Equal(t, a.peer, ev.Peer)
	assert.Equal(t, domain.KindVideo, ev.Kind)

	require.NoError(t, o.Unpublish(a.sid, domain.KindVideo))
	assert.Empty(t, b.sig.Text())
	assert.ErrorIs(t, o.Unpublish(a.sid, "screen"), domain.ErrProtocol)
}

func TestMuteAnnouncesAndListsMutedKinds(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "office")
	a.sig.Text()

	assert.ErrorIs(t, o.SetMuted(a.sid, domain.KindAudio, true), domain.ErrNotFound, "nothing published yet")
	assert.ErrorIs(t, o.SetMuted(a.sid, "screen", true), domain.ErrProtocol)

	ch, ok := o.Channels.Get("office")
	require.True(t, ok)
	require.True(t, ch.SetPublished(a.sid, domain.KindAudio, true))

	require.NoError(t, o.SetMuted(a.sid, domain.KindAudio, true))
	require.NoError(t, o.SetMuted(a.sid, domain.KindAudio, true))
	frames := b.sig.Text()
	require.Equal(t, []string{wire.TypeMuted}, types(frames))
	var ev wire.MediaEvent
	require.NoError(t, json.Unmarshal(frames[0], &ev))
	assert.Equal(t, a.peer, ev.Peer)
	assert.Equal(t, domain.KindAudio, ev.Kind)
	assert.True(t, ev.Muted)

	c := connect(o, "c")
	joined := join(t, o, c, "office")
	require.Len(t, joined.Peers, 2)
	assert.Equal(t, []domain.Kind{domain.KindAudio}, joined.Peers[0].Muted)
	assert.Empty(t, joined.Peers[1].Muted)

	b.sig.Text()
	require.NoError(t, o.SetMuted(a.sid, domain.KindAudio, false))
	frames = b.sig.Text()
	require.Equal(t, []string{wire.TypeMuted}, types(frames))
	var unmuted wire.MediaEvent
	require.NoError(t, json.Unmarshal(frames[0], &unmuted))
	assert.False(t, unmuted.Muted)

	o.Leave(c.sid)
	assert.ErrorIs(t, o.SetMuted(c.sid, domain.KindAudio, true), domain.ErrNotFound)
}

func TestLeaveClosesMedia(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	join(t, o, a, "office")
	mc := &coretest.Media{}
	require.NoError(t, o.AttachMedia(a.sid, mc))

	o.Leave(a.sid)
	assert.True(t, mc.IsClosed())
	sess, ok := o.Registry.GetSession(a.sid)
	require.True(t, ok)
	assert.Nil(t, sess.Media())
}

func TestAttachMediaReplacesPrevious(t *testing.T) {
	o := newHub()
	a := connect(o, "a")
	first, second := &coretest.Media{}, &coretest.Media{}
	require.NoError(t, o.AttachMedia(a.sid, first))
	require.NoError(t, o.AttachMedia(a.sid, second))
	assert.True(t, first.IsClosed())

	// a late close of the replaced connection does not touch the new one
	o.OnMediaDisconnect(a.sid, first)
	assert.False(t, second.IsClosed())

	second.Close()
	sess, _ := o.Registry.GetSession(a.sid)
	assert.Nil(t, sess.Media())
}

func TestRenameAnnouncesMemberUpdated(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	require.NoError(t, o.Rename(a.sid, "alice"))
	join(t, o, a, "office")
	join(t, o, b, "office")
	a.sig.Text()

	require.NoError(t, o.Rename(b.sid, "bob"))
	frames := a.sig.Text()
	require.Equal(t, []string{wire.TypeMemberUpdated}, types(frames))
	var ev wire.PeerEvent
	require.NoError(t, json.Unmarshal(frames[0], &ev))
	assert.Equal(t, "bob", ev.Peer.Name)

	assert.ErrorIs(t, o.Rename(b.sid, ""), domain.ErrUsernameEmpty)

	who := o.WhoAmI(a.sid)
	assert.Equal(t, "alice", who.Username)
	assert.Equal(t, domain.ChannelID("office"), who.Channel)
}

func TestEvictAllKicksEveryone(t *testing.T) {
	o := newHub()
	a, b := connect(o, "a"), connect(o, "b")
	join(t, o, a, "office")
	join(t, o, b, "kitchen")

	o.EvictAll()
	assert.Empty(t, o.Channels.List())
	assert.True(t, a.canceled.Load())
	assert.True(t, b.canceled.Load())
}
