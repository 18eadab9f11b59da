package sfu

import (
	"testing"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peer")
	require.NoError(t, err)
	return tr
}

func TestForwardDropsDeletedOutTracks(t *testing.T) {
	r := NewRelay(Key{SID: "s1", Kind: domain.KindAudio}, "p1", nil, nil)
	live := NewOutTrack(newLocal(t), nil)
	gone := NewOutTrack(newLocal(t), nil)
	muted := NewOutTrack(newLocal(t), nil)
	gone.MarkDelete()
	muted.MarkMuted()
	r.AddOutTrack("a", live)
	r.AddOutTrack("b", gone)
	r.AddOutTrack("c", muted)

	logger := zerolog.Nop()
	r.forward(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}, &logger)

	assert.Equal(t, []core.SessionID{"a", "c"}, r.Subscribers())
}

func TestMutedRelayPausesSubscribers(t *testing.T) {
	r := NewRelay(Key{SID: "s1", Kind: domain.KindAudio}, "p1", nil, nil)
	a := NewOutTrack(newLocal(t), nil)
	gone := NewOutTrack(newLocal(t), nil)
	gone.MarkDelete()
	r.AddOutTrack("a", a)
	r.AddOutTrack("gone", gone)

	assert.True(t, r.SetMuted(true))
	assert.False(t, r.SetMuted(true))
	assert.True(t, r.Muted())
	assert.Equal(t, TrackStateMuted, a.GetState())
	assert.Equal(t, TrackStateDelete, gone.GetState())

	late := NewOutTrack(newLocal(t), nil)
	r.AddOutTrack("late", late)
	assert.Equal(t, TrackStateMuted, late.GetState(), "a subscriber joining a muted relay starts muted")

	assert.True(t, r.SetMuted(false))
	assert.Equal(t, TrackStateOk, a.GetState())
	assert.Equal(t, TrackStateOk, late.GetState())
	assert.Equal(t, TrackStateDelete, gone.GetState(), "unmute never revives a deleted track")
}

func TestOutTrackMuteTransitions(t *testing.T) {
	ot := NewOutTrack(newLocal(t), nil)
	assert.False(t, ot.MarkOk())
	assert.True(t, ot.MarkMuted())
	assert.False(t, ot.MarkMuted())
	assert.True(t, ot.MarkOk())
	ot.MarkDelete()
	assert.False(t, ot.MarkMuted())
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestRemoveOutTrackMarksDelete(t *testing.T) {
	r := NewRelay(Key{SID: "s1", Kind: domain.KindVideo}, "p1", nil, nil)
	ot := NewOutTrack(newLocal(t), nil)
	r.AddOutTrack("a", ot)

	got, ok := r.RemoveOutTrack("a")
	require.True(t, ok)
	assert.Same(t, ot, got)
	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.False(t, r.HasSubscriber("a"))

	_, ok = r.RemoveOutTrack("a")
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf(webrtc.RTPCodecTypeVideo)
	require.True(t, ok)
	assert.Equal(t, domain.KindVideo, k)
	_, ok = KindOf(webrtc.RTPCodecType(0))
	assert.False(t, ok)
}

func TestManagerUnknownRelay(t *testing.T) {
	m := NewRelayManager(nil)
	err := m.Subscribe(Key{SID: "s1", Kind: domain.KindAudio}, "s2", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, m.Unsubscribe(Key{SID: "s1", Kind: domain.KindAudio}, "s2", nil))
	assert.Nil(t, m.StopRelay(Key{SID: "s1", Kind: domain.KindAudio}))
	_, err = m.SetMuted(Key{SID: "s1", Kind: domain.KindAudio}, true)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, m.SourcesOf("s1"))
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "s1/video", Key{SID: "s1", Kind: domain.KindVideo}.String())
}

func TestDrainHandsOverOutTracks(t *testing.T) {
	r := NewRelay(Key{SID: "s1", Kind: domain.KindAudio}, "p1", nil, nil)
	a := NewOutTrack(newLocal(t), nil)
	r.AddOutTrack("a", a)

	out := r.drain()
	require.Len(t, out, 1)
	assert.Same(t, a, out["a"])
	assert.Equal(t, TrackStateDelete, a.GetState())
	assert.Empty(t, r.Subscribers())
}
