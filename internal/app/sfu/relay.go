package sfu

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Key identifies one published track: a member session and a media kind.
type Key struct {
	SID  core.SessionID
	Kind domain.Kind
}

func (k Key) String() string { return string(k.SID) + "/" + k.Kind.String() }

// KindOf maps a pion codec type onto a media kind.
func KindOf(t webrtc.RTPCodecType) (domain.Kind, bool) {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return domain.KindAudio, true
	case webrtc.RTPCodecTypeVideo:
		return domain.KindVideo, true
	}
	return "", false
}

type Relay struct {
	Key  Key
	Peer domain.PeerID
	Src  *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[core.SessionID]*OutTrack
	muted     atomic.Bool

	cancel context.CancelFunc
}

func NewRelay(key Key, peer domain.PeerID, src *webrtc.TrackRemote, cancel context.CancelFunc) *Relay {
	return &Relay{
		Key:       key,
		Peer:      peer,
		Src:       src,
		outTracks: make(map[core.SessionID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the source track and forwards them to all
// OutTracks. onEnded runs when the source stops delivering packets.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, onEnded func()) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			if ctx.Err() == nil && onEnded != nil {
				onEnded()
			}
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]core.SessionID, 0, len(snapshot))
	for dstSID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dstSID)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst_sid", string(dstSID)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dstSID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sid := range dirty {
		if ot, ok := r.outTracks[sid]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, sid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// drain marks every OutTrack for delete and hands them over to the caller.
func (r *Relay) drain() map[core.SessionID]*OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
	out := maps.Clone(r.outTracks)
	clear(r.outTracks)
	return out
}

// AddOutTrack attaches dst. It starts muted when the publisher is muted.
func (r *Relay) AddOutTrack(dst core.SessionID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.muted.Load() {
		ot.MarkMuted()
	}
	r.outTracks[dst] = ot
}

// SetMuted pauses or resumes forwarding to every subscriber. It reports
// whether the relay state changed.
func (r *Relay) SetMuted(muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.muted.Swap(muted) == muted {
		return false
	}
	for _, ot := range r.outTracks {
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
	return true
}

func (r *Relay) Muted() bool { return r.muted.Load() }

// RemoveOutTrack detaches dst and returns its OutTrack marked for delete.
func (r *Relay) RemoveOutTrack(dst core.SessionID) (*OutTrack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ot, ok := r.outTracks[dst]
	if !ok {
		return nil, false
	}
	ot.MarkDelete()
	delete(r.outTracks, dst)
	return ot, true
}

func (r *Relay) HasSubscriber(dst core.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.outTracks[dst]
	return ok
}

// Subscribers lists the sessions receiving this relay, sorted.
func (r *Relay) Subscribers() []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.outTracks))
}
