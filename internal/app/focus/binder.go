// Package focus binds remote video tracks to render surfaces and moves one
// of them to the focus surface on request.
package focus

import (
	"sync"

	"github.com/dkeye/presence/internal/app/peers"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

// Tracks looks up the tracks currently published by a peer.
type Tracks interface {
	Get(id domain.PeerID) (peers.RemotePeer, bool)
}

// Bound describes a successful focus binding.
type Bound struct {
	Peer    domain.PeerID
	Track   core.TrackHandle
	Surface string
}

// Binder owns the placement of remote video tracks. At most one peer is
// focused; its track lives on the focus surface and nowhere else.
type Binder struct {
	layout core.Layout
	focus  core.Surface
	tracks Tracks

	mu         sync.Mutex
	focused    domain.PeerID
	focusTrack core.TrackHandle
}

func NewBinder(layout core.Layout, focus core.Surface, tracks Tracks) *Binder {
	return &Binder{layout: layout, focus: focus, tracks: tracks}
}

func (b *Binder) Focused() (domain.PeerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focused, b.focused != ""
}

// Show places a newly subscribed video track. Audio is not rendered.
func (b *Binder) Show(peer domain.PeerID, track core.TrackHandle) error {
	if track.Kind() != domain.KindVideo {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.focused == peer {
		if b.focusTrack != nil {
			b.focus.Detach(b.focusTrack)
		}
		if err := b.focus.Attach(track); err != nil {
			return err
		}
		b.focusTrack = track
		return nil
	}
	s := b.layout.SurfaceFor(peer)
	if cur, ok := s.Track(); ok && cur.ID() != track.ID() {
		s.Detach(cur)
	}
	return s.Attach(track)
}

// Focus moves the peer's video track to the focus surface. A previously
// focused peer goes back to its layout surface first.
func (b *Binder) Focus(peer domain.PeerID) (Bound, error) {
	p, ok := b.tracks.Get(peer)
	if !ok {
		return Bound{}, domain.NewError("focus "+string(peer), domain.ErrNotFound, nil)
	}
	track, ok := p.Track(domain.KindVideo)
	if !ok {
		return Bound{}, domain.NewError("focus "+string(peer), domain.ErrNotFound, nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.focused == peer && b.focusTrack != nil && b.focusTrack.ID() == track.ID() {
		return Bound{Peer: peer, Track: track, Surface: b.focus.ID()}, nil
	}
	if b.focused != "" {
		b.unfocusLocked()
	}
	home := b.layout.SurfaceFor(peer)
	home.Detach(track)
	if err := b.focus.Attach(track); err != nil {
		if rerr := home.Attach(track); rerr != nil {
			log.Error().Err(rerr).Str("module", "focus").Str("peer", string(peer)).Msg("failed to restore track")
		}
		return Bound{}, err
	}
	b.focused = peer
	b.focusTrack = track
	log.Debug().Str("module", "focus").Str("peer", string(peer)).Str("track", track.ID()).Msg("focused")
	return Bound{Peer: peer, Track: track, Surface: b.focus.ID()}, nil
}

// Unfocus returns the peer's track to its layout surface. It reports false
// when peer was not focused.
func (b *Binder) Unfocus(peer domain.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.focused == "" || b.focused != peer {
		return false
	}
	b.unfocusLocked()
	return true
}

func (b *Binder) unfocusLocked() {
	peer, track := b.focused, b.focusTrack
	b.focused, b.focusTrack = "", nil
	if track == nil {
		return
	}
	b.focus.Detach(track)
	if err := b.layout.SurfaceFor(peer).Attach(track); err != nil {
		log.Error().Err(err).Str("module", "focus").Str("peer", string(peer)).Msg("failed to return track to layout")
	}
}

// Release drops every binding of a peer that is gone. It reports whether
// the focus was cleared.
func (b *Binder) Release(peer domain.PeerID) bool {
	b.mu.Lock()
	cleared := false
	if b.focused == peer && peer != "" {
		if b.focusTrack != nil {
			b.focus.Detach(b.focusTrack)
		}
		b.focused, b.focusTrack = "", nil
		cleared = true
	}
	b.mu.Unlock()
	b.layout.Remove(peer)
	return cleared
}

// Hide unbinds a track that is no longer published. It reports whether the
// focus was cleared.
func (b *Binder) Hide(peer domain.PeerID, track core.TrackHandle) bool {
	if track == nil || track.Kind() != domain.KindVideo {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.focused == peer && b.focusTrack != nil && b.focusTrack.ID() == track.ID() {
		b.focus.Detach(track)
		// A republished track keeps the focus.
		if p, ok := b.tracks.Get(peer); ok {
			if next, ok := p.Track(domain.KindVideo); ok && next.ID() != track.ID() && b.focus.Attach(next) == nil {
				b.focusTrack = next
				return false
			}
		}
		b.focused, b.focusTrack = "", nil
		return true
	}
	b.layout.SurfaceFor(peer).Detach(track)
	return false
}
