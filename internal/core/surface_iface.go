package core

import "github.com/dkeye/presence/internal/domain"

// Surface is a render target owning at most one track at a time.
// Attach fails when the surface already owns a different track.
type Surface interface {
	ID() string
	Attach(TrackHandle) error
	Detach(TrackHandle)
	Track() (TrackHandle, bool)
}

// Layout hands out the default (multi-peer) surface of a peer.
type Layout interface {
	SurfaceFor(peer domain.PeerID) Surface
	Remove(peer domain.PeerID)
}
