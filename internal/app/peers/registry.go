// Package peers keeps the client's view of the remote participants of a
// channel and the media tracks they publish.
package peers

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

// RemotePeer is a read-only copy of one remote participant.
type RemotePeer struct {
	ID       domain.PeerID
	Name     string
	Tracks   map[domain.Kind]core.TrackHandle
	// Muted kinds stay published and subscribed but carry no media.
	Muted    map[domain.Kind]bool
	JoinedAt time.Time
	LastSeen time.Time
}

func (p RemotePeer) Track(kind domain.Kind) (core.TrackHandle, bool) {
	t, ok := p.Tracks[kind]
	return t, ok
}

func (p RemotePeer) Has(kind domain.Kind) bool {
	_, ok := p.Tracks[kind]
	return ok
}

func (p RemotePeer) IsMuted(kind domain.Kind) bool { return p.Muted[kind] }

// Hooks are invoked synchronously by the mutating call that releases a
// track or removes a peer.
type Hooks struct {
	TrackReleased func(peer domain.PeerID, kind domain.Kind, track core.TrackHandle)
	PeerRemoved   func(peer domain.PeerID)
}

// Registry applies join/leave/publish/unpublish events in arrival order.
// Events of one peer are assumed to arrive ordered; nothing is reordered here.
// Mutations come from the channel's single event loop, reads may come from
// anywhere and always get copies.
type Registry struct {
	mu    sync.RWMutex
	order []domain.PeerID
	byID  map[domain.PeerID]*RemotePeer
	hooks Hooks
	now   func() time.Time
}

func NewRegistry(hooks Hooks) *Registry {
	return &Registry{
		byID:  make(map[domain.PeerID]*RemotePeer),
		hooks: hooks,
		now:   time.Now,
	}
}

// OnPeerJoined adds a peer at the end of the join order. A known peer only
// gets its name and lastSeen refreshed.
func (r *Registry) OnPeerJoined(id domain.PeerID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.ensure(id)
	if name != "" {
		p.Name = name
	}
}

// OnPeerLeft removes the peer and releases all of its tracks.
// Unknown peers are ignored.
func (r *Registry) OnPeerLeft(id domain.PeerID) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(x domain.PeerID) bool { return x == id })
	r.mu.Unlock()

	r.release(p)
	log.Debug().Str("module", "peers").Str("peer", string(id)).Msg("peer removed")
	return true
}

// OnPublished stores the track handle of kind, creating the peer if needed.
// A previous handle of the same kind is released first.
func (r *Registry) OnPublished(id domain.PeerID, kind domain.Kind, track core.TrackHandle) {
	r.mu.Lock()
	p := r.ensure(id)
	old, replaced := p.Tracks[kind]
	p.Tracks[kind] = track
	r.mu.Unlock()

	if replaced && old != track && r.hooks.TrackReleased != nil {
		r.hooks.TrackReleased(id, kind, old)
	}
}

// OnUnpublished drops the handle of kind. Absent kinds are a no-op and report false.
func (r *Registry) OnUnpublished(id domain.PeerID, kind domain.Kind) bool {
	r.mu.Lock()
	p, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(p.Muted, kind)
	track, ok := p.Tracks[kind]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(p.Tracks, kind)
	p.LastSeen = r.now()
	r.mu.Unlock()

	if r.hooks.TrackReleased != nil {
		r.hooks.TrackReleased(id, kind, track)
	}
	return true
}

// OnMuted records that a known peer paused or resumed kind. It reports
// whether the flag changed.
func (r *Registry) OnMuted(id domain.PeerID, kind domain.Kind, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || p.Muted[kind] == muted {
		return false
	}
	if muted {
		p.Muted[kind] = true
	} else {
		delete(p.Muted, kind)
	}
	p.LastSeen = r.now()
	return true
}

// Touch refreshes lastSeen of a known peer.
func (r *Registry) Touch(id domain.PeerID, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	return true
}

// Clear removes every peer, releasing their tracks in join order.
func (r *Registry) Clear() {
	r.mu.Lock()
	removed := make([]*RemotePeer, 0, len(r.order))
	for _, id := range r.order {
		removed = append(removed, r.byID[id])
	}
	r.order = nil
	r.byID = make(map[domain.PeerID]*RemotePeer)
	r.mu.Unlock()

	for _, p := range removed {
		r.release(p)
	}
}

func (r *Registry) Get(id domain.PeerID) (RemotePeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return RemotePeer{}, false
	}
	return p.clone(), true
}

// Snapshot returns every joined peer in join order.
func (r *Registry) Snapshot() []RemotePeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemotePeer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ensure must be called with mu held.
func (r *Registry) ensure(id domain.PeerID) *RemotePeer {
	now := r.now()
	if p, ok := r.byID[id]; ok {
		p.LastSeen = now
		return p
	}
	p := &RemotePeer{
		ID:       id,
		Tracks:   make(map[domain.Kind]core.TrackHandle, 2),
		Muted:    make(map[domain.Kind]bool),
		JoinedAt: now,
		LastSeen: now,
	}
	r.byID[id] = p
	r.order = append(r.order, id)
	log.Debug().Str("module", "peers").Str("peer", string(id)).Msg("peer added")
	return p
}

func (r *Registry) release(p *RemotePeer) {
	if r.hooks.TrackReleased != nil {
		for _, kind := range domain.Kinds {
			if t, ok := p.Tracks[kind]; ok {
				r.hooks.TrackReleased(p.ID, kind, t)
			}
		}
	}
	if r.hooks.PeerRemoved != nil {
		r.hooks.PeerRemoved(p.ID)
	}
}

func (p *RemotePeer) clone() RemotePeer {
	c := *p
	c.Tracks = maps.Clone(p.Tracks)
	c.Muted = maps.Clone(p.Muted)
	return c
}
