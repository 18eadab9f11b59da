package app

import (
	"context"
	"sync"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Channel domain.ChannelID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps client sessions (the cookie token) to their user, signal
// session and current channel. The token itself never leaves the hub; peers
// only ever see the user's generated id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[core.SessionID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[core.SessionID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) (*domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u, false
	}
	u, _ := domain.NewUser("guest")
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("peer", string(u.ID)).Msg("created new user")
	return u, true
}

// User returns a copy of the session's user.
func (r *Registry) User(sid core.SessionID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[sid]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		return domain.ErrNotFound
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", name).Msg("updated username")
	return nil
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sid]; ok && old.Cancel != nil {
		// a second tab with the same cookie replaces the first connection
		old.Cancel()
	}
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind forgets the session if it is still the one bound to sid.
func (r *Registry) Unbind(sid core.SessionID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return true
}

func (r *Registry) ChannelOf(sid core.SessionID) (domain.ChannelID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.Channel == "" {
		return "", nil, false
	}
	return entry.Channel, entry.Session, true
}

func (r *Registry) UpdateChannel(sid core.SessionID, id domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.Channel = id
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("channel", string(id)).Msg("updated channel")
	return true
}

func (r *Registry) RemoveChannel(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.Channel = ""
	}
}

type Snap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfChannel(id domain.ChannelID) []Snap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Channel == id {
			out = append(out, Snap{SID: sid, Session: e.Session})
		}
	}
	return out
}

// ChannelMates lists the other members of sid's channel.
func (r *Registry) ChannelMates(sid core.SessionID) []Snap {
	id, _, ok := r.ChannelOf(sid)
	if !ok {
		return nil
	}
	mates := r.MembersOfChannel(id)
	out := mates[:0]
	for _, m := range mates {
		if m.SID != sid {
			out = append(out, m)
		}
	}
	return out
}

// SessionOfPeer resolves a peer id back to its session.
func (r *Registry) SessionOfPeer(peer domain.PeerID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, u := range r.users {
		if u.ID == peer {
			return sid, true
		}
	}
	return "", false
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
