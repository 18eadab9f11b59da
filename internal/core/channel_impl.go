package core

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

type channelMember struct {
	session   MemberSession
	published map[domain.Kind]bool
	muted     map[domain.Kind]bool
	state     domain.PeerSample
	hasState  bool
}

// channelImpl is a threadsafe in-memory channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	id     domain.ChannelID
	mu     sync.RWMutex
	order  []SessionID
	bySID  map[SessionID]*channelMember
	byPeer map[domain.PeerID]SessionID
}

func NewChannelService(id domain.ChannelID) ChannelService {
	return &channelImpl{
		id:     id,
		bySID:  make(map[SessionID]*channelMember),
		byPeer: make(map[domain.PeerID]SessionID),
	}
}

func (c *channelImpl) ID() domain.ChannelID { return c.id }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) Member(sid SessionID) (MemberSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySID[sid]
	if !ok {
		return nil, false
	}
	return m.session, true
}

func (c *channelImpl) AddMember(sid SessionID, ms MemberSession) {
	peer := ms.Meta().User.ID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bySID[sid]; !ok {
		c.order = append(c.order, sid)
	}
	c.bySID[sid] = &channelMember{
		session:   ms,
		published: make(map[domain.Kind]bool),
		muted:     make(map[domain.Kind]bool),
	}
	c.byPeer[peer] = sid
	log.Info().Str("module", "core.channel").Str("channel", string(c.id)).Str("sid", string(sid)).Str("peer", string(peer)).Msg("member added")
}

func (c *channelImpl) RemoveMember(sid SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.bySID[sid]
	if !ok {
		return
	}
	delete(c.byPeer, m.session.Meta().User.ID)
	delete(c.bySID, sid)
	c.order = slices.DeleteFunc(c.order, func(s SessionID) bool { return s == sid })
	log.Info().Str("module", "core.channel").Str("channel", string(c.id)).Str("sid", string(sid)).Msg("member removed")
}

func (c *channelImpl) SetPublished(sid SessionID, kind domain.Kind, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.bySID[sid]
	if !ok || m.published[kind] == on {
		return false
	}
	if on {
		m.published[kind] = true
	} else {
		delete(m.published, kind)
		delete(m.muted, kind)
	}
	return true
}

func (c *channelImpl) Published(sid SessionID, kind domain.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySID[sid]
	return ok && m.published[kind]
}

func (c *channelImpl) SetMuted(sid SessionID, kind domain.Kind, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.bySID[sid]
	if !ok || !m.published[kind] || m.muted[kind] == on {
		return false
	}
	if on {
		m.muted[kind] = true
	} else {
		delete(m.muted, kind)
	}
	return true
}

func (c *channelImpl) Broadcast(from SessionID, data Frame) PublishResult {
	return c.fanout(from, data, SignalConnection.TrySend)
}

func (c *channelImpl) BroadcastBinary(from SessionID, data Frame) PublishResult {
	return c.fanout(from, data, SignalConnection.TrySendBinary)
}

func (c *channelImpl) fanout(from SessionID, data Frame, send func(SignalConnection, Frame) error) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for _, sid := range c.order {
		if sid == from {
			continue
		}
		m := c.bySID[sid]
		sig := m.session.Signal()
		if sig == nil {
			continue
		}
		if err := send(sig, data); err != nil {
			res.Dropped = append(res.Dropped, m.session)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (c *channelImpl) UpdateState(sid SessionID, s domain.State, at time.Time) (domain.PeerSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.bySID[sid]
	if !ok {
		return domain.PeerSample{}, false
	}
	// Stamps travel as unix millis, so monotonicity is kept at that
	// resolution: a late or same-millisecond write moves one past the last.
	at = at.Truncate(time.Millisecond)
	if m.hasState && !at.After(m.state.At) {
		at = m.state.At.Add(time.Millisecond)
	}
	m.state = domain.PeerSample{
		Peer:   m.session.Meta().User.ID,
		Sample: domain.Sample{At: at, State: s},
	}
	m.hasState = true
	return m.state, true
}

func (c *channelImpl) StateSnapshot() []domain.PeerSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.PeerSample, 0, len(c.order))
	for _, sid := range c.order {
		if m := c.bySID[sid]; m.hasState {
			out = append(out, m.state)
		}
	}
	return out
}

func (c *channelImpl) MembersSnapshot() []MemberDTO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MemberDTO, 0, len(c.order))
	for _, sid := range c.order {
		m := c.bySID[sid]
		u := m.session.Meta().User
		dto := MemberDTO{ID: u.ID, Username: u.Username}
		for _, k := range domain.Kinds {
			if m.published[k] {
				dto.Kinds = append(dto.Kinds, k)
			}
			if m.muted[k] {
				dto.Muted = append(dto.Muted, k)
			}
		}
		out = append(out, dto)
	}
	return out
}
