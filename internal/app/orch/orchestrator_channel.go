package orch

import (
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/rs/zerolog/log"
)

func peerInfo(sess core.MemberSession) wire.PeerInfo {
	u := sess.Meta().User
	return wire.PeerInfo{ID: u.ID, Name: u.Username}
}

// Join verifies the credentials and moves sid into the channel. Members of
// the channel learn about it through peer_joined; the returned message lists
// the members already present with the kinds they publish.
func (o *Orchestrator) Join(sid core.SessionID, c domain.Channel) (wire.Joined, error) {
	if err := o.Auth.Verify(c.ID, c.Credentials); err != nil {
		o.Metrics.Join("auth")
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("channel", string(c.ID)).Msg("join rejected")
		return wire.Joined{}, err
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		o.Metrics.Join("no_session")
		return wire.Joined{}, domain.NewError("join", domain.ErrNotFound, nil)
	}
	if cur, _, ok := o.Registry.ChannelOf(sid); ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_channel", string(cur)).Msg("leaving previous channel")
		o.Leave(sid)
	}

	o.mu.Lock()
	ch := o.Channels.GetOrCreate(c.ID)
	ch.AddMember(sid, sess)
	o.Registry.UpdateChannel(sid, c.ID)
	o.mu.Unlock()

	o.Metrics.Join("ok")
	o.Metrics.MembersDelta(1)
	o.Metrics.SetChannels(len(o.Channels.List()))

	self := peerInfo(sess)
	joined := wire.Joined{
		Type:       wire.TypeJoined,
		Channel:    c.ID,
		Self:       self,
		ServerTime: o.now().UnixMilli(),
		Peers:      []wire.PeerInfo{},
	}
	for _, m := range ch.MembersSnapshot() {
		if m.ID == self.ID {
			continue
		}
		joined.Peers = append(joined.Peers, wire.PeerInfo{ID: m.ID, Name: m.Username, Kinds: m.Kinds, Muted: m.Muted})
	}
	o.Broadcast(ch, sid, wire.PeerEvent{Type: wire.TypePeerJoined, Peer: self})
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(c.ID)).Int("peers", len(joined.Peers)).Msg("joined")

	o.OnMediaReady(sid)
	return joined, nil
}

// Leave removes sid from its channel, tearing down its media. The signaling
// session stays open. It reports whether sid was a member.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	o.mu.Lock()
	id, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		o.mu.Unlock()
		return false
	}
	o.cleanupMedia(sid)
	ch, found := o.Channels.Get(id)
	if found {
		ch.RemoveMember(sid)
	}
	o.Registry.RemoveChannel(sid)
	empty := found && ch.MemberCount() == 0
	if empty {
		o.Channels.Stop(id)
	}
	o.mu.Unlock()

	o.Metrics.MembersDelta(-1)
	o.Metrics.SetChannels(len(o.Channels.List()))
	if found && !empty {
		o.Broadcast(ch, sid, wire.PeerEvent{Type: wire.TypePeerLeft, Peer: peerInfo(sess)})
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(id)).Bool("channel_closed", empty).Msg("left")
	return true
}

// Evict removes every member of a channel.
func (o *Orchestrator) Evict(id domain.ChannelID) {
	for _, snap := range o.Registry.MembersOfChannel(id) {
		o.Kick(snap.SID)
	}
	o.Channels.Stop(id)
}

// EvictAll empties every channel, used on shutdown.
func (o *Orchestrator) EvictAll() {
	for _, info := range o.Channels.List() {
		o.Evict(info.ID)
	}
}

// Rename changes the member's display name and announces it to its channel.
func (o *Orchestrator) Rename(sid core.SessionID, name string) error {
	if err := o.Registry.UpdateUsername(sid, name); err != nil {
		return err
	}
	id, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return nil
	}
	if ch, ok := o.Channels.Get(id); ok {
		o.Broadcast(ch, sid, wire.PeerEvent{Type: wire.TypeMemberUpdated, Peer: peerInfo(sess)})
	}
	return nil
}

func (o *Orchestrator) WhoAmI(sid core.SessionID) wire.WhoAmI {
	u, _ := o.Registry.User(sid)
	resp := wire.WhoAmI{Type: wire.TypeWhoAmI, ID: u.ID, Username: u.Username}
	if id, _, ok := o.Registry.ChannelOf(sid); ok {
		resp.Channel = id
	}
	return resp
}
