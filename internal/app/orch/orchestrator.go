// Package orch coordinates the hub: channel membership, the state relay,
// periodic snapshots and SFU media, on top of the registry and channels.
package orch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/sfu"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/metrics"
	"github.com/dkeye/presence/internal/wire"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Auth     app.TokenVerifier
	Metrics  *metrics.Hub
	// Now is the hub clock. Nil means time.Now.
	Now func() time.Time

	// mu serializes membership changes.
	mu sync.Mutex

	negMu sync.Mutex
	negs  map[core.SessionID]*negotiation
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Send queues a JSON control message for sid.
func (o *Orchestrator) Send(sid core.SessionID, v any) bool {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("send marshal")
		return false
	}
	if err := sess.Signal().TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("send dropped")
		if id, _, ok := o.Registry.ChannelOf(sid); ok {
			if ch, ok := o.Channels.Get(id); ok {
				o.onDropped(ch, []core.MemberSession{sess}, false)
			}
		}
		return false
	}
	return true
}

// Broadcast sends a JSON control message to every member of ch but from.
func (o *Orchestrator) Broadcast(ch core.ChannelService, from core.SessionID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast marshal")
		return
	}
	res := ch.Broadcast(from, b)
	o.onDropped(ch, res.Dropped, false)
}

func (o *Orchestrator) onDropped(ch core.ChannelService, dropped []core.MemberSession, binary bool) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		action := o.Policy.OnBackPressure(ch, slow, binary)
		o.Metrics.Dropped(action.String())
		if action != app.KickMember {
			continue
		}
		for _, snap := range o.Registry.MembersOfChannel(ch.ID()) {
			if snap.Session == slow {
				log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
				go o.Kick(snap.SID)
			}
		}
	}
}

// OnState relays a member's binary state frame to the rest of its channel.
// The hub stamps the sender and its own receive time.
func (o *Orchestrator) OnState(sid core.SessionID, data core.Frame) error {
	f, err := wire.DecodeFrame(data)
	if err != nil {
		o.Metrics.State("bad")
		return err
	}
	if f.Kind != wire.FrameState {
		o.Metrics.State("bad")
		return domain.NewError("state", domain.ErrProtocol, nil)
	}
	s := f.States[0].State()
	if err := s.Validate(); err != nil {
		o.Metrics.State("bad")
		return domain.NewError("state", domain.ErrProtocol, err)
	}
	id, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		o.Metrics.State("not_joined")
		return domain.NewError("state", domain.ErrNotFound, nil)
	}
	ch, ok := o.Channels.Get(id)
	if !ok {
		o.Metrics.State("not_joined")
		return domain.NewError("state", domain.ErrNotFound, nil)
	}
	ps, ok := ch.UpdateState(sid, s, o.now())
	if !ok {
		o.Metrics.State("not_joined")
		return domain.NewError("state", domain.ErrNotFound, nil)
	}
	out, err := wire.EncodeFrame(wire.Frame{
		Kind:   wire.FrameState,
		States: []wire.PeerState{wire.NewPeerState(ps.Peer, ps.At, ps.State)},
	})
	if err != nil {
		return err
	}
	o.Metrics.State("ok")
	res := ch.BroadcastBinary(sid, out)
	o.onDropped(ch, res.Dropped, true)
	return nil
}

func snapshotFrame(ch core.ChannelService) (core.Frame, bool) {
	states := ch.StateSnapshot()
	if len(states) == 0 {
		return nil, false
	}
	f := wire.Frame{Kind: wire.FrameSnapshot, States: make([]wire.PeerState, 0, len(states))}
	for _, ps := range states {
		f.States = append(f.States, wire.NewPeerState(ps.Peer, ps.At, ps.State))
	}
	b, err := wire.EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("snapshot encode")
		return nil, false
	}
	return b, true
}

// SendSnapshot gives one member the authoritative state of its channel.
func (o *Orchestrator) SendSnapshot(sid core.SessionID) bool {
	id, sess, ok := o.Registry.ChannelOf(sid)
	if !ok || sess.Signal() == nil {
		return false
	}
	ch, ok := o.Channels.Get(id)
	if !ok {
		return false
	}
	b, ok := snapshotFrame(ch)
	if !ok {
		return false
	}
	return sess.Signal().TrySendBinary(b) == nil
}

// BroadcastSnapshots sends every channel its authoritative state.
func (o *Orchestrator) BroadcastSnapshots() {
	for _, info := range o.Channels.List() {
		ch, ok := o.Channels.Get(info.ID)
		if !ok {
			continue
		}
		b, ok := snapshotFrame(ch)
		if !ok {
			continue
		}
		res := ch.BroadcastBinary("", b)
		o.Metrics.Snapshot()
		o.onDropped(ch, res.Dropped, true)
	}
}

// RunSnapshots broadcasts snapshots every interval until ctx is done.
func (o *Orchestrator) RunSnapshots(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	log.Info().Str("module", "orch").Dur("every", every).Msg("snapshot loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "orch").Msg("snapshot loop stopped")
			return
		case <-t.C:
			o.BroadcastSnapshots()
		}
	}
}

// Kick removes sid from its channel and closes its signaling session.
func (o *Orchestrator) Kick(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}
