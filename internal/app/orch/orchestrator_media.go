package orch

import (
	"context"
	"slices"

	"github.com/dkeye/presence/internal/app/sfu"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// negotiation tracks hub-initiated offers of one session. At most one offer
// is outstanding; requests made meanwhile collapse into one more round.
type negotiation struct {
	inFlight bool
	again    bool
}

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid, mc) })
}

// AttachMedia makes mc the media connection of sid, tearing down the
// previous one.
func (o *Orchestrator) AttachMedia(sid core.SessionID, mc core.MediaConnection) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return domain.NewError("attach media", domain.ErrNotFound, nil)
	}
	if sess.Media() != nil {
		o.cleanupMedia(sid)
	}
	o.BindMediaHandlers(mc, sid)
	sess.UpdateMedia(mc)
	return nil
}

func (o *Orchestrator) media(sid core.SessionID) (core.MediaConnection, bool) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, false
	}
	mc := sess.Media()
	if mc == nil || mc.IsClosed() {
		return nil, false
	}
	return mc, true
}

// OnMediaDisconnect runs when the peer connection of sid closes on its own.
func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID, mc core.MediaConnection) {
	if sess, ok := o.Registry.GetSession(sid); ok && sess.Media() == mc {
		o.cleanupMedia(sid)
	}
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}
	sess.UpdateMedia(nil)

	if o.Relays != nil {
		for _, key := range o.Relays.SourcesOf(sid) {
			o.unpublished(key, o.Relays.StopRelay(key))
		}
		for _, mate := range o.Registry.ChannelMates(sid) {
			for _, k := range domain.Kinds {
				o.Relays.Unsubscribe(sfu.Key{SID: mate.SID, Kind: k}, sid, mc)
			}
		}
	}
	mc.Close()

	o.negMu.Lock()
	delete(o.negs, sid)
	o.negMu.Unlock()
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	kind, ok := sfu.KindOf(track.Kind())
	if !ok {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	id, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		log.Info().
			Str("module", "sfu").
			Str("sid", string(sid)).
			Msg("OnTrack: no channel for sid")
		return
	}
	ch, ok := o.Channels.Get(id)
	if !ok {
		return
	}

	key := sfu.Key{SID: sid, Kind: kind}
	dirty := o.removeSenders(o.Relays.StopRelay(key))
	o.Relays.StartRelay(ctx, key, sess.Meta().User.ID, track, o.unpublished)

	if ch.SetPublished(sid, kind, true) {
		o.Broadcast(ch, sid, wire.MediaEvent{Type: wire.TypePublished, Peer: sess.Meta().User.ID, Kind: kind})
	}
	// A fresh relay forwards; the channel must not keep reporting a mute.
	if ch.SetMuted(sid, kind, false) {
		o.Broadcast(ch, sid, wire.MediaEvent{Type: wire.TypeMuted, Peer: sess.Meta().User.ID, Kind: kind})
	}

	// Subscribe all existing members in the channel to this speaker.
	for _, snap := range o.Registry.ChannelMates(sid) {
		mc, ok := o.media(snap.SID)
		if !ok {
			continue
		}
		if err := o.Relays.Subscribe(key, snap.SID, mc); err != nil {
			log.Error().Err(err).Str("module", "sfu").Str("dst_sid", string(snap.SID)).Msg("subscribe")
			continue
		}
		dirty = append(dirty, snap.SID)
	}
	slices.Sort(dirty)
	for _, dst := range slices.Compact(dirty) {
		o.renegotiate(dst)
	}
}

// removeSenders detaches stopped OutTracks from their subscribers and
// returns the sessions that need a new offer.
func (o *Orchestrator) removeSenders(outs map[core.SessionID]*sfu.OutTrack) []core.SessionID {
	var dirty []core.SessionID
	for dst, ot := range outs {
		mc, ok := o.media(dst)
		if !ok {
			continue
		}
		sfu.RemoveSender(mc, ot)
		dirty = append(dirty, dst)
	}
	return dirty
}

// Unpublish stops relaying one of sid's tracks.
func (o *Orchestrator) Unpublish(sid core.SessionID, kind domain.Kind) error {
	if !kind.Valid() {
		return domain.NewError("unpublish", domain.ErrProtocol, nil)
	}
	var outs map[core.SessionID]*sfu.OutTrack
	if o.Relays != nil {
		outs = o.Relays.StopRelay(sfu.Key{SID: sid, Kind: kind})
	}
	o.unpublished(sfu.Key{SID: sid, Kind: kind}, outs)
	return nil
}

func (o *Orchestrator) unpublished(key sfu.Key, outs map[core.SessionID]*sfu.OutTrack) {
	dirty := o.removeSenders(outs)
	slices.Sort(dirty)
	for _, dst := range dirty {
		o.renegotiate(dst)
	}
	id, sess, ok := o.Registry.ChannelOf(key.SID)
	if !ok {
		return
	}
	ch, ok := o.Channels.Get(id)
	if ok && ch.SetPublished(key.SID, key.Kind, false) {
		o.Broadcast(ch, key.SID, wire.MediaEvent{Type: wire.TypeUnpublished, Peer: sess.Meta().User.ID, Kind: key.Kind})
	}
}

// SetMuted pauses or resumes forwarding of one of sid's published tracks.
// The track stays negotiated on every subscriber.
func (o *Orchestrator) SetMuted(sid core.SessionID, kind domain.Kind, muted bool) error {
	if !kind.Valid() {
		return domain.NewError("mute", domain.ErrProtocol, nil)
	}
	id, sess, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return domain.NewError("mute", domain.ErrNotFound, nil)
	}
	ch, ok := o.Channels.Get(id)
	if !ok || !ch.Published(sid, kind) {
		return domain.NewError("mute "+kind.String(), domain.ErrNotFound, nil)
	}
	key := sfu.Key{SID: sid, Kind: kind}
	if o.Relays != nil {
		if _, err := o.Relays.SetMuted(key, muted); err != nil {
			log.Debug().Err(err).Str("module", "sfu").Str("relay", key.String()).Msg("mute without relay")
		}
	}
	if ch.SetMuted(sid, kind, muted) {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("kind", kind.String()).Bool("muted", muted).Msg("mute changed")
		o.Broadcast(ch, sid, wire.MediaEvent{Type: wire.TypeMuted, Peer: sess.Meta().User.ID, Kind: kind, Muted: muted})
	}
	return nil
}

// OnMediaReady subscribes sid to every track already relayed in its channel.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.subscribeExisting(sid) {
		o.renegotiate(sid)
	}
}

func (o *Orchestrator) subscribeExisting(sid core.SessionID) bool {
	if o.Relays == nil {
		return false
	}
	mc, ok := o.media(sid)
	if !ok {
		return false
	}
	added := false
	for _, snap := range o.Registry.ChannelMates(sid) {
		for _, key := range o.Relays.SourcesOf(snap.SID) {
			if slices.Contains(o.Relays.Subscribers(key), sid) {
				continue
			}
			if err := o.Relays.Subscribe(key, sid, mc); err != nil {
				log.Error().Err(err).Str("module", "sfu").Str("dst_sid", string(sid)).Msg("subscribe")
				continue
			}
			added = true
		}
	}
	return added
}

// HandleOffer answers a member-initiated negotiation. An outstanding hub
// offer does not survive it and is sent again afterwards.
func (o *Orchestrator) HandleOffer(sid core.SessionID, offer webrtc.SessionDescription) error {
	mc, ok := o.media(sid)
	if !ok {
		return domain.NewError("offer", domain.ErrNotFound, nil)
	}
	answer, err := mc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return err
	}
	pending := o.yield(sid)
	o.Send(sid, wire.SDP{Type: wire.TypeAnswer, SDP: answer.SDP})
	if o.subscribeExisting(sid) || pending {
		o.renegotiate(sid)
	}
	return nil
}

// HandleAnswer completes a hub-initiated negotiation.
func (o *Orchestrator) HandleAnswer(sid core.SessionID, answer webrtc.SessionDescription) error {
	mc, ok := o.media(sid)
	if !ok {
		return domain.NewError("answer", domain.ErrNotFound, nil)
	}
	err := mc.ApplyAnswer(answer)
	if o.settle(sid) {
		o.renegotiate(sid)
	}
	return err
}

func (o *Orchestrator) HandleCandidate(sid core.SessionID, c webrtc.ICECandidateInit) error {
	mc, ok := o.media(sid)
	if !ok {
		return domain.NewError("candidate", domain.ErrNotFound, nil)
	}
	return mc.AddICECandidate(c)
}

func (o *Orchestrator) renegotiate(sid core.SessionID) {
	o.negMu.Lock()
	if o.negs == nil {
		o.negs = make(map[core.SessionID]*negotiation)
	}
	n, ok := o.negs[sid]
	if !ok {
		n = &negotiation{}
		o.negs[sid] = n
	}
	if n.inFlight {
		n.again = true
		o.negMu.Unlock()
		return
	}
	n.inFlight = true
	o.negMu.Unlock()

	mc, ok := o.media(sid)
	if !ok {
		o.settle(sid)
		return
	}
	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("create offer")
		o.settle(sid)
		return
	}
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Msg("renegotiating")
	o.Send(sid, wire.SDP{Type: wire.TypeOffer, SDP: offer.SDP})
}

// settle marks the outstanding offer done and reports whether another
// round was requested meanwhile.
func (o *Orchestrator) settle(sid core.SessionID) bool {
	o.negMu.Lock()
	defer o.negMu.Unlock()
	n, ok := o.negs[sid]
	if !ok {
		return false
	}
	again := n.again
	n.inFlight, n.again = false, false
	return again
}

// yield drops the outstanding hub offer after the member's own offer won.
func (o *Orchestrator) yield(sid core.SessionID) bool {
	o.negMu.Lock()
	defer o.negMu.Unlock()
	n, ok := o.negs[sid]
	if !ok {
		return false
	}
	pending := n.inFlight || n.again
	n.inFlight, n.again = false, false
	return pending
}
