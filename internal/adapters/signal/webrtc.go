package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/presence/internal/adapters/rtc"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) sendCandidate(c *wsSignalConn, ci webrtc.ICECandidateInit) {
	resp := wire.Candidate{
		Type:      wire.TypeCandidate,
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.sendJSON(c, resp)
}

// ensureMedia creates the hub side peer connection on the first offer.
func (ctl *SignalWSController) ensureMedia(ctx context.Context, sid core.SessionID, conn *wsSignalConn) error {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return domain.NewError("media", domain.ErrNotFound, nil)
	}
	if mc := sess.Media(); mc != nil && !mc.IsClosed() {
		return nil
	}
	wc, err := rtc.NewWebRTCConnection(ctl.API, ctl.RTC, sid)
	if err != nil {
		return err
	}
	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, ci)
	})
	if err := ctl.Orch.AttachMedia(sid, wc); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Start(ctx); err != nil {
		wc.Close()
		return err
	}
	return nil
}

func (ctl *SignalWSController) handleOffer(ctx context.Context, sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.SDP
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(conn, wire.CodeBadPayload, "bad offer payload")
		return
	}
	if _, _, ok := ctl.Orch.Registry.ChannelOf(sid); !ok {
		ctl.sendError(conn, wire.CodeNotJoined, "offer before join")
		return
	}
	if err := ctl.ensureMedia(ctx, sid, conn); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("webrtc new pc")
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := ctl.Orch.HandleOffer(sid, offer); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("webrtc apply offer")
		ctl.sendError(conn, wire.CodeBadPayload, "offer rejected")
	}
}

func (ctl *SignalWSController) handleAnswer(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.SDP
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendError(conn, wire.CodeBadPayload, "bad answer payload")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := ctl.Orch.HandleAnswer(sid, answer); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("webrtc apply answer")
	}
}

func (ctl *SignalWSController) handleCandidate(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.Candidate
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		ctl.sendError(conn, wire.CodeBadPayload, "bad candidate payload")
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex

	if err := ctl.Orch.HandleCandidate(sid, cand); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add ice candidate")
	}
}

func (ctl *SignalWSController) handleUnpublish(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.MediaEvent
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(conn, wire.CodeBadPayload, "bad unpublish payload")
		return
	}
	if err := ctl.Orch.Unpublish(sid, p.Kind); err != nil {
		ctl.sendError(conn, wire.CodeBadPayload, err.Error())
	}
}

func (ctl *SignalWSController) handleMute(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.MediaEvent
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(conn, wire.CodeBadPayload, "bad mute payload")
		return
	}
	err := ctl.Orch.SetMuted(sid, p.Kind, p.Muted)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		ctl.sendError(conn, wire.CodeNotFound, err.Error())
	default:
		ctl.sendError(conn, wire.CodeBadPayload, err.Error())
	}
}
