package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.Join
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, wire.CodeBadPayload, "bad join payload")
		return
	}
	user, ok := ctl.Orch.Registry.User(sid)
	if !ok {
		ctl.sendError(conn, wire.CodeNotJoined, "unknown session")
		return
	}
	if !ctl.joins.Allow(user.ID) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.Orch.Metrics.Join("rate_limited")
		ctl.sendError(conn, wire.CodeRateLimited, "too many join attempts")
		return
	}
	ch, err := domain.NewChannel(p.Channel, domain.Credentials{AppID: p.AppID, Token: p.Token})
	if err != nil {
		ctl.sendError(conn, wire.CodeBadPayload, err.Error())
		return
	}
	if p.Name != "" {
		if err := ctl.Orch.Registry.UpdateUsername(sid, p.Name); err != nil {
			ctl.sendError(conn, wire.CodeInvalidName, err.Error())
			return
		}
		log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename on join")
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(ch.ID)).Msg("join")
	joined, err := ctl.Orch.Join(sid, ch)
	if err != nil {
		code := wire.CodeNotJoined
		if errors.Is(err, domain.ErrAuth) {
			code = wire.CodeAuth
		}
		ctl.sendError(conn, code, err.Error())
		return
	}
	ctl.sendJSON(conn, joined)
	ctl.Orch.SendSnapshot(sid)
}

// handleLeave leaves the current channel; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *wsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.sendJSON(conn, wire.Envelope{Type: wire.TypeLeft})
}
