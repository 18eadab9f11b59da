package signal

import (
	"errors"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/rs/zerolog/log"
)

// handleState relays a binary state frame. Over-limit frames are dropped
// silently; the next snapshot repairs the receivers.
func (ctl *SignalWSController) handleState(sid core.SessionID, conn *wsSignalConn, data []byte) {
	user, ok := ctl.Orch.Registry.User(sid)
	if !ok {
		return
	}
	if !ctl.states.Allow(user.ID) {
		ctl.Orch.Metrics.State("rate_limited")
		return
	}
	err := ctl.Orch.OnState(sid, data)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		ctl.sendError(conn, wire.CodeNotJoined, "state before join")
	default:
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("state rejected")
		ctl.sendError(conn, wire.CodeBadPayload, err.Error())
	}
}
