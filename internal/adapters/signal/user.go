package signal

import (
	"encoding/json"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleRename(sid core.SessionID, conn *wsSignalConn, data []byte) {
	var p wire.Rename
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(conn, wire.CodeBadPayload, "bad rename payload")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", p.Name).Msg("rename")
	if err := ctl.Orch.Rename(sid, p.Name); err != nil {
		ctl.sendError(conn, wire.CodeInvalidName, err.Error())
		return
	}
	ctl.handleWhoAmI(sid, conn)
}

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn *wsSignalConn) {
	ctl.sendJSON(conn, ctl.Orch.WhoAmI(sid))
}
