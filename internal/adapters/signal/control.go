package signal

import "github.com/dkeye/presence/internal/wire"

func (ctl *SignalWSController) handlePing(conn *wsSignalConn) {
	ctl.sendJSON(conn, wire.Envelope{Type: wire.TypePong})
}
