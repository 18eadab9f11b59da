// Package signal is the hub's websocket endpoint: JSON control messages on
// text frames and msgpack state frames on binary frames.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	SendBuffer   int
	ReadLimit    int64
	PingPeriod   time.Duration
	JoinLimit    int
	JoinInterval time.Duration
	// StateLimit bounds state frames per peer and second.
	StateLimit int
}

func OptionsFrom(cfg *config.Config) Options {
	perSecond := 0
	if cfg.Sync.UpdateRate > 0 {
		perSecond = 2 * int(time.Second/cfg.Sync.UpdateRate)
	}
	return Options{
		SendBuffer:   cfg.Signal.SendBuffer,
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		JoinLimit:    cfg.Signal.JoinLimit,
		JoinInterval: cfg.Signal.JoinInterval,
		StateLimit:   perSecond,
	}
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	// API and RTC build the hub side of member peer connections.
	API *webrtc.API
	RTC webrtc.Configuration

	opts   Options
	joins  *RateLimiter
	states *RateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, api *webrtc.API, rtcCfg webrtc.Configuration, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &SignalWSController{
		Orch:   o,
		API:    api,
		RTC:    rtcCfg,
		opts:   opts,
		joins:  NewRateLimiter(opts.JoinLimit, opts.JoinInterval),
		states: NewRateLimiter(opts.StateLimit, time.Second),
	}
}

type outFrame struct {
	binary bool
	data   core.Frame
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan outFrame

	mu     sync.RWMutex
	closed bool
}

func newSignalConn(conn *websocket.Conn, buffer int) *wsSignalConn {
	return &wsSignalConn{conn: conn, send: make(chan outFrame, buffer)}
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	return c.push(outFrame{data: f})
}

func (c *wsSignalConn) TrySendBinary(f core.Frame) error {
	return c.push(outFrame{binary: true, data: f})
}

func (c *wsSignalConn) push(f outFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until it
// closes or ctx ends. A second connection with the same client token
// replaces the first.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newSignalConn(ws, ctl.opts.SendBuffer)

	user, _ := ctl.Orch.Registry.GetOrCreateUser(sid)
	ctl.Orch.Leave(sid)
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, sess, conn)
}

// release undoes HandleSignal once the connection is gone.
func (ctl *SignalWSController) release(sid core.SessionID, sess core.MemberSession) {
	if cur, ok := ctl.Orch.Registry.GetSession(sid); ok && cur == sess {
		ctl.Orch.Leave(sid)
		ctl.Orch.Registry.Unbind(sid, sess)
		ctl.joins.Forget(sess.Meta().User.ID)
		ctl.states.Forget(sess.Meta().User.ID)
	}
	if mc := sess.Media(); mc != nil {
		mc.Close()
	}
}
