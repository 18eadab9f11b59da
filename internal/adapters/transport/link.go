package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/presence/internal/app/sfu"
	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

type subKey struct {
	peer domain.PeerID
	kind domain.Kind
}

// link is one connection to the hub: a websocket plus a PeerConnection.
type link struct {
	c  *Client
	ws *websocket.Conn
	pc *webrtc.PeerConnection

	writeMu sync.Mutex
	// negMu serializes our own offers; sdpMu guards description changes.
	negMu   sync.Mutex
	sdpMu   sync.Mutex
	answers chan webrtc.SessionDescription
	replies chan []byte
	clock   clock

	mu      sync.Mutex
	joined  bool
	senders map[string]*outgoing
	remote  map[subKey]*remoteTrack
	waiters map[subKey][]chan *remoteTrack

	closing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newLink(c *Client, ws *websocket.Conn, pc *webrtc.PeerConnection) *link {
	l := &link{
		c:       c,
		ws:      ws,
		pc:      pc,
		answers: make(chan webrtc.SessionDescription, 1),
		replies: make(chan []byte, 1),
		senders: make(map[string]*outgoing),
		remote:  make(map[subKey]*remoteTrack),
		waiters: make(map[subKey][]chan *remoteTrack),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		msg := wire.Candidate{Type: wire.TypeCandidate, Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			msg.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			msg.SDPMLineIndex = *ci.SDPMLineIndex
		}
		_ = l.sendJSON(msg)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "transport").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed && !l.closing.Load() {
			l.emit(core.Event{
				Type: core.EventConnectionState,
				Conn: core.ConnFailed,
				Err:  domain.NewError("media", domain.ErrNetwork, errors.New("peer connection failed")),
			})
		}
	})
	pc.OnTrack(l.onTrack)
	return l
}

func (l *link) close() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.stop)
		_ = l.ws.Close()
		if err := l.pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "transport").Msg("close peer connection")
		}
	})
}

func (l *link) emit(ev core.Event) {
	select {
	case l.c.events <- ev:
	case <-l.stop:
	}
}

func (l *link) write(kind int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return domain.NewError("write", domain.ErrNetwork, err)
	}
	if err := l.ws.WriteMessage(kind, data); err != nil {
		return domain.NewError("write", domain.ErrNetwork, err)
	}
	return nil
}

func (l *link) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.NewError("write", domain.ErrProtocol, err)
	}
	return l.write(websocket.TextMessage, b)
}

func (l *link) join(ctx context.Context, ch domain.Channel, name string) (wire.Joined, error) {
	err := l.sendJSON(wire.Join{
		Type:    wire.TypeJoin,
		Channel: string(ch.ID),
		AppID:   ch.Credentials.AppID,
		Token:   ch.Credentials.Token,
		Name:    name,
	})
	if err != nil {
		return wire.Joined{}, err
	}
	select {
	case <-ctx.Done():
		return wire.Joined{}, ctx.Err()
	case <-l.done:
		return wire.Joined{}, domain.NewError("join", domain.ErrNetwork, errors.New("connection closed"))
	case data := <-l.replies:
		typ, _ := wire.TypeOf(data)
		if typ == wire.TypeError {
			var e wire.Error
			_ = json.Unmarshal(data, &e)
			kind := domain.ErrProtocol
			if e.Code == wire.CodeAuth {
				kind = domain.ErrAuth
			}
			return wire.Joined{}, domain.NewError("join", kind, errors.New(e.Error))
		}
		var joined wire.Joined
		if err := json.Unmarshal(data, &joined); err != nil {
			return wire.Joined{}, domain.NewError("join", domain.ErrProtocol, err)
		}
		return joined, nil
	}
}

func (l *link) readLoop() {
	defer close(l.done)
	for {
		kind, data, err := l.ws.ReadMessage()
		if err != nil {
			if !l.closing.Load() {
				log.Warn().Err(err).Str("module", "transport").Msg("signaling lost")
				l.emit(core.Event{
					Type: core.EventConnectionState,
					Conn: core.ConnFailed,
					Err:  domain.NewError("read", domain.ErrNetwork, err),
				})
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			l.onFrame(data)
		case websocket.TextMessage:
			l.onMessage(data)
		}
	}
}

func (l *link) isJoined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

func (l *link) onMessage(data []byte) {
	typ, err := wire.TypeOf(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("bad message")
		return
	}
	switch typ {
	case wire.TypeJoined, wire.TypeError:
		if l.isJoined() {
			log.Warn().Str("module", "transport").RawJSON("msg", data).Msg("hub reported")
			return
		}
		// Frames right behind joined already belong to the channel.
		var joined wire.Joined
		if typ == wire.TypeJoined && json.Unmarshal(data, &joined) == nil {
			l.clock.observe(joined.ServerTime, l.c.opts.Now())
			l.mu.Lock()
			l.joined = true
			l.mu.Unlock()
		}
		select {
		case l.replies <- data:
		default:
		}
	case wire.TypePeerJoined, wire.TypeMemberUpdated, wire.TypePeerLeft:
		var ev wire.PeerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		t := core.EventPeerJoined
		if typ == wire.TypePeerLeft {
			t = core.EventPeerLeft
		}
		l.emit(core.Event{Type: t, Peer: ev.Peer.ID, Name: ev.Peer.Name})
	case wire.TypePublished, wire.TypeUnpublished:
		var ev wire.MediaEvent
		if err := json.Unmarshal(data, &ev); err != nil || !ev.Kind.Valid() {
			return
		}
		t := core.EventPeerPublished
		if typ == wire.TypeUnpublished {
			t = core.EventPeerUnpublished
		}
		l.emit(core.Event{Type: t, Peer: ev.Peer, Kind: ev.Kind})
	case wire.TypeMuted:
		var ev wire.MediaEvent
		if err := json.Unmarshal(data, &ev); err != nil || !ev.Kind.Valid() {
			return
		}
		l.emit(core.Event{Type: core.EventPeerMuted, Peer: ev.Peer, Kind: ev.Kind, Muted: ev.Muted})
	case wire.TypeOffer:
		var p wire.SDP
		if err := json.Unmarshal(data, &p); err == nil {
			go l.onRemoteOffer(p.SDP)
		}
	case wire.TypeAnswer:
		var p wire.SDP
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		select {
		case l.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}:
		default:
			log.Warn().Str("module", "transport").Msg("unexpected answer")
		}
	case wire.TypeCandidate:
		var p wire.Candidate
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		ci := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMLineIndex: &p.SDPMLineIndex}
		if p.SDPMid != "" {
			ci.SDPMid = &p.SDPMid
		}
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Debug().Err(err).Str("module", "transport").Msg("add ice candidate")
		}
	}
}

func (l *link) onFrame(data []byte) {
	if !l.isJoined() {
		return
	}
	f, err := wire.DecodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}
	now := l.c.opts.Now()
	for _, ps := range f.States {
		l.clock.observe(ps.At, now)
	}
	switch f.Kind {
	case wire.FrameState:
		ps := f.States[0]
		l.emit(core.Event{
			Type:   core.EventStateUpdate,
			Peer:   ps.Peer,
			Sample: domain.Sample{At: l.clock.local(ps.At), State: ps.State()},
		})
	case wire.FrameSnapshot:
		snap := make([]domain.PeerSample, 0, len(f.States))
		for _, ps := range f.States {
			snap = append(snap, domain.PeerSample{
				Peer:   ps.Peer,
				Sample: domain.Sample{At: l.clock.local(ps.At), State: ps.State()},
			})
		}
		l.emit(core.Event{Type: core.EventSnapshot, Snapshot: snap})
	}
}

// negotiate sends our offer and applies the hub's answer.
func (l *link) negotiate(ctx context.Context) error {
	l.negMu.Lock()
	defer l.negMu.Unlock()

	l.sdpMu.Lock()
	select {
	case <-l.answers:
	default:
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.sdpMu.Unlock()
		return domain.NewError("negotiate", domain.ErrNetwork, err)
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.sdpMu.Unlock()
		return domain.NewError("negotiate", domain.ErrNetwork, err)
	}
	l.sdpMu.Unlock()

	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return domain.NewError("negotiate", domain.ErrNetwork, errNotConnected)
	}
	if err := l.sendJSON(wire.SDP{Type: wire.TypeOffer, SDP: l.pc.LocalDescription().SDP}); err != nil {
		return err
	}

	select {
	case answer := <-l.answers:
		l.sdpMu.Lock()
		defer l.sdpMu.Unlock()
		if err := l.pc.SetRemoteDescription(answer); err != nil {
			return domain.NewError("negotiate", domain.ErrProtocol, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return domain.NewError("negotiate", domain.ErrNetwork, errNotConnected)
	}
}

// onRemoteOffer answers a hub renegotiation. While our own offer is
// outstanding the hub offer is ignored; the hub offers again afterwards.
func (l *link) onRemoteOffer(sdp string) {
	l.sdpMu.Lock()
	defer l.sdpMu.Unlock()
	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		log.Debug().Str("module", "transport").Msg("glare, ignoring hub offer")
		return
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("apply hub offer")
		return
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("create answer")
		return
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("set answer")
		return
	}
	select {
	case <-gathered:
	case <-l.stop:
		return
	}
	_ = l.sendJSON(wire.SDP{Type: wire.TypeAnswer, SDP: l.pc.LocalDescription().SDP})
}

// onTrack matches remote tracks to subscriptions. The hub labels relayed
// tracks with the publisher as stream id.
func (l *link) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind, ok := sfu.KindOf(track.Kind())
	if !ok {
		return
	}
	key := subKey{peer: domain.PeerID(track.StreamID()), kind: kind}
	rt := &remoteTrack{id: track.StreamID() + "/" + track.ID(), kind: kind, track: track}

	l.mu.Lock()
	l.remote[key] = rt
	waiting := l.waiters[key]
	delete(l.waiters, key)
	l.mu.Unlock()
	for _, w := range waiting {
		w <- rt
	}
	log.Debug().Str("module", "transport").Str("peer", string(key.peer)).Str("kind", kind.String()).Msg("remote track")

	go rt.drain(func() {
		l.mu.Lock()
		if l.remote[key] == rt {
			delete(l.remote, key)
		}
		l.mu.Unlock()
	})
}

func (l *link) subscribe(ctx context.Context, peer domain.PeerID, kind domain.Kind) (core.TrackHandle, error) {
	key := subKey{peer: peer, kind: kind}
	l.mu.Lock()
	if rt, ok := l.remote[key]; ok {
		l.mu.Unlock()
		return rt, nil
	}
	w := make(chan *remoteTrack, 1)
	l.waiters[key] = append(l.waiters[key], w)
	l.mu.Unlock()

	op := "subscribe " + string(peer) + "/" + kind.String()
	select {
	case rt := <-w:
		return rt, nil
	case <-ctx.Done():
		l.mu.Lock()
		ws := l.waiters[key]
		for i, c := range ws {
			if c == w {
				l.waiters[key] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return nil, domain.NewError(op, domain.ErrNetwork, ctx.Err())
	case <-l.stop:
		return nil, domain.NewError(op, domain.ErrNetwork, errNotConnected)
	}
}
