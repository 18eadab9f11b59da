// Package coretest provides in-memory Transport and Capture fakes for tests.
package coretest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errFull = errors.New("coretest: send queue full")

type Track struct {
	TrackID   string
	TrackKind domain.Kind
	closed    atomic.Int32
}

func NewTrack(id string, kind domain.Kind) *Track {
	return &Track{TrackID: id, TrackKind: kind}
}

func (t *Track) ID() string        { return t.TrackID }
func (t *Track) Kind() domain.Kind { return t.TrackKind }

func (t *Track) Close() error {
	t.closed.Add(1)
	return nil
}

func (t *Track) Closed() bool { return t.closed.Load() > 0 }

// Capture hands out fake devices. Kinds listed in Fail are refused.
type Capture struct {
	mu       sync.Mutex
	Fail     map[domain.Kind]error
	acquired []*Track
}

func (c *Capture) Acquire(ctx context.Context, kind domain.Kind) (core.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail[kind]; err != nil {
		return nil, err
	}
	t := NewTrack("local-"+kind.String(), kind)
	c.acquired = append(c.acquired, t)
	return t, nil
}

func (c *Capture) Acquired() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.acquired...)
}

// Transport records calls and lets tests inject events and failures.
type Transport struct {
	ConnectFunc   func(ctx context.Context, ch domain.Channel, name string) (core.ConnectionHandle, error)
	SubscribeFunc func(ctx context.Context, peer domain.PeerID, kind domain.Kind) (core.TrackHandle, error)
	Self          domain.PeerID

	mu            sync.Mutex
	publishErrs   []error
	disconnectErr error
	published     map[domain.Kind]bool
	muted         map[domain.Kind]bool
	sent          []domain.State
	calls         []string
	events        chan core.Event
}

func NewTransport() *Transport {
	return &Transport{
		Self:      "self",
		published: make(map[domain.Kind]bool),
		muted:     make(map[domain.Kind]bool),
		events:    make(chan core.Event, 256),
	}
}

// FailPublish makes the next len(errs) Publish calls fail in order.
func (t *Transport) FailPublish(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErrs = append(t.publishErrs, errs...)
}

func (t *Transport) FailDisconnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectErr = err
}

func (t *Transport) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Transport) Count(call string) int {
	n := 0
	for _, c := range t.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (t *Transport) Published(kind domain.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[kind]
}

func (t *Transport) Muted(kind domain.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted[kind]
}

func (t *Transport) Sent() []domain.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.State(nil), t.sent...)
}

func (t *Transport) Connect(ctx context.Context, ch domain.Channel, name string) (core.ConnectionHandle, error) {
	t.record("connect")
	if t.ConnectFunc != nil {
		return t.ConnectFunc(ctx, ch, name)
	}
	return core.ConnectionHandle{Channel: ch.ID, Self: t.Self, ConnectedAt: time.Now()}, nil
}

func (t *Transport) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	t.record("publish")
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.publishErrs) > 0 {
		err := t.publishErrs[0]
		t.publishErrs = t.publishErrs[1:]
		return err
	}
	for _, tr := range tracks {
		t.published[tr.Kind()] = true
	}
	return nil
}

func (t *Transport) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	t.record("unpublish")
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range tracks {
		delete(t.published, tr.Kind())
		delete(t.muted, tr.Kind())
	}
	return nil
}

func (t *Transport) SetMuted(ctx context.Context, kind domain.Kind, muted bool) error {
	if muted {
		t.record("mute")
	} else {
		t.record("unmute")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted[kind] = muted
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, peer domain.PeerID, kind domain.Kind) (core.TrackHandle, error) {
	t.record("subscribe")
	if t.SubscribeFunc != nil {
		return t.SubscribeFunc(ctx, peer, kind)
	}
	return NewTrack(string(peer)+"/"+kind.String(), kind), nil
}

func (t *Transport) SendState(s domain.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, s)
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.record("disconnect")
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnectErr
}

func (t *Transport) Events() <-chan core.Event { return t.events }

// Emit delivers ev to the consumer of Events.
func (t *Transport) Emit(ev core.Event) { t.events <- ev }

// Signal records frames queued on a signaling connection.
type Signal struct {
	mu     sync.Mutex
	text   [][]byte
	binary [][]byte
	full   bool
	closed bool
}

func (s *Signal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return errFull
	}
	s.text = append(s.text, append([]byte(nil), f...))
	return nil
}

func (s *Signal) TrySendBinary(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return errFull
	}
	s.binary = append(s.binary, append([]byte(nil), f...))
	return nil
}

func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// SetFull makes every further send fail with backpressure.
func (s *Signal) SetFull(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Text returns the queued text frames and forgets them.
func (s *Signal) Text() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.text
	s.text = nil
	return out
}

// Binary returns the queued binary frames and forgets them.
func (s *Signal) Binary() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.binary
	s.binary = nil
	return out
}

// Media is a MediaConnection that records negotiation calls and returns
// canned session descriptions.
type Media struct {
	mu       sync.Mutex
	offers   int
	answers  int
	applied  []webrtc.SessionDescription
	cands    []webrtc.ICECandidateInit
	removed  int
	closed   bool
	onClosed func()
	OfferErr error
}

func (m *Media) Start(context.Context) error { return nil }

func (m *Media) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	fn := m.onClosed
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Media) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Media) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cands = append(m.cands, c)
	return nil
}

func (m *Media) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, offer)
	m.answers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (m *Media) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OfferErr != nil {
		return nil, m.OfferErr
	}
	m.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (m *Media) ApplyAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, answer)
	return nil
}

func (m *Media) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (m *Media) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (m *Media) AddLocalTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, errors.New("coretest: media has no rtp stack")
}

func (m *Media) RemoveSender(*webrtc.RTPSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
	return nil
}

func (m *Media) OnClosed(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

// Offers counts hub-initiated offers.
func (m *Media) Offers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers
}

// Applied lists the remote descriptions applied so far.
func (m *Media) Applied() []webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), m.applied...)
}

func (m *Media) Candidates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cands)
}
