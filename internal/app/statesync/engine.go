// Package statesync keeps per-peer sample buffers of remote state and
// answers smoothed queries at render time.
package statesync

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/rs/zerolog/log"
)

// view is published once and never mutated afterwards.
type view struct {
	samples []domain.Sample
	corr    correction
}

// correction is a visible error that decays linearly to zero.
type correction struct {
	dx, dy float64
	start  time.Time
	window time.Duration
}

func (c correction) at(now time.Time) (float64, float64) {
	if c.window <= 0 || (c.dx == 0 && c.dy == 0) {
		return 0, 0
	}
	elapsed := now.Sub(c.start)
	if elapsed >= c.window {
		return 0, 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	f := 1 - float64(elapsed)/float64(c.window)
	return c.dx * f, c.dy * f
}

// Correction reports what Reconcile did.
type Correction struct {
	Peer domain.PeerID
	// Diff is the distance between the buffered estimate and the authoritative sample.
	Diff float64
	// Applied is set when the buffer was rebased.
	Applied bool
	// Seeded is set when the authoritative sample started an empty buffer.
	Seeded bool
	// Stale is set when the authoritative sample is older than everything buffered.
	Stale bool
}

type slots map[domain.PeerID]*atomic.Pointer[view]

// Engine buffers remote samples per peer. Writers are serialized; Query and
// Len never take a lock.
type Engine struct {
	cfg   Config
	wmu   sync.Mutex
	peers atomic.Pointer[slots]
}

func New(cfg Config) *Engine {
	if cfg.BufferSize < 2 {
		cfg.BufferSize = 2
	}
	e := &Engine{cfg: cfg}
	empty := slots{}
	e.peers.Store(&empty)
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) lookup(peer domain.PeerID) *view {
	slot, ok := (*e.peers.Load())[peer]
	if !ok {
		return nil
	}
	return slot.Load()
}

// slot returns the peer's slot, creating it. Callers hold wmu.
func (e *Engine) slot(peer domain.PeerID) *atomic.Pointer[view] {
	cur := *e.peers.Load()
	if s, ok := cur[peer]; ok {
		return s
	}
	next := make(slots, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	s := &atomic.Pointer[view]{}
	next[peer] = s
	e.peers.Store(&next)
	return s
}

// Push appends a sample to the peer's buffer. Samples must arrive with
// strictly increasing At; anything else is dropped with ErrProtocol and the
// buffer keeps its last good state.
func (e *Engine) Push(peer domain.PeerID, s domain.Sample, now time.Time) error {
	if err := s.State.Validate(); err != nil {
		return domain.NewError("push "+string(peer), domain.ErrProtocol, err)
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()

	slot := e.slot(peer)
	cur := slot.Load()
	if cur == nil {
		cur = &view{}
	}
	if n := len(cur.samples); n > 0 && !s.At.After(cur.samples[n-1].At) {
		return domain.NewError("push "+string(peer), domain.ErrProtocol,
			fmt.Errorf("sample at %d not after %d", s.At.UnixMilli(), cur.samples[n-1].At.UnixMilli()))
	}
	samples := make([]domain.Sample, 0, len(cur.samples)+1)
	samples = append(samples, cur.samples...)
	samples = append(samples, s)
	slot.Store(&view{samples: e.prune(samples, now), corr: cur.corr})
	return nil
}

// prune drops samples no longer needed to bracket now-delay, keeping at
// least two, then caps the buffer.
func (e *Engine) prune(samples []domain.Sample, now time.Time) []domain.Sample {
	render := now.Add(-e.cfg.InterpolationDelay)
	for len(samples) > 2 && !samples[1].At.After(render) {
		samples = samples[1:]
	}
	if len(samples) > e.cfg.BufferSize {
		samples = samples[len(samples)-e.cfg.BufferSize:]
	}
	return samples
}

// Query returns the displayed state of peer at now, or false when nothing
// has been received for it.
func (e *Engine) Query(peer domain.PeerID, now time.Time) (domain.State, bool) {
	v := e.lookup(peer)
	if v == nil || len(v.samples) == 0 {
		return domain.State{}, false
	}
	st := e.interpolate(v.samples, now.Add(-e.cfg.InterpolationDelay))
	dx, dy := v.corr.at(now)
	return st.Offset(dx, dy), true
}

func (e *Engine) interpolate(ss []domain.Sample, render time.Time) domain.State {
	if len(ss) == 1 {
		return ss[0].State
	}
	i := sort.Search(len(ss), func(i int) bool { return ss[i].At.After(render) })
	switch i {
	case 0:
		return ss[0].State
	case len(ss):
		return e.overrun(ss[len(ss)-2], ss[len(ss)-1], render)
	}
	s0, s1 := ss[i-1], ss[i]
	t := float64(render.Sub(s0.At)) / float64(s1.At.Sub(s0.At))
	return s0.State.Lerp(s1.State, t)
}

func (e *Engine) overrun(prev, last domain.Sample, render time.Time) domain.State {
	if e.cfg.Overrun != Extrapolate || !last.State.Moving {
		return last.State
	}
	ahead := render.Sub(last.At)
	if ahead > e.cfg.MaxExtrapolation {
		ahead = e.cfg.MaxExtrapolation
	}
	f := float64(ahead) / float64(last.At.Sub(prev.At))
	out := last.State
	out.X += (last.State.X - prev.State.X) * f
	out.Y += (last.State.Y - prev.State.Y) * f
	return out
}

// Reconcile compares the buffered estimate at auth.At with an authoritative
// sample. Beyond CorrectionThreshold the buffer is rebased on auth and the
// visible jump is blended away over CorrectionWindow.
func (e *Engine) Reconcile(peer domain.PeerID, auth domain.Sample, now time.Time) (Correction, error) {
	res := Correction{Peer: peer}
	if err := auth.State.Validate(); err != nil {
		return res, domain.NewError("reconcile "+string(peer), domain.ErrProtocol, err)
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()

	slot := e.slot(peer)
	cur := slot.Load()
	if cur == nil || len(cur.samples) == 0 {
		slot.Store(&view{samples: []domain.Sample{auth}})
		res.Seeded = true
		return res, nil
	}
	if auth.At.Before(cur.samples[0].At) {
		res.Stale = true
		return res, nil
	}

	res.Diff = e.interpolate(cur.samples, auth.At).Distance(auth.State)
	if res.Diff <= e.cfg.CorrectionThreshold {
		return res, nil
	}

	render := now.Add(-e.cfg.InterpolationDelay)
	shown := e.interpolate(cur.samples, render)
	dx, dy := cur.corr.at(now)
	shown = shown.Offset(dx, dy)

	samples := []domain.Sample{auth}
	for _, s := range cur.samples {
		if s.At.After(auth.At) {
			samples = append(samples, s)
		}
	}
	samples = e.prune(samples, now)
	raw := e.interpolate(samples, render)
	slot.Store(&view{
		samples: samples,
		corr: correction{
			dx:     shown.X - raw.X,
			dy:     shown.Y - raw.Y,
			start:  now,
			window: e.cfg.CorrectionWindow,
		},
	})
	res.Applied = true
	log.Debug().Str("module", "statesync").Str("peer", string(peer)).Float64("diff", res.Diff).Msg("state corrected")
	return res, nil
}

// Purge forgets everything buffered for peer.
func (e *Engine) Purge(peer domain.PeerID) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	cur := *e.peers.Load()
	if _, ok := cur[peer]; !ok {
		return
	}
	next := make(slots, len(cur))
	for k, v := range cur {
		if k != peer {
			next[k] = v
		}
	}
	e.peers.Store(&next)
}

func (e *Engine) Reset() {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	empty := slots{}
	e.peers.Store(&empty)
}

// Len is the number of samples buffered for peer.
func (e *Engine) Len(peer domain.PeerID) int {
	v := e.lookup(peer)
	if v == nil {
		return 0
	}
	return len(v.samples)
}

func (e *Engine) Peers() []domain.PeerID {
	cur := *e.peers.Load()
	out := make([]domain.PeerID, 0, len(cur))
	for k := range cur {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
