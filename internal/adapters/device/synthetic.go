// Package device provides capture devices backed by pion sample tracks.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 15
)

// Synthetic is a capture source that needs no hardware: audio is Opus
// silence, video a constant VP8 payload. Each kind can be open only once.
type Synthetic struct {
	// Stream labels the tracks, usually the participant name.
	Stream string
	// Disabled kinds fail to open, like a missing or denied device.
	Disabled map[domain.Kind]bool

	mu   sync.Mutex
	open map[domain.Kind]*Track
}

func NewSynthetic(stream string) *Synthetic {
	return &Synthetic{Stream: stream, open: make(map[domain.Kind]*Track)}
}

// Acquire opens the device of kind. It fails with domain.ErrDevice if the
// kind is disabled or already open.
func (s *Synthetic) Acquire(ctx context.Context, kind domain.Kind) (core.LocalTrack, error) {
	if !kind.Valid() {
		return nil, domain.NewError("acquire "+kind.String(), domain.ErrDevice, fmt.Errorf("unknown kind"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Disabled[kind] {
		return nil, domain.NewError("acquire "+kind.String(), domain.ErrDevice, fmt.Errorf("device disabled"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		s.open = make(map[domain.Kind]*Track)
	}
	if _, busy := s.open[kind]; busy {
		return nil, domain.NewError("acquire "+kind.String(), domain.ErrDevice, fmt.Errorf("device busy"))
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	frame, payload := audioFrame, opusSilence
	if kind == domain.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame, payload = videoFrame, make([]byte, 64)
	}
	id := kind.String() + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, s.Stream)
	if err != nil {
		return nil, domain.NewError("acquire "+kind.String(), domain.ErrDevice, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Track{
		id:     id,
		kind:   kind,
		local:  local,
		cancel: cancel,
		done:   make(chan struct{}),
		owner:  s,
	}
	s.open[kind] = t
	go t.run(runCtx, frame, payload)
	log.Info().Str("module", "device").Str("kind", kind.String()).Str("track", id).Msg("device opened")
	return t, nil
}

func (s *Synthetic) release(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[t.kind] == t {
		delete(s.open, t.kind)
	}
}

// Open lists the kinds currently held.
func (s *Synthetic) Open() []domain.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Kind
	for _, k := range domain.Kinds {
		if _, ok := s.open[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Track is an open synthetic device.
type Track struct {
	id     string
	kind   domain.Kind
	local  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	owner  *Synthetic
	closed atomic.Bool
	frames atomic.Int64
}

func (t *Track) ID() string        { return t.id }
func (t *Track) Kind() domain.Kind { return t.kind }

// Local exposes the pion track for publishing.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Frames counts the samples written so far.
func (t *Track) Frames() int64 { return t.frames.Load() }

func (t *Track) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	<-t.done
	t.owner.release(t)
	log.Info().Str("module", "device").Str("kind", t.kind.String()).Str("track", t.id).Msg("device closed")
	return nil
}

func (t *Track) run(ctx context.Context, every time.Duration, payload []byte) {
	defer close(t.done)
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := t.local.WriteSample(media.Sample{Data: payload, Duration: every}); err != nil {
				log.Debug().Err(err).Str("module", "device").Str("track", t.id).Msg("write sample")
				continue
			}
			t.frames.Add(1)
		}
	}
}
