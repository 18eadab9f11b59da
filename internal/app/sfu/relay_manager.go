package sfu

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu      sync.RWMutex
	relays  map[Key]*Relay
	metrics *metrics.Hub
}

func NewRelayManager(m *metrics.Hub) *RelayManager {
	return &RelayManager{
		relays:  make(map[Key]*Relay),
		metrics: m,
	}
}

// StartRelay creates a new Relay for the published track and starts its
// loop. onEnded runs once if the source track stops on its own and gets the
// OutTracks the relay was feeding.
func (m *RelayManager) StartRelay(ctx context.Context, key Key, peer domain.PeerID, track *webrtc.TrackRemote, onEnded func(Key, map[core.SessionID]*OutTrack)) {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(key.SID)).
		Str("kind", key.Kind.String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(key, peer, track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	} else {
		m.metrics.RelaysDelta(1)
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger, func() {
		if m.remove(key, relay) && onEnded != nil {
			onEnded(key, relay.drain())
		}
	})
}

// remove drops relay if it is still the one registered for key.
func (m *RelayManager) remove(key Key, relay *Relay) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.relays[key]; !ok || cur != relay {
		return false
	}
	delete(m.relays, key)
	m.metrics.RelaysDelta(-1)
	return true
}

// Subscribe adds a local copy of the relayed track to dst's connection.
// The caller renegotiates dst afterwards.
func (m *RelayManager) Subscribe(key Key, dst core.SessionID, mc core.MediaConnection) error {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("relay %s: %w", key, domain.ErrNotFound)
	}
	if relay.HasSubscriber(dst) {
		return nil
	}

	local, err := webrtc.NewTrackLocalStaticRTP(relay.Src.Codec().RTPCodecCapability, key.Kind.String(), string(relay.Peer))
	if err != nil {
		return fmt.Errorf("relay %s: new local track: %w", key, err)
	}
	sender, err := mc.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("relay %s: add track for %s: %w", key, dst, err)
	}
	go drainRTCP(sender)
	relay.AddOutTrack(dst, NewOutTrack(local, sender))
	log.Debug().Str("module", "relay").Str("relay", key.String()).Str("dst_sid", string(dst)).Msg("subscriber added")
	return nil
}

// Unsubscribe stops forwarding key to dst and removes the sender from its
// connection. It reports whether dst was subscribed.
func (m *RelayManager) Unsubscribe(key Key, dst core.SessionID, mc core.MediaConnection) bool {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ot, ok := relay.RemoveOutTrack(dst)
	if !ok {
		return false
	}
	RemoveSender(mc, ot)
	return true
}

// StopRelay stops a relay and returns the OutTracks it was feeding so the
// caller can remove them from the subscribers' connections.
func (m *RelayManager) StopRelay(key Key) map[core.SessionID]*OutTrack {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
		m.metrics.RelaysDelta(-1)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if relay.cancel != nil {
		relay.cancel()
	}
	return relay.drain()
}

// SetMuted pauses or resumes forwarding of key to all of its subscribers.
// It reports whether the relay changed state.
func (m *RelayManager) SetMuted(key Key, muted bool) (bool, error) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("relay %s: %w", key, domain.ErrNotFound)
	}
	changed := relay.SetMuted(muted)
	if changed {
		log.Debug().Str("module", "relay").Str("relay", key.String()).Bool("muted", muted).Msg("relay mute changed")
	}
	return changed, nil
}

// SourcesOf lists the relays published by sid in kind order.
func (m *RelayManager) SourcesOf(sid core.SessionID) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Key
	for _, k := range domain.Kinds {
		if _, ok := m.relays[Key{SID: sid, Kind: k}]; ok {
			out = append(out, Key{SID: sid, Kind: k})
		}
	}
	return out
}

// HasRelay reports whether a relay exists for key.
func (m *RelayManager) HasRelay(key Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

func (m *RelayManager) Subscribers(key Key) []core.SessionID {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return relay.Subscribers()
}

func (m *RelayManager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(m.relays), func(a, b Key) int {
		if a.SID != b.SID {
			if a.SID < b.SID {
				return -1
			}
			return 1
		}
		return slices.Index(domain.Kinds, a.Kind) - slices.Index(domain.Kinds, b.Kind)
	})
}

// RemoveSender detaches a stopped OutTrack from its subscriber connection.
func RemoveSender(mc core.MediaConnection, ot *OutTrack) {
	if mc == nil || mc.IsClosed() || ot.Sender == nil {
		return
	}
	if err := mc.RemoveSender(ot.Sender); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("remove sender")
	}
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
