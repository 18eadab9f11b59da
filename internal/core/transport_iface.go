package core

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/presence/internal/domain"
)

// TrackHandle is an opaque reference to one media stream.
type TrackHandle interface {
	ID() string
	Kind() domain.Kind
}

// LocalTrack is an outbound track backed by a capture device.
// Close releases the device and is safe to call more than once.
type LocalTrack interface {
	TrackHandle
	Close() error
}

// Capture acquires local capture devices. Only the session machine calls it.
type Capture interface {
	Acquire(ctx context.Context, kind domain.Kind) (LocalTrack, error)
}

type ConnectionState int

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	}
	return fmt.Sprintf("conn(%d)", int(s))
}

type EventType int

const (
	EventPeerJoined EventType = iota + 1
	EventPeerLeft
	EventPeerPublished
	EventPeerUnpublished
	EventConnectionState
	EventStateUpdate
	EventSnapshot
	EventPeerMuted
)

func (t EventType) String() string {
	switch t {
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventPeerPublished:
		return "peer_published"
	case EventPeerUnpublished:
		return "peer_unpublished"
	case EventConnectionState:
		return "connection_state"
	case EventStateUpdate:
		return "state_update"
	case EventSnapshot:
		return "snapshot"
	case EventPeerMuted:
		return "peer_muted"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is the tagged union emitted by a Transport. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType
	Peer domain.PeerID
	Name string
	Kind domain.Kind
	// Muted is set for EventPeerMuted.
	Muted bool
	// Conn and Err are set for EventConnectionState.
	Conn ConnectionState
	Err  error
	// Sample is set for EventStateUpdate, Snapshot for EventSnapshot.
	// Times are already mapped to the local clock.
	Sample   domain.Sample
	Snapshot []domain.PeerSample
}

// ConnectionHandle describes an established channel connection.
type ConnectionHandle struct {
	Channel domain.ChannelID
	Self    domain.PeerID
	// Peers already present when the local participant joined, in join order.
	Peers       []PeerAnnouncement
	ConnectedAt time.Time
}

type PeerAnnouncement struct {
	Peer  domain.PeerID
	Name  string
	Kinds []domain.Kind
	Muted []domain.Kind
}

// Transport wraps the real-time media/transport stack. It performs network
// I/O only and never mutates domain state: everything it learns is reported
// through Events. Publish and Subscribe failures are returned, never retried.
type Transport interface {
	Connect(ctx context.Context, ch domain.Channel, name string) (ConnectionHandle, error)
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, peer domain.PeerID, kind domain.Kind) (TrackHandle, error)
	// SetMuted pauses or resumes sending the published track of kind.
	SetMuted(ctx context.Context, kind domain.Kind, muted bool) error
	SendState(s domain.State) error
	Disconnect(ctx context.Context) error
	Events() <-chan Event
}
