package wire

import (
	"fmt"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

type FrameKind uint8

const (
	// FrameState is a delta: one peer's latest state.
	FrameState FrameKind = iota + 1
	// FrameSnapshot is the authoritative state of every peer in a channel.
	FrameSnapshot
)

func (k FrameKind) String() string {
	switch k {
	case FrameState:
		return "state"
	case FrameSnapshot:
		return "snapshot"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// PeerState is one entry of a frame. At is unix milliseconds on the hub clock.
// Peer is empty on frames sent by a client; the hub stamps the sender.
type PeerState struct {
	Peer      domain.PeerID `msgpack:"p,omitempty"`
	At        int64         `msgpack:"t"`
	X         float64       `msgpack:"x"`
	Y         float64       `msgpack:"y"`
	Direction string        `msgpack:"d,omitempty"`
	Moving    bool          `msgpack:"m,omitempty"`
}

type Frame struct {
	Kind   FrameKind   `msgpack:"k"`
	States []PeerState `msgpack:"s"`
}

func NewPeerState(peer domain.PeerID, at time.Time, s domain.State) PeerState {
	return PeerState{
		Peer:      peer,
		At:        at.UnixMilli(),
		X:         s.X,
		Y:         s.Y,
		Direction: s.Direction,
		Moving:    s.Moving,
	}
}

func (p PeerState) State() domain.State {
	return domain.State{X: p.X, Y: p.Y, Direction: p.Direction, Moving: p.Moving}
}

func (p PeerState) Time() time.Time { return time.UnixMilli(p.At) }

func EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(&f)
}

// DecodeFrame parses a binary frame. Malformed frames and unknown kinds
// are reported as domain.ErrProtocol.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	switch f.Kind {
	case FrameState:
		if len(f.States) != 1 {
			return Frame{}, fmt.Errorf("%w: state frame with %d entries", domain.ErrProtocol, len(f.States))
		}
	case FrameSnapshot:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %d", domain.ErrProtocol, f.Kind)
	}
	return f, nil
}
