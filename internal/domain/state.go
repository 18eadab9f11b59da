package domain

import (
	"fmt"
	"math"
	"time"
)

// MaxCoordinate bounds every synchronized coordinate. Anything beyond it is
// treated as a corrupted update.
const MaxCoordinate = 1 << 20

// State is the fast-changing shared state of a peer: its avatar on the office map.
type State struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
	Moving    bool    `json:"moving"`
}

// Sample is a State observed at a point in time.
type Sample struct {
	At    time.Time
	State State
}

// PeerSample is a Sample attributed to a peer, as carried by snapshots.
type PeerSample struct {
	Peer PeerID
	Sample
}

// Validate rejects states that cannot come from a well-behaved sender.
func (s State) Validate() error {
	for _, v := range []float64{s.X, s.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrProtocol)
		}
		if math.Abs(v) > MaxCoordinate {
			return fmt.Errorf("%w: coordinate %.0f out of range", ErrProtocol, v)
		}
	}
	if len(s.Direction) > 16 {
		return fmt.Errorf("%w: direction too long", ErrProtocol)
	}
	return nil
}

// Lerp interpolates the position towards to by t in [0,1].
// Discrete fields are taken from s until t reaches 1.
func (s State) Lerp(to State, t float64) State {
	if t >= 1 {
		return to
	}
	out := s
	out.X = s.X + (to.X-s.X)*t
	out.Y = s.Y + (to.Y-s.Y)*t
	return out
}

// Offset moves the position by (dx, dy).
func (s State) Offset(dx, dy float64) State {
	s.X += dx
	s.Y += dy
	return s
}

// Distance is the euclidean distance between the two positions.
func (s State) Distance(o State) float64 {
	return math.Hypot(s.X-o.X, s.Y-o.Y)
}
