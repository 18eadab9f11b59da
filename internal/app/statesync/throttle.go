package statesync

import (
	"time"

	"github.com/dkeye/presence/internal/domain"
)

// Throttle limits outbound state updates to one per interval. A change of
// Moving or Direction is sent right away so remote animations switch on time.
// Not safe for concurrent use.
type Throttle struct {
	every   time.Duration
	last    time.Time
	sent    domain.State
	hasSent bool
}

func NewThrottle(every time.Duration) *Throttle {
	return &Throttle{every: every}
}

// Offer reports whether s has to be sent at now, and records it if so.
func (t *Throttle) Offer(s domain.State, now time.Time) bool {
	switch {
	case !t.hasSent:
	case s.Moving != t.sent.Moving || s.Direction != t.sent.Direction:
	case s != t.sent && now.Sub(t.last) >= t.every:
	default:
		return false
	}
	t.hasSent = true
	t.sent = s
	t.last = now
	return true
}
