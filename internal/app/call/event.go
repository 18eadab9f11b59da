package call

import (
	"fmt"

	"github.com/dkeye/presence/internal/app/session"
	"github.com/dkeye/presence/internal/domain"
)

type EventKind int

const (
	PeerJoined EventKind = iota + 1
	PeerLeft
	PeerPublished
	PeerUnpublished
	StateUpdated
	FocusChanged
	SessionStateChanged
	PeerMuted
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "peer_joined"
	case PeerLeft:
		return "peer_left"
	case PeerPublished:
		return "peer_published"
	case PeerUnpublished:
		return "peer_unpublished"
	case StateUpdated:
		return "state_updated"
	case FocusChanged:
		return "focus_changed"
	case SessionStateChanged:
		return "session_state_changed"
	case PeerMuted:
		return "peer_muted"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to the UI layer. FocusChanged with an empty Peer means
// nothing is focused.
type Event struct {
	Kind    EventKind
	Peer    domain.PeerID
	Media   domain.Kind
	// Muted is set for PeerMuted.
	Muted   bool
	Session session.State
	Err     error
}
