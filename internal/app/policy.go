package app

import "github.com/dkeye/presence/internal/core"

type BackpressureAction int

const (
	// DropFrame loses the frame and keeps the member.
	DropFrame BackpressureAction = iota + 1
	// KickMember closes the member's signaling connection.
	KickMember
)

func (a BackpressureAction) String() string {
	switch a {
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "unknown"
}

// Policy decides what happens to a member whose send queue is full.
// binary is set for state frames.
type Policy interface {
	OnBackPressure(ch core.ChannelService, member core.MemberSession, binary bool) BackpressureAction
}

// SimplePolicy kicks members that cannot keep up with control messages.
// Lost state frames are repaired by the next snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.ChannelService, _ core.MemberSession, binary bool) BackpressureAction {
	if binary {
		return DropFrame
	}
	return KickMember
}
