package core

import (
	"time"

	"github.com/dkeye/presence/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.PeerID `json:"id"`
	Username string        `json:"username"`
	Kinds    []domain.Kind `json:"kinds,omitempty"`
	Muted    []domain.Kind `json:"muted,omitempty"`
}

// ChannelService is the core-facing API of a channel on the hub.
// It owns the membership set and the authoritative peer states but never
// touches transport resources.
type ChannelService interface {
	ID() domain.ChannelID
	MemberCount() int
	// MembersSnapshot lists members in join order.
	MembersSnapshot() []MemberDTO
	Member(sid SessionID) (MemberSession, bool)

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	// SetPublished records whether a member currently publishes kind.
	// It reports whether the flag changed.
	SetPublished(sid SessionID, kind domain.Kind, on bool) bool
	Published(sid SessionID, kind domain.Kind) bool
	// SetMuted records whether a published kind is muted. Unpublishing a kind
	// clears its mute. It reports whether the flag changed.
	SetMuted(sid SessionID, kind domain.Kind, on bool) bool

	Broadcast(from SessionID, data Frame) PublishResult
	BroadcastBinary(from SessionID, data Frame) PublishResult

	// UpdateState stores the latest authoritative state of a member.
	UpdateState(sid SessionID, s domain.State, at time.Time) (domain.PeerSample, bool)
	StateSnapshot() []domain.PeerSample
}

type ChannelInfo struct {
	ID          domain.ChannelID `json:"id"`
	MemberCount int              `json:"client_count"`
}

type ChannelManager interface {
	GetOrCreate(id domain.ChannelID) ChannelService
	Get(id domain.ChannelID) (ChannelService, bool)
	List() []ChannelInfo
	Stop(id domain.ChannelID)
}
