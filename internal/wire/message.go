// Package wire defines the hub protocol: JSON control messages on websocket
// text frames and msgpack state frames on binary frames.
package wire

import (
	"encoding/json"

	"github.com/dkeye/presence/internal/domain"
)

// Control message types.
const (
	TypeJoin          = "join"
	TypeJoined        = "joined"
	TypeLeave         = "leave"
	TypeLeft          = "left"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeRename        = "rename"
	TypeWhoAmI        = "whoami"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeCandidate     = "candidate"
	TypeUnpublish     = "unpublish"
	TypeMute          = "mute"
	TypePeerJoined    = "peer_joined"
	TypePeerLeft      = "peer_left"
	TypePublished     = "peer_published"
	TypeUnpublished   = "peer_unpublished"
	TypeMuted         = "peer_muted"
	TypeMemberUpdated = "member_updated"
	TypeError         = "error"
)

// Error codes carried by TypeError.
const (
	CodeAuth        = "auth"
	CodeBadPayload  = "bad_payload"
	CodeNotJoined   = "not_joined"
	CodeRateLimited = "rate_limited"
	CodeInvalidName = "invalid_name"
	CodeNotFound    = "not_found"
)

type Envelope struct {
	Type string `json:"type"`
}

// TypeOf extracts the message type without decoding the payload.
func TypeOf(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

type PeerInfo struct {
	ID    domain.PeerID `json:"id"`
	Name  string        `json:"name"`
	Kinds []domain.Kind `json:"kinds,omitempty"`
	Muted []domain.Kind `json:"muted,omitempty"`
}

type Join struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	AppID   string `json:"app_id"`
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
}

type Joined struct {
	Type       string           `json:"type"`
	Channel    domain.ChannelID `json:"channel"`
	Self       PeerInfo         `json:"self"`
	ServerTime int64            `json:"server_time"`
	Peers      []PeerInfo       `json:"peers"`
}

type Rename struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type WhoAmI struct {
	Type     string           `json:"type"`
	ID       domain.PeerID    `json:"id"`
	Username string           `json:"username"`
	Channel  domain.ChannelID `json:"channel,omitempty"`
}

// PeerEvent announces membership changes: peer_joined, peer_left, member_updated.
type PeerEvent struct {
	Type string   `json:"type"`
	Peer PeerInfo `json:"peer"`
}

// MediaEvent announces peer_published, peer_unpublished and peer_muted. The
// client sends it as unpublish and mute.
type MediaEvent struct {
	Type  string        `json:"type"`
	Peer  domain.PeerID `json:"peer,omitempty"`
	Kind  domain.Kind   `json:"kind"`
	Muted bool          `json:"muted,omitempty"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Type          string `json:"type"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type Error struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func NewError(code, msg string) Error {
	return Error{Type: TypeError, Code: code, Error: msg}
}
