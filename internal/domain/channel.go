package domain

import "errors"

const MaxChannelIDLen = 64

var (
	ErrChannelEmpty   = errors.New("channel id empty")
	ErrChannelTooLong = errors.New("channel id too long")
)

type ChannelID string

// Credentials are handed to the transport untouched. Token is optional.
type Credentials struct {
	AppID string `json:"app_id"`
	Token string `json:"token,omitempty"`
}

// Channel identifies one communication session.
type Channel struct {
	ID          ChannelID   `json:"id"`
	Credentials Credentials `json:"credentials"`
}

func NewChannel(id string, creds Credentials) (Channel, error) {
	if id == "" {
		return Channel{}, ErrChannelEmpty
	}
	if len(id) > MaxChannelIDLen {
		return Channel{}, ErrChannelTooLong
	}
	return Channel{ID: ChannelID(id), Credentials: creds}, nil
}
