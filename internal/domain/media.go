package domain

import "fmt"

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Kinds lists every kind in publish order.
var Kinds = []Kind{KindAudio, KindVideo}

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

func (k Kind) String() string { return string(k) }

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", ErrProtocol, s)
	}
	return k, nil
}
