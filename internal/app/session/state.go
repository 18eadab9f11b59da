package session

import (
	"fmt"
	"time"

	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/domain"
)

type State int

const (
	Idle State = iota
	Connecting
	Joined
	Leaving
	Left
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Left:
		return "left"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var allowed = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Joined, Leaving, Failed},
	Joined:     {Leaving, Failed},
	Leaving:    {Left},
	Left:       {Connecting},
	Failed:     {Connecting},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is handed to listeners for every state change.
type Transition struct {
	From State
	To   State
	Err  error
}

type Config struct {
	ConnectTimeout time.Duration
	// Kinds are the capture devices acquired on Initiate, in publish order.
	Kinds          []domain.Kind
	AllowPartial   bool
	PublishRetries int
	// PublishBackoff is the first wait between publish attempts. It doubles
	// on every retry.
	PublishBackoff time.Duration
}

func ConfigFrom(c config.SessionConfig) Config {
	cfg := Config{
		ConnectTimeout: c.ConnectTimeout,
		AllowPartial:   c.AllowPartial,
		PublishRetries: c.PublishRetries,
	}
	if c.Audio {
		cfg.Kinds = append(cfg.Kinds, domain.KindAudio)
	}
	if c.Video {
		cfg.Kinds = append(cfg.Kinds, domain.KindVideo)
	}
	return cfg
}
