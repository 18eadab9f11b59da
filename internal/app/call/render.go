package call

import (
	"context"
	"time"

	"github.com/dkeye/presence/internal/domain"
)

// PeerView is what a renderer needs to draw one remote peer.
type PeerView struct {
	Peer     domain.PeerID
	Name     string
	State    domain.State
	HasState bool
	Kinds    []domain.Kind
	Focused  bool
}

// Frame returns the view of every remote peer at now, in join order.
func (c *Call) Frame(now time.Time) []PeerView {
	focused, _ := c.binder.Focused()
	snap := c.registry.Snapshot()
	out := make([]PeerView, 0, len(snap))
	for _, p := range snap {
		v := PeerView{Peer: p.ID, Name: p.Name, Focused: p.ID == focused}
		v.State, v.HasState = c.engine.Query(p.ID, now)
		for _, k := range domain.Kinds {
			if p.Has(k) {
				v.Kinds = append(v.Kinds, k)
			}
		}
		out = append(out, v)
	}
	return out
}

// Render calls fn with a fresh frame every interval until ctx is done.
// It only reads copies and never blocks the call loop.
func (c *Call) Render(ctx context.Context, every time.Duration, fn func(now time.Time, frame []PeerView)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			fn(now, c.Frame(now))
		}
	}
}
