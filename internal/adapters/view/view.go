// Package view provides in-memory render surfaces. A track is owned by at
// most one surface at a time and moving it means detach, then attach.
package view

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/presence/internal/core"
	"github.com/dkeye/presence/internal/domain"
)

var (
	ErrOccupied = errors.New("surface already owns a track")
	ErrOwned    = errors.New("track is owned by another surface")
)

// Board tracks which surface owns which track.
type Board struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewBoard() *Board {
	return &Board{owners: make(map[string]string)}
}

func (b *Board) NewTile(id string) *Tile {
	return &Tile{id: id, board: b}
}

// Owner returns the surface currently holding the track.
func (b *Board) Owner(trackID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.owners[trackID]
	return s, ok
}

type Tile struct {
	id    string
	board *Board
	track core.TrackHandle
}

func (t *Tile) ID() string { return t.id }

func (t *Tile) Attach(track core.TrackHandle) error {
	t.board.mu.Lock()
	defer t.board.mu.Unlock()
	if owner, ok := t.board.owners[track.ID()]; ok {
		if owner == t.id {
			return nil
		}
		return fmt.Errorf("%w: %s on %s", ErrOwned, track.ID(), owner)
	}
	if t.track != nil {
		return fmt.Errorf("%w: %s", ErrOccupied, t.id)
	}
	t.track = track
	t.board.owners[track.ID()] = t.id
	return nil
}

// Detach releases track if this tile owns it.
func (t *Tile) Detach(track core.TrackHandle) {
	t.board.mu.Lock()
	defer t.board.mu.Unlock()
	if t.track == nil || t.track.ID() != track.ID() {
		return
	}
	delete(t.board.owners, track.ID())
	t.track = nil
}

func (t *Tile) Track() (core.TrackHandle, bool) {
	t.board.mu.Lock()
	defer t.board.mu.Unlock()
	return t.track, t.track != nil
}

// Grid is the default layout: one tile per remote peer.
type Grid struct {
	board *Board
	mu    sync.Mutex
	tiles map[domain.PeerID]*Tile
}

func NewGrid(board *Board) *Grid {
	return &Grid{board: board, tiles: make(map[domain.PeerID]*Tile)}
}

func (g *Grid) SurfaceFor(peer domain.PeerID) core.Surface {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tiles[peer]
	if !ok {
		t = g.board.NewTile("grid/" + string(peer))
		g.tiles[peer] = t
	}
	return t
}

// Remove drops the peer's tile and frees whatever it held.
func (g *Grid) Remove(peer domain.PeerID) {
	g.mu.Lock()
	t, ok := g.tiles[peer]
	delete(g.tiles, peer)
	g.mu.Unlock()
	if !ok {
		return
	}
	if tr, ok := t.Track(); ok {
		t.Detach(tr)
	}
}

// Tiles lists the grid tiles ordered by id.
func (g *Grid) Tiles() []*Tile {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Tile, 0, len(g.tiles))
	for _, t := range g.tiles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
