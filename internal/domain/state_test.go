package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLerp(t *testing.T) {
	a := State{X: 0, Y: 10, Direction: "left", Moving: true}
	b := State{X: 10, Y: 30, Direction: "down"}

	mid := a.Lerp(b, 0.5)
	assert.InDelta(t, 5, mid.X, 1e-9)
	assert.InDelta(t, 20, mid.Y, 1e-9)
	assert.Equal(t, "left", mid.Direction)
	assert.True(t, mid.Moving)

	assert.Equal(t, b, a.Lerp(b, 1))
	assert.Equal(t, a, a.Lerp(b, 0))
}

func TestStateDistance(t *testing.T) {
	assert.InDelta(t, 5, State{X: 0, Y: 0}.Distance(State{X: 3, Y: 4}), 1e-9)
	assert.Zero(t, State{X: 7, Y: 7}.Distance(State{X: 7, Y: 7}))
}

func TestStateValidate(t *testing.T) {
	require.NoError(t, State{X: 100, Y: -200, Direction: "up"}.Validate())

	for name, s := range map[string]State{
		"nan":       {X: math.NaN()},
		"inf":       {Y: math.Inf(1)},
		"too far":   {X: MaxCoordinate + 1},
		"direction": {Direction: "upupupupupupupupup"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Validate(), ErrProtocol)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	_, err = ParseKind("screen")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNewChannel(t *testing.T) {
	ch, err := NewChannel("office-1", Credentials{AppID: "app"})
	require.NoError(t, err)
	assert.Equal(t, ChannelID("office-1"), ch.ID)

	_, err = NewChannel("", Credentials{})
	assert.ErrorIs(t, err, ErrChannelEmpty)
}
