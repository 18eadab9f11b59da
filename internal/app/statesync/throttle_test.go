package statesync

import (
	"testing"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	walk := domain.State{X: 1, Direction: "right", Moving: true}

	assert.True(t, th.Offer(walk, ms(0)), "first state always goes out")

	walk.X = 2
	assert.False(t, th.Offer(walk, ms(10)))
	assert.True(t, th.Offer(walk, ms(50)))

	walk.X = 3
	walk.Direction = "up"
	assert.True(t, th.Offer(walk, ms(55)), "direction change is immediate")

	stop := walk
	stop.Moving = false
	assert.True(t, th.Offer(stop, ms(56)), "stopping is immediate")

	assert.False(t, th.Offer(stop, ms(500)), "unchanged state is not resent")
}
