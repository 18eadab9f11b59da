package statesync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.UnixMilli(1_700_000_000_000)

func ms(n int) time.Time { return base.Add(time.Duration(n) * time.Millisecond) }

func at(n int, x float64) domain.Sample {
	return domain.Sample{At: ms(n), State: domain.State{X: x}}
}

func newEngine(mut ...func(*Config)) *Engine {
	cfg := DefaultConfig()
	for _, m := range mut {
		m(&cfg)
	}
	return New(cfg)
}

func TestQueryInterpolatesBracket(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(0, 0), ms(0)))
	require.NoError(t, e.Push("a", at(100, 10), ms(100)))

	got, ok := e.Query("a", ms(150))
	require.True(t, ok)
	assert.InDelta(t, 5.0, got.X, 1e-9)
}

func TestQueryDiscreteFieldsFromOlderSample(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", domain.Sample{At: ms(0), State: domain.State{Direction: "left", Moving: true}}, ms(0)))
	require.NoError(t, e.Push("a", domain.Sample{At: ms(100), State: domain.State{X: 10, Direction: "up"}}, ms(100)))

	got, _ := e.Query("a", ms(150))
	assert.Equal(t, "left", got.Direction)
	assert.True(t, got.Moving)
}

func TestQueryEmptyAndSingle(t *testing.T) {
	e := newEngine()
	_, ok := e.Query("a", ms(0))
	assert.False(t, ok)

	s := domain.Sample{At: ms(0), State: domain.State{X: 3, Y: 4, Direction: "down", Moving: true}}
	require.NoError(t, e.Push("a", s, ms(0)))
	for _, now := range []int{-500, 0, 100, 5000} {
		got, ok := e.Query("a", ms(now))
		require.True(t, ok)
		assert.Equal(t, s.State, got)
	}
}

func TestQueryHoldsFirstBeforeBuffer(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(1000, 7), ms(0)))
	require.NoError(t, e.Push("a", at(1100, 9), ms(0)))

	got, _ := e.Query("a", ms(500))
	assert.Equal(t, 7.0, got.X)
}

func TestOverrunFreeze(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", domain.Sample{At: ms(0), State: domain.State{X: 0, Moving: true}}, ms(0)))
	require.NoError(t, e.Push("a", domain.Sample{At: ms(100), State: domain.State{X: 10, Moving: true}}, ms(100)))

	got, _ := e.Query("a", ms(1000))
	assert.Equal(t, 10.0, got.X)
}

func TestOverrunExtrapolateIsBounded(t *testing.T) {
	e := newEngine(func(c *Config) {
		c.Overrun = Extrapolate
		c.MaxExtrapolation = 200 * time.Millisecond
	})
	require.NoError(t, e.Push("a", domain.Sample{At: ms(0), State: domain.State{X: 0, Moving: true}}, ms(0)))
	require.NoError(t, e.Push("a", domain.Sample{At: ms(100), State: domain.State{X: 10, Moving: true}}, ms(100)))

	got, _ := e.Query("a", ms(250))
	assert.InDelta(t, 15.0, got.X, 1e-9)

	got, _ = e.Query("a", ms(5000))
	assert.InDelta(t, 30.0, got.X, 1e-9)
}

func TestExtrapolateStopsWhenNotMoving(t *testing.T) {
	e := newEngine(func(c *Config) { c.Overrun = Extrapolate })
	require.NoError(t, e.Push("a", at(0, 0), ms(0)))
	require.NoError(t, e.Push("a", at(100, 10), ms(100)))

	got, _ := e.Query("a", ms(300))
	assert.Equal(t, 10.0, got.X)
}

func TestPushRejectsOutOfOrder(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(100, 1), ms(100)))

	err := e.Push("a", at(100, 2), ms(100))
	require.ErrorIs(t, err, domain.ErrProtocol)
	err = e.Push("a", at(50, 3), ms(100))
	require.ErrorIs(t, err, domain.ErrProtocol)

	assert.Equal(t, 1, e.Len("a"))
	got, _ := e.Query("a", ms(500))
	assert.Equal(t, 1.0, got.X)
}

func TestPushRejectsInvalidState(t *testing.T) {
	e := newEngine()
	err := e.Push("a", domain.Sample{At: ms(0), State: domain.State{X: 2 * domain.MaxCoordinate}}, ms(0))
	require.ErrorIs(t, err, domain.ErrProtocol)
	assert.Equal(t, 0, e.Len("a"))
}

func TestPushPrunesButKeepsBracket(t *testing.T) {
	e := newEngine()
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Push("a", at(i*50, float64(i)), ms(i*50)))
	}
	// render time is 350; only samples from 350 on are still needed
	assert.LessOrEqual(t, e.Len("a"), 4)
	assert.GreaterOrEqual(t, e.Len("a"), 2)

	got, _ := e.Query("a", ms(450))
	assert.InDelta(t, 7.0, got.X, 1e-9)
}

func TestPushCapsBuffer(t *testing.T) {
	e := newEngine(func(c *Config) { c.BufferSize = 4 })
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Push("a", at(i, float64(i)), ms(0)))
	}
	assert.Equal(t, 4, e.Len("a"))
}

func TestReconcileBlendsCorrection(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(0, 80), ms(0)))

	now := ms(200)
	c, err := e.Reconcile("a", at(10, 100), now)
	require.NoError(t, err)
	assert.True(t, c.Applied)
	assert.InDelta(t, 20.0, c.Diff, 1e-9)

	got, _ := e.Query("a", now)
	assert.InDelta(t, 80.0, got.X, 1e-9)

	got, _ = e.Query("a", now.Add(125*time.Millisecond))
	assert.InDelta(t, 90.0, got.X, 1e-9)

	got, _ = e.Query("a", now.Add(250*time.Millisecond))
	assert.InDelta(t, 100.0, got.X, 1e-9)

	got, _ = e.Query("a", now.Add(time.Second))
	assert.InDelta(t, 100.0, got.X, 1e-9)
}

func TestReconcileWithinThresholdKeepsBuffer(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(0, 80), ms(0)))

	c, err := e.Reconcile("a", at(10, 83), ms(200))
	require.NoError(t, err)
	assert.False(t, c.Applied)
	assert.InDelta(t, 3.0, c.Diff, 1e-9)

	got, _ := e.Query("a", ms(200))
	assert.Equal(t, 80.0, got.X)
}

func TestReconcileSeedsEmptyBuffer(t *testing.T) {
	e := newEngine()
	c, err := e.Reconcile("a", at(0, 42), ms(0))
	require.NoError(t, err)
	assert.True(t, c.Seeded)

	got, ok := e.Query("a", ms(0))
	require.True(t, ok)
	assert.Equal(t, 42.0, got.X)
}

func TestReconcileIgnoresStaleSnapshot(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(100, 10), ms(100)))
	c, err := e.Reconcile("a", at(50, 900), ms(100))
	require.NoError(t, err)
	assert.True(t, c.Stale)
	assert.False(t, c.Applied)
}

func TestReconcileKeepsNewerDeltas(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(0, 0), ms(0)))
	require.NoError(t, e.Push("a", at(100, 0), ms(100)))
	require.NoError(t, e.Push("a", at(200, 0), ms(200)))

	_, err := e.Reconcile("a", at(100, 50), ms(200))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Len("a"))

	got, _ := e.Query("a", ms(10_000))
	assert.Equal(t, 0.0, got.X)
}

func TestPurge(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.Push("a", at(0, 1), ms(0)))
	require.NoError(t, e.Push("b", at(0, 2), ms(0)))
	assert.Equal(t, []domain.PeerID{"a", "b"}, e.Peers())

	e.Purge("a")
	_, ok := e.Query("a", ms(0))
	assert.False(t, ok)
	assert.Equal(t, []domain.PeerID{"b"}, e.Peers())

	require.NoError(t, e.Push("a", at(0, 5), ms(0)))
	assert.Equal(t, 1, e.Len("a"))
}

// Interpolated positions never leave the bounding box of the buffered samples.
func TestQueryStaysWithinSampleBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 100; round++ {
		e := newEngine()
		lo, hi := 1e9, -1e9
		t0 := 0
		for i := 0; i < 8; i++ {
			t0 += 1 + rng.Intn(80)
			x := rng.Float64()*200 - 100
			lo, hi = min(lo, x), max(hi, x)
			require.NoError(t, e.Push("p", at(t0, x), ms(0)))
		}
		for q := 0; q < 20; q++ {
			got, ok := e.Query("p", ms(rng.Intn(t0+300)))
			require.True(t, ok)
			assert.GreaterOrEqual(t, got.X, lo-1e-9)
			assert.LessOrEqual(t, got.X, hi+1e-9)
		}
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	e := newEngine()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 2000; i++ {
			_ = e.Push("a", at(i, float64(i)), ms(i))
		}
	}()
	for {
		select {
		case <-done:
			got, ok := e.Query("a", ms(10_000))
			require.True(t, ok)
			assert.Equal(t, 2000.0, got.X)
			return
		default:
			_, _ = e.Query("a", ms(1000))
			_ = e.Len("a")
		}
	}
}
