package device

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	s := NewSynthetic("alice")
	tr, err := s.Acquire(context.Background(), domain.KindAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, tr.Kind())
	assert.Equal(t, []domain.Kind{domain.KindAudio}, s.Open())

	_, err = s.Acquire(context.Background(), domain.KindAudio)
	require.ErrorIs(t, err, domain.ErrDevice, "an open device is not handed out twice")

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Empty(t, s.Open())

	again, err := s.Acquire(context.Background(), domain.KindAudio)
	require.NoError(t, err)
	assert.NotEqual(t, tr.ID(), again.ID())
	require.NoError(t, again.Close())
}

func TestDisabledDevice(t *testing.T) {
	s := NewSynthetic("alice")
	s.Disabled = map[domain.Kind]bool{domain.KindVideo: true}

	_, err := s.Acquire(context.Background(), domain.KindVideo)
	require.ErrorIs(t, err, domain.ErrDevice)
	_, err = s.Acquire(context.Background(), "screen")
	require.ErrorIs(t, err, domain.ErrDevice)

	tr, err := s.Acquire(context.Background(), domain.KindAudio)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
}

func TestAcquireCanceled(t *testing.T) {
	s := NewSynthetic("alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Acquire(ctx, domain.KindAudio)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Open())
}

func TestSamplesFlowUntilClosed(t *testing.T) {
	s := NewSynthetic("alice")
	lt, err := s.Acquire(context.Background(), domain.KindAudio)
	require.NoError(t, err)
	tr := lt.(*Track)
	assert.NotNil(t, tr.Local())

	require.Eventually(t, func() bool { return tr.Frames() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())
	n := tr.Frames()
	time.Sleep(3 * audioFrame)
	assert.Equal(t, n, tr.Frames())
}
