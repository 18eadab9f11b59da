package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHubCounters(t *testing.T) {
	h := New(prometheus.NewRegistry())
	h.Join("ok")
	h.Join("ok")
	h.Join("auth")
	h.State("relayed")
	h.MembersDelta(2)
	h.MembersDelta(-1)
	h.SetChannels(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.Joins.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Joins.WithLabelValues("auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.StateFrames.WithLabelValues("relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Members))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.Channels))
}

func TestNilHubIsNoop(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() {
		h.Join("ok")
		h.Snapshot()
		h.Dropped("kick")
		h.RelaysDelta(1)
	})
}
