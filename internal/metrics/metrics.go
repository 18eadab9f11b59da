// Package metrics exposes hub counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

// Hub groups the hub's collectors. A nil *Hub is valid and records nothing.
type Hub struct {
	Members      prometheus.Gauge
	Channels     prometheus.Gauge
	Relays       prometheus.Gauge
	Joins        *prometheus.CounterVec
	StateFrames  *prometheus.CounterVec
	Snapshots    prometheus.Counter
	Backpressure *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Hub {
	f := promauto.With(reg)
	return &Hub{
		Members: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "members",
			Help: "Members currently joined to a channel.",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channels",
			Help: "Channels with at least one member.",
		}),
		Relays: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relays",
			Help: "Published tracks forwarded by the SFU.",
		}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "joins_total",
			Help: "Join attempts by result.",
		}, []string{"result"}),
		StateFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_frames_total",
			Help: "Inbound state frames by result.",
		}, []string{"result"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_total",
			Help: "Snapshot frames broadcast.",
		}),
		Backpressure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backpressure_total",
			Help: "Frames that could not be queued, by policy action.",
		}, []string{"action"}),
	}
}

func (h *Hub) Join(result string) {
	if h != nil {
		h.Joins.WithLabelValues(result).Inc()
	}
}

func (h *Hub) State(result string) {
	if h != nil {
		h.StateFrames.WithLabelValues(result).Inc()
	}
}

func (h *Hub) Snapshot() {
	if h != nil {
		h.Snapshots.Inc()
	}
}

func (h *Hub) Dropped(action string) {
	if h != nil {
		h.Backpressure.WithLabelValues(action).Inc()
	}
}

func (h *Hub) MembersDelta(d float64) {
	if h != nil {
		h.Members.Add(d)
	}
}

func (h *Hub) SetChannels(n int) {
	if h != nil {
		h.Channels.Set(float64(n))
	}
}

func (h *Hub) RelaysDelta(d float64) {
	if h != nil {
		h.Relays.Add(d)
	}
}
