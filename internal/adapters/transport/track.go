package transport

import (
	"github.com/dkeye/presence/internal/domain"
	"github.com/pion/webrtc/v4"
)

// localSource is implemented by capture tracks that can be published.
type localSource interface {
	Local() webrtc.TrackLocal
}

// outgoing is a published track. Muting swaps local out of the sender and
// keeps the transceiver.
type outgoing struct {
	sender *webrtc.RTPSender
	kind   domain.Kind
	local  webrtc.TrackLocal
}

// remoteTrack is a subscribed track. Rendering is not done here; packets are
// read and discarded so pion's buffers keep moving.
type remoteTrack struct {
	id    string
	kind  domain.Kind
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string        { return r.id }
func (r *remoteTrack) Kind() domain.Kind { return r.kind }

// Remote exposes the pion track to a renderer.
func (r *remoteTrack) Remote() *webrtc.TrackRemote { return r.track }

func (r *remoteTrack) drain(onEnd func()) {
	for {
		if _, _, err := r.track.ReadRTP(); err != nil {
			onEnd()
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
