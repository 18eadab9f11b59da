package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// NewAPI builds the pion API shared by every PeerConnection of a process:
// default codecs, default interceptors and zerolog-backed logging.
func NewAPI(logLevel zerolog.Level) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	s := webrtc.SettingEngine{LoggerFactory: NewPionLogger(logLevel)}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// Configuration turns ICE server urls into a PeerConnection configuration.
func Configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}
