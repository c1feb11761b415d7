package rtc

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// CodecRegistrar fills a MediaEngine. Capture backends register the codecs
// their encoders produce; receivers use the pion defaults.
type CodecRegistrar func(m *webrtc.MediaEngine) error

func DefaultCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Factory builds peer connections sharing one configured webrtc API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func ICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

func NewFactory(cfg config.WebRTC, register CodecRegistrar) (*Factory, error) {
	if register == nil {
		register = DefaultCodecs
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := register(mediaEngine); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	disconnected, failed, keepalive := cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepalive
	if disconnected <= 0 {
		disconnected = 5 * time.Second
	}
	if failed <= 0 {
		failed = 25 * time.Second
	}
	if keepalive <= 0 {
		keepalive = 2 * time.Second
	}
	se.SetICETimeouts(disconnected, failed, keepalive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: ICEServers(cfg.ICEServers)},
	}, nil
}

// WithICEServer appends a server, used for the embedded TURN relay.
func (f *Factory) WithICEServer(s webrtc.ICEServer) {
	f.config.ICEServers = append(f.config.ICEServers, s)
}

func (f *Factory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.config)
}

// NewConnection satisfies core.ConnectionFactory.
func (f *Factory) NewConnection(_ context.Context, key domain.SessionKey) (core.MediaConnection, error) {
	pc, err := f.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	return newConnection(pc, key), nil
}
