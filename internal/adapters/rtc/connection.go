package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

var _ core.MediaConnection = (*Connection)(nil)

// Connection adapts a pion PeerConnection to core.MediaConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	key    domain.SessionKey
	logger zerolog.Logger

	mu      sync.RWMutex
	onICE   func(domain.ICECandidate)
	onState func(core.TransportState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	states    chan core.TransportState
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(pc *webrtc.PeerConnection, key domain.SessionKey) *Connection {
	c := &Connection{
		pc:     pc,
		key:    key,
		logger: log.With().Str("module", "webrtc").Str("key", string(key)).Logger(),
		states: make(chan core.TransportState, 16),
		done:   make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		select {
		case c.states <- transportState(s):
		case <-c.done:
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(fromPionCandidate(cand.ToJSON()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	go c.deliverStates()
	return c
}

// deliverStates hands state changes to the handler in order, off the pion
// callback goroutine.
func (c *Connection) deliverStates() {
	for {
		select {
		case s := <-c.states:
			c.mu.RLock()
			fn := c.onState
			c.mu.RUnlock()
			if fn != nil {
				fn(s)
			}
		case <-c.done:
			return
		}
	}
}

func transportState(s webrtc.ICEConnectionState) core.TransportState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return core.TransportConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return core.TransportConnected
	case webrtc.ICEConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.ICEConnectionStateFailed:
		return core.TransportFailed
	case webrtc.ICEConnectionStateClosed:
		return core.TransportClosed
	}
	return core.TransportNew
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *Connection) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (c *Connection) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (c *Connection) SetRemoteDescription(desc domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPionDescription(desc))
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AwaitingAnswer() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(toPionCandidate(cand))
}

func (c *Connection) TransportState() core.TransportState {
	return transportState(c.pc.ICEConnectionState())
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTransportStateChange(fn func(core.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
		if err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return err
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPionCandidate(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toPionCandidate(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
