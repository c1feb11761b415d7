package core

import (
	"context"

	"github.com/dkeye/Proctor/internal/domain"
	"github.com/pion/webrtc/v4"
)

// TransportState is the connection state reported by a MediaConnection.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// MediaConnection is one peer-to-peer media transport.
type MediaConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	HasRemoteDescription() bool
	// AwaitingAnswer reports whether a local offer is pending an answer.
	AwaitingAnswer() bool
	AddICECandidate(c domain.ICECandidate) error
	TransportState() TransportState
	OnICECandidate(fn func(domain.ICECandidate))
	// OnTransportStateChange handlers are called in order, never concurrently.
	OnTransportStateChange(fn func(TransportState))
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	Close() error
}

// ConnectionFactory builds a fresh MediaConnection for a session key.
type ConnectionFactory func(ctx context.Context, key domain.SessionKey) (MediaConnection, error)

// RemoteStream collects the remote tracks of one answering session.
type RemoteStream interface {
	Attach(track *webrtc.TrackRemote)
	// Active reports whether media is currently flowing.
	Active() bool
	// Stop releases the received tracks. Safe to call more than once.
	Stop()
}
