// Package sfu keeps the remote media of monitored candidates: it tracks
// whether packets are still flowing and fans them out to admin viewers.
package sfu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

var _ core.RemoteStream = (*RemoteStream)(nil)

// TrackInfo describes a received track so viewers can mirror it.
type TrackInfo struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Codec    webrtc.RTPCodecCapability
}

// RemoteStream is the received media of one candidate.
type RemoteStream struct {
	id     domain.CandidateID
	idle   time.Duration
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	relays  map[string]*Relay
	stopped bool

	lastPacket atomic.Int64
}

func NewRemoteStream(id domain.CandidateID, idle time.Duration) *RemoteStream {
	if idle <= 0 {
		idle = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteStream{
		id:     id,
		idle:   idle,
		logger: log.With().Str("module", "sfu").Str("candidate", string(id)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		relays: make(map[string]*Relay),
	}
}

// Attach starts relaying a newly received track.
func (s *RemoteStream) Attach(track *webrtc.TrackRemote) {
	relay := NewRelay(track, s.touch)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.relays[track.ID()]; ok {
		s.logger.Info().Str("track_id", track.ID()).Msg("replacing relay for track")
		old.markAllDelete()
	}
	s.relays[track.ID()] = relay
	s.mu.Unlock()

	logger := s.logger.With().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Logger()
	logger.Info().Msg("starting relay loop")
	go relay.loop(s.ctx, &logger)
}

func (s *RemoteStream) touch() {
	s.lastPacket.Store(time.Now().UnixNano())
}

// Active reports whether packets arrived within the idle timeout on a live track.
func (s *RemoteStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	alive := false
	for _, r := range s.relays {
		if !r.Ended() {
			alive = true
			break
		}
	}
	if !alive {
		return false
	}
	last := s.lastPacket.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < s.idle
}

func (s *RemoteStream) HasTracks() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.relays) > 0
}

func (s *RemoteStream) Tracks() []TrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackInfo, 0, len(s.relays))
	for _, r := range s.relays {
		if r.Ended() {
			continue
		}
		out = append(out, TrackInfo{
			ID:       r.Src.ID(),
			StreamID: r.Src.StreamID(),
			Kind:     r.Src.Kind(),
			Codec:    r.Src.Codec().RTPCodecCapability,
		})
	}
	return out
}

// AddViewer feeds track trackID into a viewer's local track.
func (s *RemoteStream) AddViewer(viewer, trackID string, local *webrtc.TrackLocalStaticRTP) bool {
	s.mu.RLock()
	relay, ok := s.relays[trackID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	relay.addOutTrack(NewOutTrack(viewer, local))
	return true
}

func (s *RemoteStream) RemoveViewer(viewer string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.relays {
		r.removeViewer(viewer)
	}
}

// Stop ends relaying. Relay loops blocked in ReadRTP return once the
// owning connection is closed.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	relays := s.relays
	s.relays = make(map[string]*Relay)
	s.mu.Unlock()

	s.cancel()
	for _, r := range relays {
		r.markAllDelete()
	}
	s.logger.Info().Msg("remote stream stopped")
}
