package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay reads one remote track and copies its packets to viewer OutTracks.
type Relay struct {
	Src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	ended     bool

	onPacket func()
}

func NewRelay(src *webrtc.TrackRemote, onPacket func()) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[string]*OutTrack),
		onPacket:  onPacket,
	}
}

// loop runs until the source track ends (its connection closed) or ctx is done.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer func() {
		r.mu.Lock()
		r.ended = true
		r.mu.Unlock()
		r.markAllDelete()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			return
		}
		if r.onPacket != nil {
			r.onPacket()
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) Ended() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ended
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	if len(r.outTracks) == 0 {
		r.mu.RUnlock()
		return
	}
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for viewer, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = append(dirty, viewer)
		case TrackStatePaused:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("viewer", viewer).Msg("relay write RTP error, dropping viewer")
				ot.MarkDelete()
				dirty = append(dirty, viewer)
			}
		}
	}
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, v := range dirty {
			delete(r.outTracks, v)
		}
		r.mu.Unlock()
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) addOutTrack(ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[ot.Viewer] = ot
}

func (r *Relay) removeViewer(viewer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outTracks[viewer]; ok {
		ot.MarkDelete()
		delete(r.outTracks, viewer)
	}
}
