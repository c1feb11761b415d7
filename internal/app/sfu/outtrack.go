package sfu

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStatePaused
	TrackStateDelete
)

// OutTrack is one viewer's copy of a candidate track.
type OutTrack struct {
	Viewer string
	Track  *webrtc.TrackLocalStaticRTP
	state  atomic.Int32
}

func NewOutTrack(viewer string, track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Viewer: viewer, Track: track}
}

func (ot *OutTrack) State() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) Resume() { ot.state.Store(int32(TrackStateOk)) }

func (ot *OutTrack) Pause() { ot.state.Store(int32(TrackStatePaused)) }

func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }
