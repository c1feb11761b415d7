// Package capture acquires the candidate's camera and microphone.
package capture

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Proctor/internal/core"
)

// stream is a core.LocalStream over captured tracks.
type stream struct {
	tracks   []webrtc.TrackLocal
	hasAudio bool
	hasVideo bool

	once  sync.Once
	close func()
}

func (s *stream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *stream) HasAudio() bool              { return s.hasAudio }
func (s *stream) HasVideo() bool              { return s.hasVideo }

func (s *stream) Stop() {
	s.once.Do(func() {
		if s.close != nil {
			s.close()
		}
	})
}

var _ core.LocalStream = (*stream)(nil)
