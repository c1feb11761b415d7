package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/app/sfu"
	"github.com/dkeye/Proctor/internal/domain"
)

var ErrNoTracks = errors.New("stream has no live tracks")

// ServeViewer answers a viewer's offer with a connection that mirrors every
// live track of stream. The answer carries all gathered candidates.
func (f *Factory) ServeViewer(ctx context.Context, stream *sfu.RemoteStream, offer domain.SessionDescription) (domain.SessionDescription, error) {
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return domain.SessionDescription{}, ErrNoTracks
	}
	pc, err := f.NewPeerConnection()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	viewer := uuid.NewString()
	logger := log.With().Str("module", "webrtc.viewer").Str("viewer", viewer).Logger()

	fail := func(err error) (domain.SessionDescription, error) {
		stream.RemoveViewer(viewer)
		_ = pc.Close()
		return domain.SessionDescription{}, err
	}

	for _, ti := range tracks {
		local, err := webrtc.NewTrackLocalStaticRTP(ti.Codec, ti.ID, ti.StreamID)
		if err != nil {
			return fail(fmt.Errorf("local track: %w", err))
		}
		sender, err := pc.AddTrack(local)
		if err != nil {
			return fail(fmt.Errorf("add track: %w", err))
		}
		go drainRTCP(sender)
		stream.AddViewer(viewer, ti.ID, local)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("peer_connection_state", s.String()).Msg("viewer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			stream.RemoveViewer(viewer)
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(toPionDescription(offer)); err != nil {
		return fail(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	logger.Info().Int("tracks", len(tracks)).Msg("viewer attached")
	return fromPionDescription(*pc.LocalDescription()), nil
}

// drainRTCP keeps interceptors running for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
