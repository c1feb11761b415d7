//go:build linux

package capture

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
)

// Capturer opens V4L2 cameras and malgo microphones via pion/mediadevices.
type Capturer struct {
	selector *mediadevices.CodecSelector
}

func New() (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs populates a MediaEngine with the encoders used for capture.
func (c *Capturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

// Capture tries video+audio first, then each alone, so one missing device
// does not block the other.
func (c *Capturer) Capture(_ context.Context, cons core.CaptureConstraints) (core.LocalStream, error) {
	logger := log.With().Str("module", "capture").Logger()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, &core.MediaAccessError{Err: errors.New("no media devices found")}
	}
	for _, d := range devices {
		logger.Debug().Str("kind", d.Kind.String()).Str("label", d.Label).Msg("media device")
	}
	if cons.Audio.EchoCancellation || cons.Audio.NoiseSuppression || cons.Audio.AutoGainControl {
		logger.Debug().Msg("audio processing constraints are not supported by the native driver")
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
				m.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
				m.Width = prop.Int(cons.Video.Width)
				m.Height = prop.Int(cons.Video.Height)
				m.FrameRate = prop.Float(cons.Video.FrameRate)
			}
		}
		if a.audio {
			constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
				m.SampleRate = prop.Int(cons.Audio.SampleRate)
				m.ChannelCount = prop.Int(cons.Audio.ChannelCount)
			}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		raw := ms.GetTracks()
		s := &stream{}
		for _, t := range raw {
			t.OnEnded(func(err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("local track ended")
				}
			})
			s.tracks = append(s.tracks, t)
			switch t.Kind() {
			case webrtc.RTPCodecTypeVideo:
				s.hasVideo = true
			case webrtc.RTPCodecTypeAudio:
				s.hasAudio = true
			}
		}
		s.close = func() {
			for _, t := range raw {
				_ = t.Close()
			}
		}
		logger.Info().Str("attempt", a.label).Int("tracks", len(raw)).Msg("local media captured")
		return s, nil
	}
	return nil, &core.MediaAccessError{Err: lastErr}
}
