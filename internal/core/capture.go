package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type VideoConstraints struct {
	Width     int     `mapstructure:"width"`
	Height    int     `mapstructure:"height"`
	FrameRate float32 `mapstructure:"frame_rate"`
}

type AudioConstraints struct {
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
	SampleRate       int  `mapstructure:"sample_rate"`
	ChannelCount     int  `mapstructure:"channel_count"`
}

// CaptureConstraints are ideal values; devices pick the closest match.
type CaptureConstraints struct {
	Video VideoConstraints `mapstructure:"video"`
	Audio AudioConstraints `mapstructure:"audio"`
}

func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		Video: VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       44100,
			ChannelCount:     1,
		},
	}
}

// LocalStream is captured camera and microphone media.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	HasAudio() bool
	HasVideo() bool
	// Stop ends every track and releases the devices.
	Stop()
}

// Capturer acquires local media. Failures are *MediaAccessError.
type Capturer interface {
	Capture(ctx context.Context, c CaptureConstraints) (LocalStream, error)
}
