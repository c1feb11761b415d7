//go:build !linux

package capture

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Proctor/internal/core"
)

// Capturer reports every capture as unavailable: native drivers are Linux only.
type Capturer struct{}

func New() (*Capturer, error) { return &Capturer{}, nil }

func (c *Capturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capturer) Capture(context.Context, core.CaptureConstraints) (core.LocalStream, error) {
	return nil, &core.MediaAccessError{Err: errors.New("local capture is not supported on this platform")}
}
