package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/Proctor/internal/domain"
)

var (
	ErrMediaAccess                = errors.New("media access denied or no device")
	ErrTransportDegraded          = errors.New("transport degraded")
	ErrViolationThresholdExceeded = errors.New("violation threshold exceeded")
	ErrNoCapture                  = errors.New("no active local capture")
	ErrClosed                     = errors.New("closed")
	ErrNotFound                   = errors.New("not found")
)

// MediaAccessError is returned when camera or microphone cannot be opened.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() []error { return []error{ErrMediaAccess, e.Err} }

// NegotiationError means offer/answer creation, application or publish failed.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ChannelPublishError wraps a failed publish on a signal channel.
type ChannelPublishError struct {
	Key   domain.SessionKey
	Topic domain.Topic
	Err   error
}

func (e *ChannelPublishError) Error() string {
	return fmt.Sprintf("publish %s/%s: %v", e.Key, e.Topic, e.Err)
}

func (e *ChannelPublishError) Unwrap() error { return e.Err }
