package core

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubUnsubscribeIdempotent(t *testing.T) {
	var stops atomic.Int32
	s := NewSub(func() { stops.Add(1) })
	s.Unsubscribe()
	s.Unsubscribe()
	if got := stops.Load(); got != 1 {
		t.Fatalf("onStop called %d times, want 1", got)
	}
	if s.Deliver(func() { t.Fatal("delivered after unsubscribe") }) {
		t.Fatal("Deliver reported success after unsubscribe")
	}
}

func TestSubUnsubscribeWaitsForDelivery(t *testing.T) {
	s := NewSub(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	go s.Deliver(func() {
		close(entered)
		<-release
		finished.Store(true)
	})
	<-entered

	done := make(chan struct{})
	go func() {
		s.Unsubscribe()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Unsubscribe returned while a handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	if !finished.Load() {
		t.Fatal("handler did not finish before Unsubscribe returned")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("permission denied")
	var err error = &MediaAccessError{Err: cause}
	if !errors.Is(err, ErrMediaAccess) || !errors.Is(err, cause) {
		t.Fatalf("MediaAccessError must match sentinel and cause: %v", err)
	}

	err = &NegotiationError{Op: "publish offer", Err: &ChannelPublishError{Key: "k", Topic: "record", Err: cause}}
	var pubErr *ChannelPublishError
	if !errors.As(err, &pubErr) || pubErr.Topic != "record" {
		t.Fatalf("NegotiationError must unwrap to ChannelPublishError: %v", err)
	}
}
