// Package coretest provides in-memory doubles of the core ports for tests.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// Events is an ordered, concurrency-safe log of named calls.
type Events struct {
	mu   sync.Mutex
	list []string
}

func (e *Events) Add(name string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.list = append(e.list, name)
	e.mu.Unlock()
}

func (e *Events) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

// Conn is a MediaConnection that negotiates instantly and whose transport
// state is driven by the test. It keeps what was applied to it.
type Conn struct {
	Events *Events

	mu       sync.Mutex
	remote   []domain.SessionDescription
	added    []domain.ICECandidate
	offers   int
	awaiting bool
	state    core.TransportState
	closed   bool
	onState  func(core.TransportState)
}

var _ core.MediaConnection = (*Conn)(nil)

func (c *Conn) AddTrack(webrtc.TrackLocal) error { return nil }

func (c *Conn) CreateOffer(_ context.Context, iceRestart bool) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	c.awaiting = true
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf("fake-offer-%d-%v", c.offers, iceRestart)}, nil
}

func (c *Conn) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (c *Conn) SetRemoteDescription(d domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.remote = append(c.remote, d)
	if d.Type == domain.SDPTypeAnswer {
		c.awaiting = false
	}
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remote) > 0
}

func (c *Conn) AwaitingAnswer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

func (c *Conn) AddICECandidate(cand domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return errors.New("no remote description")
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *Conn) TransportState() core.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) OnICECandidate(func(domain.ICECandidate)) {}

func (c *Conn) OnTransportStateChange(fn func(core.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Events.Add("transport.close")
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Remote returns the descriptions applied so far, oldest first.
func (c *Conn) Remote() []domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionDescription(nil), c.remote...)
}

// Candidates returns the remote candidates applied so far.
func (c *Conn) Candidates() []domain.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidate(nil), c.added...)
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// SetTransport reports st to the connection's state handler.
func (c *Conn) SetTransport(st core.TransportState) {
	c.mu.Lock()
	c.state = st
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Factory hands out Conns and keeps them per session key.
type Factory struct {
	Events *Events
	// Err, when set, is returned instead of a connection.
	Err error

	mu    sync.Mutex
	conns map[domain.SessionKey][]*Conn
	calls int
}

func (f *Factory) New(_ context.Context, key domain.SessionKey) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.conns == nil {
		f.conns = make(map[domain.SessionKey][]*Conn)
	}
	c := &Conn{Events: f.Events}
	f.conns[key] = append(f.conns[key], c)
	return c, nil
}

func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Count returns how many connections were made for key.
func (f *Factory) Count(key domain.SessionKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[key])
}

// Last returns the newest connection made for key.
func (f *Factory) Last(key domain.SessionKey) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[key]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// LocalStream is a capture without tracks.
type LocalStream struct {
	Events  *Events
	stopped atomic.Bool
}

func (l *LocalStream) Tracks() []webrtc.TrackLocal { return nil }
func (l *LocalStream) HasAudio() bool              { return true }
func (l *LocalStream) HasVideo() bool              { return true }

func (l *LocalStream) Stop() {
	l.stopped.Store(true)
	l.Events.Add("capture.stop")
}

func (l *LocalStream) Stopped() bool { return l.stopped.Load() }

// Capturer counts Capture calls.
type Capturer struct {
	Events *Events
	// Err, when set, fails every capture with a MediaAccessError.
	Err error

	calls  atomic.Int32
	mu     sync.Mutex
	stream *LocalStream
}

func (c *Capturer) Capture(context.Context, core.CaptureConstraints) (core.LocalStream, error) {
	c.calls.Add(1)
	if c.Err != nil {
		return nil, &core.MediaAccessError{Err: c.Err}
	}
	s := &LocalStream{Events: c.Events}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
	return s, nil
}

func (c *Capturer) Calls() int { return int(c.calls.Load()) }

// Stream returns the last captured stream.
func (c *Capturer) Stream() *LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// RemoteStream is a controllable core.RemoteStream.
type RemoteStream struct {
	Events *Events

	active  atomic.Bool
	stopped atomic.Int32
}

func (r *RemoteStream) Attach(*webrtc.TrackRemote) {}
func (r *RemoteStream) Active() bool                { return r.active.Load() && r.stopped.Load() == 0 }
func (r *RemoteStream) SetActive(v bool)            { r.active.Store(v) }
func (r *RemoteStream) Stops() int                  { return int(r.stopped.Load()) }

func (r *RemoteStream) Stop() {
	if r.stopped.Add(1) == 1 {
		r.Events.Add("stream.stop")
	}
}

// Channel wraps a SignalChannel and logs every Unsubscribe.
type Channel struct {
	core.SignalChannel
	Events *Events
}

func (c *Channel) SubscribeLatest(ctx context.Context, key domain.SessionKey, fn func(json.RawMessage)) (core.Subscription, error) {
	sub, err := c.SignalChannel.SubscribeLatest(ctx, key, fn)
	if err != nil {
		return nil, err
	}
	return c.wrap(sub), nil
}

func (c *Channel) SubscribeAppended(ctx context.Context, key domain.SessionKey, topic domain.Topic, fn func(domain.Item)) (core.Subscription, error) {
	sub, err := c.SignalChannel.SubscribeAppended(ctx, key, topic, fn)
	if err != nil {
		return nil, err
	}
	return c.wrap(sub), nil
}

func (c *Channel) wrap(sub core.Subscription) core.Subscription {
	var once sync.Once
	return core.SubscriptionFunc(func() {
		once.Do(func() { c.Events.Add("unsubscribe") })
		sub.Unsubscribe()
	})
}

// Violations records ViolationStore writes.
type Violations struct {
	mu      sync.Mutex
	counts  []int
	rejects []int
	// Err fails every write.
	Err error
}

var _ core.ViolationStore = (*Violations)(nil)

func (v *Violations) RecordViolation(_ context.Context, _ domain.CandidateID, count int, _ time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts = append(v.counts, count)
	return v.Err
}

func (v *Violations) Reject(_ context.Context, _ domain.CandidateID, finalCount int, _ time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejects = append(v.rejects, finalCount)
	return v.Err
}

func (v *Violations) Counts() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.counts...)
}

func (v *Violations) Rejects() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.rejects...)
}

// ErrDenied is a typical capture failure.
var ErrDenied = errors.New("permission denied")
