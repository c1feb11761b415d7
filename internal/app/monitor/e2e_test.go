package monitor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/adapters/rtc"
	"github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/app/candidate"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// sampleStream writes placeholder VP8 and opus frames until stopped.
type sampleStream struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample
	once  sync.Once
	done  chan struct{}
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{s.video, s.audio} }
func (s *sampleStream) HasAudio() bool              { return true }
func (s *sampleStream) HasVideo() bool              { return true }
func (s *sampleStream) Stop()                       { s.once.Do(func() { close(s.done) }) }

func (s *sampleStream) run(track *webrtc.TrackLocalStaticSample, every time.Duration, frame []byte) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: frame, Duration: every})
		}
	}
}

type sampleCapturer struct{}

func (sampleCapturer) Capture(context.Context, core.CaptureConstraints) (core.LocalStream, error) {
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "exam")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "exam")
	if err != nil {
		return nil, err
	}
	s := &sampleStream{video: video, audio: audio, done: make(chan struct{})}
	// keyframe-shaped VP8 header, then filler
	go s.run(video, 33*time.Millisecond, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00})
	go s.run(audio, 20*time.Millisecond, []byte{0xf8, 0xff, 0xfe})
	return s, nil
}

type loopback struct {
	store    *docstore.Store
	registry *Registry
	factory  *rtc.Factory
}

// startLoopback runs a registry whose sessions signal over admin.
func startLoopback(t *testing.T, admin core.SignalChannel) *loopback {
	t.Helper()
	store := newStore(t)
	factory, err := rtc.NewFactory(config.WebRTC{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if admin == nil {
		admin = store
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := New(Deps{
		Channel:       admin,
		Roster:        store,
		NewConnection: factory.NewConnection,
	}, Options{
		SweepInterval: 100 * time.Millisecond,
		RefreshDelay:  50 * time.Millisecond,
		GraceWindow:   2 * time.Second,
		StreamIdle:    time.Second,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = registry.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &loopback{store: store, registry: registry, factory: factory}
}

func (l *loopback) status(id domain.CandidateID) Status {
	for _, v := range l.registry.Snapshot() {
		if v.ID == id {
			return v.Status
		}
	}
	return ""
}

func (l *loopback) candidate(t *testing.T, channel core.SignalChannel) *candidate.Manager {
	t.Helper()
	mgr := candidate.New(candidate.Deps{
		Capturer:      sampleCapturer{},
		Channel:       channel,
		Violations:    l.store,
		NewConnection: l.factory.NewConnection,
	}, candidate.Options{GraceWindow: 2 * time.Second})
	if err := mgr.AcquireCamera(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !mgr.HasVideo() || !mgr.HasAudio() {
		t.Fatalf("capture flags video=%v audio=%v, want both", mgr.HasVideo(), mgr.HasAudio())
	}
	return mgr
}

func (l *loopback) streamUntilLive(t *testing.T, mgr *candidate.Manager, id domain.CandidateID) {
	t.Helper()
	ctx := context.Background()
	if err := mgr.StartStreaming(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 20*time.Second, "admin sees LIVE", func() bool { return l.status(id) == StatusLive })
	if !mgr.Connected() {
		t.Fatal("candidate side not connected")
	}
	if _, ok := l.registry.Stream(id); !ok {
		t.Fatal("no remote stream for viewers")
	}

	if err := mgr.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 10*time.Second, "admin sees OFFLINE", func() bool { return l.status(id) == StatusOffline })
}

func TestEndToEndLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("peer connections over loopback")
	}
	l := startLoopback(t, nil)
	const id domain.CandidateID = "alice"
	if err := l.store.UpsertCandidate(context.Background(), domain.RosterEntry{ID: id, DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	mgr := l.candidate(t, l.store)
	l.streamUntilLive(t, mgr, id)
}

func TestEndToEndOverPushRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("peer connections over loopback")
	}
	hub := signal.NewHub(signal.HubOptions{PingPeriod: time.Second, Limiter: signal.NewJoinRateLimiter(100, time.Second)})
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(hubCtx, w, r, fmt.Sprintf("conn-%d", n.Add(1)))
	}))
	t.Cleanup(srv.Close)

	admin := hub.Local("monitor")
	t.Cleanup(admin.Close)
	l := startLoopback(t, admin)

	const id domain.CandidateID = "bob"
	key := domain.SessionKeyFor(id)
	if err := l.store.UpsertCandidate(context.Background(), domain.RosterEntry{ID: id, DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	// the relay keeps nothing, so the admin session must be listening first
	waitFor(t, 5*time.Second, "admin joined the key", func() bool { return hub.Members(key) > 0 })

	push, err := signal.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(push.Close)

	mgr := l.candidate(t, push)
	l.streamUntilLive(t, mgr, id)
}
