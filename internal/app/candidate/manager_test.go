package candidate

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/core/coretest"
	"github.com/dkeye/Proctor/internal/domain"
)

type fixture struct {
	store      *docstore.Store
	events     *coretest.Events
	capturer   *coretest.Capturer
	factory    *coretest.Factory
	violations *coretest.Violations
	manager    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "candidate.db") + "?_pragma=busy_timeout(5000)"
	store, err := docstore.Open(context.Background(), docstore.DriverSQLite, dsn, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:      store,
		events:     &coretest.Events{},
		violations: &coretest.Violations{},
	}
	f.capturer = &coretest.Capturer{Events: f.events}
	f.factory = &coretest.Factory{Events: f.events}
	f.manager = New(Deps{
		Capturer:      f.capturer,
		Channel:       &coretest.Channel{SignalChannel: store, Events: f.events},
		Violations:    f.violations,
		NewConnection: f.factory.New,
	}, Options{
		GraceWindow:        50 * time.Millisecond,
		ViolationThreshold: 5,
		Email:              "alice@example.com",
		Retry:              config.Retry{MaxRetries: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	})
	t.Cleanup(func() { _ = f.manager.Stop(context.Background()) })
	return f
}

func (f *fixture) record(t *testing.T, id domain.CandidateID) domain.SignalRecord {
	t.Helper()
	doc, _, err := f.store.Record(context.Background(), domain.SessionKeyFor(id))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec, err := domain.ParseSignalRecord(doc)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (f *fixture) stream(t *testing.T, id domain.CandidateID) {
	t.Helper()
	ctx := context.Background()
	if err := f.manager.AcquireCamera(ctx); err != nil {
		t.Fatalf("AcquireCamera: %v", err)
	}
	if err := f.manager.StartStreaming(ctx, id); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
}

func TestAcquireCameraCapturesOnce(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var statuses []Status
	f.manager.OnStatusChange(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.manager.AcquireCamera(context.Background()); err != nil {
				t.Errorf("AcquireCamera: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.capturer.Calls(); n != 1 {
		t.Fatalf("capture called %d times", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(statuses, []Status{StatusChecking, StatusSuccess}) {
		t.Fatalf("statuses = %v", statuses)
	}
	if !f.manager.HasAudio() || !f.manager.HasVideo() {
		t.Fatal("capture flags not reported")
	}
}

func TestAcquireCameraFailure(t *testing.T) {
	f := newFixture(t)
	f.capturer.Err = coretest.ErrDenied
	err := f.manager.AcquireCamera(context.Background())
	var mae *core.MediaAccessError
	if !errors.As(err, &mae) || !errors.Is(err, core.ErrMediaAccess) || !errors.Is(err, coretest.ErrDenied) {
		t.Fatalf("unexpected error %v", err)
	}
	if err := f.manager.StartStreaming(context.Background(), "alice"); !errors.Is(err, core.ErrNoCapture) {
		t.Fatalf("StartStreaming without capture: %v", err)
	}
}

func TestStartStreamingPublishesOffer(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "alice")

	rec := f.record(t, "alice")
	if rec.Offer == nil || !rec.IsActive || rec.CandidateEmail != "alice@example.com" {
		t.Fatalf("record = %+v", rec)
	}
	if !f.manager.IsActive() {
		t.Fatal("manager not active")
	}
	// second call is a no-op
	if err := f.manager.StartStreaming(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if n := f.factory.Calls(); n != 1 {
		t.Fatalf("factory called %d times", n)
	}
}

func TestLostSessionIsRecreated(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "alice")
	key := domain.SessionKeyFor("alice")
	first := f.factory.Last(key)
	first.SetTransport(core.TransportFailed)

	deadline := time.Now().Add(3 * time.Second)
	for f.factory.Calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.factory.Calls(); n != 2 {
		t.Fatalf("factory called %d times, want 2", n)
	}
	if !first.Closed() {
		t.Fatal("old transport left open")
	}
	if f.capturer.Calls() != 1 || f.capturer.Stream().Stopped() {
		t.Fatal("recreation touched the local capture")
	}
}

func TestStopOrder(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "alice")

	if err := f.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got := f.events.List()
	want := []string{"unsubscribe", "unsubscribe", "capture.stop", "transport.close"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	rec := f.record(t, "alice")
	if rec.IsActive || rec.EndedAt == nil {
		t.Fatalf("record still active: %+v", rec)
	}
	if f.manager.IsActive() {
		t.Fatal("manager still active")
	}
}

func TestViolationsRejectOnce(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "alice")

	var mu sync.Mutex
	var seen []int
	var statuses []Status
	f.manager.OnViolationChange(func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})
	f.manager.OnStatusChange(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		n := f.manager.RecordViolation(ctx)
		want := min(i, 5)
		if n != want {
			t.Fatalf("call %d returned %d, want %d", i, n, want)
		}
	}

	mu.Lock()
	if !reflect.DeepEqual(seen, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("violation events = %v", seen)
	}
	rejected := 0
	for _, s := range statuses {
		if s == StatusRejected {
			rejected++
		}
	}
	mu.Unlock()
	if rejected != 1 {
		t.Fatalf("rejected emitted %d times", rejected)
	}
	if got := f.violations.Rejects(); !reflect.DeepEqual(got, []int{5}) {
		t.Fatalf("rejections persisted = %v", got)
	}
	if f.manager.IsActive() || !f.capturer.Stream().Stopped() {
		t.Fatal("rejection did not stop streaming")
	}
	if err := f.manager.StartStreaming(ctx, "alice"); !errors.Is(err, core.ErrViolationThresholdExceeded) {
		t.Fatalf("StartStreaming after rejection: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.violations.Counts()) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(f.violations.Counts()); n != 5 {
		t.Fatalf("persisted %d counts", n)
	}
}

func TestResetViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.manager.RecordViolation(ctx)
	f.manager.RecordViolation(ctx)
	f.manager.ResetViolations()
	if n := f.manager.Violations(); n != 0 {
		t.Fatalf("violations = %d", n)
	}
	if n := f.manager.RecordViolation(ctx); n != 1 {
		t.Fatalf("after reset got %d", n)
	}
}
