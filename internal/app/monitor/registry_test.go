package monitor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/core/coretest"
	"github.com/dkeye/Proctor/internal/domain"
)

func newStore(t *testing.T) *docstore.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "monitor.db") + "?_pragma=busy_timeout(5000)"
	s, err := docstore.Open(context.Background(), docstore.DriverSQLite, dsn, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publishOffer(t *testing.T, s *docstore.Store, id domain.CandidateID) {
	t.Helper()
	raw, err := json.Marshal(domain.RecordPatch{
		"offer":    domain.SessionDescription{Type: "offer", SDP: "o", NegotiationID: "n-" + string(id), Revision: 1},
		"isActive": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(context.Background(), domain.SessionKeyFor(id), domain.TopicRecord, raw); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeStreams struct {
	events *coretest.Events
	mu     sync.Mutex
	byID   map[domain.CandidateID]*coretest.RemoteStream
}

func (f *fakeStreams) New(id domain.CandidateID) core.RemoteStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &coretest.RemoteStream{Events: f.events}
	if f.byID == nil {
		f.byID = make(map[domain.CandidateID]*coretest.RemoteStream)
	}
	f.byID[id] = s
	return s
}

func (f *fakeStreams) Get(id domain.CandidateID) *coretest.RemoteStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type harness struct {
	store    *docstore.Store
	events   *coretest.Events
	factory  *coretest.Factory
	streams  *fakeStreams
	registry *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newStore(t), events: &coretest.Events{}}
	h.factory = &coretest.Factory{Events: h.events}
	h.streams = &fakeStreams{events: h.events}
	h.registry = New(Deps{
		Channel:       &coretest.Channel{SignalChannel: h.store, Events: h.events},
		Roster:        h.store,
		NewConnection: h.factory.New,
		NewStream:     h.streams.New,
	}, Options{
		SweepInterval:   time.Hour,
		RefreshDelay:    20 * time.Millisecond,
		RefreshAllDelay: 20 * time.Millisecond,
		GraceWindow:     time.Second,
	})
	return h
}

// watch rosters ids and waits until each has answered its offer.
func (h *harness) watch(t *testing.T, entries ...domain.RosterEntry) {
	t.Helper()
	for _, e := range entries {
		publishOffer(t, h.store, e.ID)
	}
	h.registry.Reconcile(entries)
	for _, e := range entries {
		key := domain.SessionKeyFor(e.ID)
		waitFor(t, 3*time.Second, "connection for "+string(e.ID), func() bool {
			c := h.factory.Last(key)
			return c != nil && c.HasRemoteDescription()
		})
	}
}

// goLive marks a candidate's media as flowing.
func (h *harness) goLive(t *testing.T, id domain.CandidateID) {
	t.Helper()
	h.factory.Last(domain.SessionKeyFor(id)).SetTransport(core.TransportConnected)
	h.streams.Get(id).SetActive(true)
}

func (h *harness) status(id domain.CandidateID) Status {
	for _, v := range h.registry.Snapshot() {
		if v.ID == id {
			return v.Status
		}
	}
	return ""
}

func TestCleanupStreamOrder(t *testing.T) {
	h := newHarness(t)
	h.watch(t, domain.RosterEntry{ID: "alice"})

	h.registry.CleanupStream("alice")
	h.registry.CleanupStream("alice")

	want := []string{"unsubscribe", "unsubscribe", "transport.close", "stream.stop"}
	if got := h.events.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if _, ok := h.registry.Stream("alice"); ok {
		t.Fatal("stream still registered")
	}
}

func TestSnapshotStatuses(t *testing.T) {
	h := newHarness(t)
	h.watch(t,
		domain.RosterEntry{ID: "alice"},
		domain.RosterEntry{ID: "bob", Submitted: true},
		domain.RosterEntry{ID: "carol", Rejected: true},
	)
	h.registry.Reconcile([]domain.RosterEntry{
		{ID: "alice"},
		{ID: "bob", Submitted: true},
		{ID: "carol", Rejected: true},
		{ID: "dave"},
	})

	if s := h.status("alice"); s != StatusConnecting {
		t.Fatalf("alice = %s", s)
	}
	h.goLive(t, "alice")
	if s := h.status("alice"); s != StatusLive {
		t.Fatalf("alice = %s", s)
	}
	if s := h.status("bob"); s != StatusSubmitted {
		t.Fatalf("bob = %s", s)
	}
	if s := h.status("carol"); s != StatusRejected {
		t.Fatalf("carol = %s", s)
	}
	if s := h.status("dave"); s != StatusNoStream {
		t.Fatalf("dave = %s", s)
	}
}

func TestSweepRefreshesOnlyStaleUnfinished(t *testing.T) {
	h := newHarness(t)
	h.watch(t, domain.RosterEntry{ID: "alice"}, domain.RosterEntry{ID: "bob", Submitted: true}, domain.RosterEntry{ID: "erin"})
	h.goLive(t, "alice")
	h.goLive(t, "bob")
	h.goLive(t, "erin")
	h.registry.Sweep()

	h.streams.Get("alice").SetActive(false)
	h.streams.Get("bob").SetActive(false)
	h.registry.Sweep()

	if s := h.status("alice"); s != StatusOffline {
		t.Fatalf("alice = %s, want OFFLINE while refreshing", s)
	}
	alice := domain.SessionKeyFor("alice")
	waitFor(t, 3*time.Second, "alice recreated", func() bool {
		return h.factory.Count(alice) == 2
	})
	if n := h.factory.Count(domain.SessionKeyFor("bob")); n != 1 {
		t.Fatalf("submitted candidate refreshed (%d connections)", n)
	}
	if n := h.factory.Count(domain.SessionKeyFor("erin")); n != 1 {
		t.Fatalf("live candidate refreshed (%d connections)", n)
	}
	if s := h.status("erin"); s != StatusLive {
		t.Fatalf("erin = %s", s)
	}
}

func TestRefreshOneSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.watch(t, domain.RosterEntry{ID: "alice"})
	for range 3 {
		h.registry.RefreshOne("alice")
	}
	key := domain.SessionKeyFor("alice")
	waitFor(t, 3*time.Second, "recreated", func() bool { return h.factory.Count(key) == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := h.factory.Count(key); n != 2 {
		t.Fatalf("%d connections, want 2", n)
	}
}

func TestRefreshAllAndRosterRemoval(t *testing.T) {
	h := newHarness(t)
	h.watch(t, domain.RosterEntry{ID: "alice"}, domain.RosterEntry{ID: "bob"})

	h.registry.RefreshAll()
	for _, id := range []domain.CandidateID{"alice", "bob"} {
		key := domain.SessionKeyFor(id)
		waitFor(t, 3*time.Second, "recreate "+string(id), func() bool {
			c := h.factory.Last(key)
			return h.factory.Count(key) == 2 && c.HasRemoteDescription()
		})
	}

	h.registry.Reconcile([]domain.RosterEntry{{ID: "alice"}})
	if !h.factory.Last(domain.SessionKeyFor("bob")).Closed() {
		t.Fatal("removed candidate still connected")
	}
	if len(h.registry.Snapshot()) != 1 {
		t.Fatalf("snapshot = %+v", h.registry.Snapshot())
	}
}

func TestRunFollowsRoster(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.registry.Run(ctx) }()

	publishOffer(t, h.store, "alice")
	if err := h.store.UpsertCandidate(context.Background(), domain.RosterEntry{ID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	key := domain.SessionKeyFor("alice")
	waitFor(t, 3*time.Second, "roster pickup", func() bool { return h.factory.Count(key) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if !h.factory.Last(key).Closed() {
		t.Fatal("shutdown left transport open")
	}
}

func TestSweepHonoursAutoRefreshSwitch(t *testing.T) {
	h := newHarness(t)
	h.watch(t, domain.RosterEntry{ID: "alice"})
	h.goLive(t, "alice")
	h.registry.Sweep()

	h.registry.SetAutoRefresh(false)
	if h.registry.AutoRefresh() {
		t.Fatal("auto refresh still on")
	}
	h.streams.Get("alice").SetActive(false)
	h.registry.Sweep()
	time.Sleep(100 * time.Millisecond)
	key := domain.SessionKeyFor("alice")
	if n := h.factory.Count(key); n != 1 {
		t.Fatalf("sweep refreshed with auto refresh off (%d connections)", n)
	}

	// turning it back on picks up the stream that dropped meanwhile
	h.registry.SetAutoRefresh(true)
	h.registry.Sweep()
	waitFor(t, 3*time.Second, "alice recreated", func() bool { return h.factory.Count(key) == 2 })
}
