package docstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "proctor.db") + "?_pragma=busy_timeout(5000)"
	s, err := Open(context.Background(), DriverSQLite, dsn, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func patch(t *testing.T, p domain.RecordPatch) json.RawMessage {
	t.Helper()
	raw, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func readRecord(t *testing.T, s *Store, key domain.SessionKey) domain.SignalRecord {
	t.Helper()
	doc, _, err := s.Record(context.Background(), key)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec, err := domain.ParseSignalRecord(doc)
	if err != nil {
		t.Fatalf("ParseSignalRecord: %v", err)
	}
	return rec
}

func TestRecordMergeAndVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("a")

	if _, _, err := s.Record(ctx, key); err != core.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	v1, err := s.PatchRecord(ctx, key, patch(t, domain.RecordPatch{"isActive": true, "hasVideo": true}))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.PatchRecord(ctx, key, patch(t, domain.RecordPatch{"answer": domain.SessionDescription{Type: "answer", SDP: "x"}}))
	if err != nil {
		t.Fatal(err)
	}
	if v2 != v1+1 {
		t.Fatalf("versions %d then %d", v1, v2)
	}
	rec := readRecord(t, s, key)
	if !rec.IsActive || !rec.HasVideo || rec.Answer == nil {
		t.Fatalf("merge lost fields: %+v", rec)
	}
}

func TestNewOfferClearsAnswer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("a")

	old := &domain.SessionDescription{Type: "answer", SDP: "old", NegotiationID: "n1", Revision: 1}
	if err := s.Publish(ctx, key, domain.TopicRecord, patch(t, domain.RecordPatch{"answer": old})); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, key, domain.TopicRecord, patch(t, domain.RecordPatch{"answer": nil})); err != nil {
		t.Fatal(err)
	}
	if rec := readRecord(t, s, key); rec.Answer != nil {
		t.Fatalf("answer still present: %+v", rec.Answer)
	}
}

func TestLateSubscriberSeesOffer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("late")

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0", NegotiationID: "n", Revision: 1}
	if err := s.Publish(ctx, key, domain.TopicRecord, patch(t, domain.RecordPatch{"offer": offer, "isActive": true})); err != nil {
		t.Fatal(err)
	}

	got := make(chan domain.SignalRecord, 4)
	sub, err := s.SubscribeLatest(ctx, key, func(raw json.RawMessage) {
		rec, _ := domain.ParseSignalRecord(raw)
		got <- rec
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	select {
	case rec := <-got:
		if rec.Offer == nil || rec.Offer.SDP != "v=0" {
			t.Fatalf("late subscriber got %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber never saw the offer")
	}
}

func TestSubscribeLatestStopsAfterUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("u")

	var mu sync.Mutex
	calls := 0
	sub, err := s.SubscribeLatest(ctx, key, func(json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	if err := s.Publish(ctx, key, domain.TopicRecord, patch(t, domain.RecordPatch{"isActive": true})); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("handler called %d times after unsubscribe", calls)
	}
}

func TestSubscribeAppendedOnlyNewItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("c")
	topic := domain.TopicOfferCandidates

	if err := s.Publish(ctx, key, topic, json.RawMessage(`{"candidate":"old"}`)); err != nil {
		t.Fatal(err)
	}

	got := make(chan domain.Item, 4)
	sub, err := s.SubscribeAppended(ctx, key, topic, func(it domain.Item) { got <- it })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := s.Publish(ctx, key, topic, json.RawMessage(`{"candidate":"new"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case it := <-got:
		var c domain.ICECandidate
		if err := json.Unmarshal(it.Payload, &c); err != nil || c.Candidate != "new" {
			t.Fatalf("unexpected item %s (%v)", it.Payload, err)
		}
		if it.ID == "" {
			t.Fatal("item without id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("new item not delivered")
	}
	select {
	case it := <-got:
		t.Fatalf("unexpected extra item %s", it.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	backlog, err := s.Backlog(ctx, key, topic)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 2 {
		t.Fatalf("backlog has %d items, want 2", len(backlog))
	}
}

func TestPurgeOnlyTouchesTopic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.SessionKeyFor("p")

	for _, topic := range []domain.Topic{domain.TopicOfferCandidates, domain.TopicAnswerCandidates} {
		if err := s.Publish(ctx, key, topic, json.RawMessage(`{"candidate":"x"}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Purge(ctx, key, domain.TopicOfferCandidates); err != nil {
		t.Fatal(err)
	}
	offers, _ := s.Backlog(ctx, key, domain.TopicOfferCandidates)
	answers, _ := s.Backlog(ctx, key, domain.TopicAnswerCandidates)
	if len(offers) != 0 || len(answers) != 1 {
		t.Fatalf("after purge: %d offer items, %d answer items", len(offers), len(answers))
	}
	if err := s.Purge(ctx, key, domain.TopicRecord); err == nil {
		t.Fatal("purging the record topic must fail")
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestWritesWakeOnlyTheirWatchers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := domain.SessionKeyFor("a"), domain.SessionKeyFor("b")

	recordA := s.changes(changeKey{a, domain.TopicRecord})
	offersA := s.changes(changeKey{a, domain.TopicOfferCandidates})
	roster := s.changes(rosterChanges)

	if err := s.Publish(ctx, b, domain.TopicRecord, patch(t, domain.RecordPatch{"isActive": true})); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, b, domain.TopicOfferCandidates, json.RawMessage(`{"candidate":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if closed(recordA) || closed(offersA) || closed(roster) {
		t.Fatal("writes to another key woke watchers of a")
	}

	if err := s.Publish(ctx, a, domain.TopicAnswerCandidates, json.RawMessage(`{"candidate":"y"}`)); err != nil {
		t.Fatal(err)
	}
	if closed(recordA) || closed(offersA) {
		t.Fatal("answer candidate woke record or offer watchers")
	}

	if err := s.Publish(ctx, a, domain.TopicOfferCandidates, json.RawMessage(`{"candidate":"z"}`)); err != nil {
		t.Fatal(err)
	}
	if !closed(offersA) || closed(recordA) {
		t.Fatalf("offer append: offers woken=%v record woken=%v", closed(offersA), closed(recordA))
	}

	if err := s.Publish(ctx, a, domain.TopicRecord, patch(t, domain.RecordPatch{"isActive": true})); err != nil {
		t.Fatal(err)
	}
	if !closed(recordA) || closed(roster) {
		t.Fatal("record patch must wake its own watchers and leave the roster alone")
	}

	if err := s.UpsertCandidate(ctx, domain.RosterEntry{ID: "a", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	if !closed(roster) {
		t.Fatal("roster change did not wake roster watchers")
	}
}

func TestViolationsAndRoster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertCandidate(ctx, domain.RosterEntry{ID: "a", DisplayName: "Alice", Email: "a@x"}); err != nil {
		t.Fatal(err)
	}
	at := time.Now()
	if err := s.RecordViolation(ctx, "a", 3, at); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordViolation(ctx, "b", 1, at); err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(ctx, "a", 5, at); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSubmitted(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSubmitted(ctx, "nobody"); err != core.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	v, err := s.Violations(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v.ViolationCount != 3 || !v.Rejected || v.FinalViolationCount != 5 || v.RejectedAt == nil || v.LastViolationAt == nil {
		t.Fatalf("unexpected violation record %+v", v)
	}

	roster, err := s.Roster(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster has %d entries, want 2", len(roster))
	}
	if roster[0].ID != "a" || roster[0].DisplayName != "Alice" || !roster[0].Rejected {
		t.Errorf("unexpected entry %+v", roster[0])
	}
	if roster[1].ID != "b" || !roster[1].Submitted || !roster[1].Finished() {
		t.Errorf("unexpected entry %+v", roster[1])
	}
}

func TestSubscribeRoster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got := make(chan []domain.RosterEntry, 8)
	sub, err := s.SubscribeRoster(ctx, func(r []domain.RosterEntry) { got <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if r := <-got; len(r) != 0 {
		t.Fatalf("initial roster %+v", r)
	}
	if err := s.UpsertCandidate(ctx, domain.RosterEntry{ID: "z"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if len(r) != 1 || r[0].ID != "z" {
			t.Fatalf("roster %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("roster change not delivered")
	}
}
