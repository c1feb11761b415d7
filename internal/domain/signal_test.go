package domain

import (
	"encoding/json"
	"testing"
)

func TestMergePatch(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		patch string
		want  map[string]any
	}{
		{"empty doc", ``, `{"isActive":true}`, map[string]any{"isActive": true}},
		{"null deletes", `{"answer":{"type":"answer"},"isActive":true}`, `{"answer":null}`, map[string]any{"isActive": true}},
		{"replace", `{"isActive":true}`, `{"isActive":false,"endedAt":"x"}`, map[string]any{"isActive": false, "endedAt": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := MergePatch(json.RawMessage(tc.doc), json.RawMessage(tc.patch))
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(out, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("field %s: got %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key := SessionKeyFor("alice")
	if key != "examStream_alice" {
		t.Fatalf("unexpected key %q", key)
	}
	id, ok := key.Candidate()
	if !ok || id != "alice" {
		t.Fatalf("Candidate() = %q, %v", id, ok)
	}
	if _, ok := SessionKey("other_alice").Candidate(); ok {
		t.Fatal("foreign key must not parse")
	}
}

func TestParseCandidateID(t *testing.T) {
	if _, err := ParseCandidateID("  "); err != ErrCandidateIDEmpty {
		t.Fatalf("want ErrCandidateIDEmpty, got %v", err)
	}
	long := make([]byte, MaxCandidateIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := ParseCandidateID(string(long)); err != ErrCandidateIDTooLong {
		t.Fatalf("want ErrCandidateIDTooLong, got %v", err)
	}
	if id, err := ParseCandidateID(" bob "); err != nil || id != "bob" {
		t.Fatalf("ParseCandidateID = %q, %v", id, err)
	}
}
