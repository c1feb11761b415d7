package domain

import (
	"encoding/json"
	"time"
)

// Topic names one stream of payloads under a session key.
type Topic string

const (
	TopicRecord           Topic = "record"
	TopicOfferCandidates  Topic = "offerCandidates"
	TopicAnswerCandidates Topic = "answerCandidates"
)

func (t Topic) Valid() bool {
	switch t {
	case TopicRecord, TopicOfferCandidates, TopicAnswerCandidates:
		return true
	}
	return false
}

// Appended reports whether the topic is an append-only candidate set.
func (t Topic) Appended() bool {
	return t == TopicOfferCandidates || t == TopicAnswerCandidates
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an SDP blob plus the negotiation it belongs to.
// NegotiationID is fixed for one offerer-side session; Revision grows on
// every in-place restart within it.
type SessionDescription struct {
	Type          string `json:"type"`
	SDP           string `json:"sdp"`
	NegotiationID string `json:"negotiationId,omitempty"`
	Revision      int    `json:"revision,omitempty"`
}

// Matches reports whether d answers (or restates) the same offer as o.
func (d SessionDescription) Matches(o SessionDescription) bool {
	return d.NegotiationID == o.NegotiationID && d.Revision == o.Revision
}

// SignalRecord is the persisted state of one session key.
// The candidate side owns Offer and the metadata, the admin side owns Answer.
type SignalRecord struct {
	Offer             *SessionDescription `json:"offer,omitempty"`
	Answer            *SessionDescription `json:"answer,omitempty"`
	CandidateIdentity CandidateID         `json:"candidateIdentity,omitempty"`
	CandidateEmail    string              `json:"candidateEmail,omitempty"`
	IsActive          bool                `json:"isActive"`
	StartedAt         *time.Time          `json:"startedAt,omitempty"`
	EndedAt           *time.Time          `json:"endedAt,omitempty"`
	HasAudio          bool                `json:"hasAudio"`
	HasVideo          bool                `json:"hasVideo"`
}

// ParseSignalRecord decodes a record as delivered by a signal channel.
func ParseSignalRecord(raw json.RawMessage) (SignalRecord, error) {
	var rec SignalRecord
	if len(raw) == 0 {
		return rec, nil
	}
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

// RecordPatch is a merge patch against a SignalRecord: every present key
// replaces the stored field, a null value deletes it.
type RecordPatch map[string]any

func (p RecordPatch) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// MergePatch applies patch on top of doc with the RecordPatch rules and
// returns the new document.
func MergePatch(doc, patch json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, err
		}
	}
	var changes map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		if string(v) == "null" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	return json.Marshal(fields)
}

// ICECandidate is an opaque network path descriptor.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Item is one element of an append-only topic. ID is unique per item and
// lets consumers drop duplicate deliveries.
type Item struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
