// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	MaxCandidateIDLen = 64
	sessionKeyPrefix  = "examStream_"
)

var (
	ErrCandidateIDEmpty   = errors.New("candidate id empty")
	ErrCandidateIDTooLong = errors.New("candidate id too long")
)

// CandidateID is the stable identity of an exam candidate.
type CandidateID string

// ParseCandidateID validates raw input coming from adapters.
func ParseCandidateID(raw string) (CandidateID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrCandidateIDEmpty
	}
	if len(raw) > MaxCandidateIDLen {
		return "", ErrCandidateIDTooLong
	}
	return CandidateID(raw), nil
}

// SessionKey addresses one candidate's proctoring session on the signal channel.
type SessionKey string

func SessionKeyFor(id CandidateID) SessionKey {
	return SessionKey(sessionKeyPrefix + string(id))
}

// Candidate returns the identity the key was derived from.
func (k SessionKey) Candidate() (CandidateID, bool) {
	id, ok := strings.CutPrefix(string(k), sessionKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return CandidateID(id), true
}

// RosterEntry is what the admin side knows about a candidate it should monitor.
type RosterEntry struct {
	ID          CandidateID `json:"id" db:"id"`
	DisplayName string      `json:"displayName" db:"display_name"`
	Email       string      `json:"email" db:"email"`
	Submitted   bool        `json:"submitted" db:"submitted"`
	Rejected    bool        `json:"rejected" db:"rejected"`
	Violations  int         `json:"violations" db:"violation_count"`
}

// Finished reports whether the candidate no longer needs a live stream.
func (e RosterEntry) Finished() bool {
	return e.Submitted || e.Rejected
}

// ViolationRecord mirrors the runtime violation counter of one candidate.
type ViolationRecord struct {
	CandidateID         CandidateID `json:"candidateId"`
	ViolationCount      int         `json:"violationCount"`
	LastViolationAt     *time.Time  `json:"lastViolationAt,omitempty"`
	Rejected            bool        `json:"rejected"`
	RejectedAt          *time.Time  `json:"rejectedAt,omitempty"`
	FinalViolationCount int         `json:"finalViolationCount,omitempty"`
}
