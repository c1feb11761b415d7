package core

import (
	"context"
	"time"

	"github.com/dkeye/Proctor/internal/domain"
)

// ViolationStore persists the violation counter mirror of a candidate.
type ViolationStore interface {
	RecordViolation(ctx context.Context, id domain.CandidateID, count int, at time.Time) error
	Reject(ctx context.Context, id domain.CandidateID, finalCount int, at time.Time) error
}

// RosterSource feeds the candidates an admin should monitor.
type RosterSource interface {
	// SubscribeRoster calls fn with the full roster, first immediately and
	// then on every change.
	SubscribeRoster(ctx context.Context, fn func([]domain.RosterEntry)) (Subscription, error)
}

// RosterStore is the write side of the roster.
type RosterStore interface {
	UpsertCandidate(ctx context.Context, e domain.RosterEntry) error
	MarkSubmitted(ctx context.Context, id domain.CandidateID) error
	Roster(ctx context.Context) ([]domain.RosterEntry, error)
}
