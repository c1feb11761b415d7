package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

func (s *Store) UpsertCandidate(ctx context.Context, e domain.RosterEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO candidates (id, display_name, email, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email, updated_at = excluded.updated_at`),
		string(e.ID), e.DisplayName, e.Email, millis(time.Now()))
	if err != nil {
		return err
	}
	s.notify(rosterChanges)
	return nil
}

func (s *Store) MarkSubmitted(ctx context.Context, id domain.CandidateID) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE candidates SET submitted = 1, updated_at = ? WHERE id = ?"), millis(time.Now()), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	s.notify(rosterChanges)
	return nil
}

func (s *Store) Roster(ctx context.Context) ([]domain.RosterEntry, error) {
	var entries []domain.RosterEntry
	err := s.db.SelectContext(ctx, &entries, `SELECT id, display_name, email, submitted, rejected, violation_count FROM candidates ORDER BY id`)
	return entries, err
}

// RecordViolation is a merge write: it creates the candidate row when missing.
func (s *Store) RecordViolation(ctx context.Context, id domain.CandidateID, count int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO candidates (id, violation_count, last_violation_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET violation_count = excluded.violation_count,
			last_violation_at = excluded.last_violation_at, updated_at = excluded.updated_at`),
		string(id), count, millis(at), millis(time.Now()))
	if err != nil {
		return err
	}
	s.notify(rosterChanges)
	return nil
}

func (s *Store) Reject(ctx context.Context, id domain.CandidateID, finalCount int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO candidates (id, rejected, rejected_at, final_violation_count, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET rejected = 1, rejected_at = excluded.rejected_at,
			final_violation_count = excluded.final_violation_count, updated_at = excluded.updated_at`),
		string(id), millis(at), finalCount, millis(time.Now()))
	if err != nil {
		return err
	}
	s.notify(rosterChanges)
	return nil
}

type violationRow struct {
	ID              string        `db:"id"`
	ViolationCount  int           `db:"violation_count"`
	LastViolationAt sql.NullInt64 `db:"last_violation_at"`
	Rejected        bool          `db:"rejected"`
	RejectedAt      sql.NullInt64 `db:"rejected_at"`
	FinalCount      int           `db:"final_violation_count"`
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Violations reads the violation mirror of one candidate.
func (s *Store) Violations(ctx context.Context, id domain.CandidateID) (domain.ViolationRecord, error) {
	var row violationRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT id, violation_count, last_violation_at, rejected, rejected_at, final_violation_count
		FROM candidates WHERE id = ?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ViolationRecord{}, core.ErrNotFound
	}
	if err != nil {
		return domain.ViolationRecord{}, err
	}
	return domain.ViolationRecord{
		CandidateID:         domain.CandidateID(row.ID),
		ViolationCount:      row.ViolationCount,
		LastViolationAt:     fromMillis(row.LastViolationAt),
		Rejected:            row.Rejected,
		RejectedAt:          fromMillis(row.RejectedAt),
		FinalViolationCount: row.FinalCount,
	}, nil
}

// SubscribeRoster delivers the roster now and again whenever it changes.
func (s *Store) SubscribeRoster(_ context.Context, fn func([]domain.RosterEntry)) (core.Subscription, error) {
	sub := core.NewSub(nil)
	go func() {
		var last []byte
		for {
			ch := s.changes(rosterChanges)
			entries, err := s.Roster(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					log.Warn().Err(err).Str("module", "docstore").Msg("roster poll failed")
				}
			} else if b, _ := json.Marshal(entries); last == nil || !bytes.Equal(b, last) {
				last = b
				sub.Deliver(func() { fn(entries) })
			}
			if !s.wait(ch, sub.Done()) {
				return
			}
		}
	}()
	return sub, nil
}
