package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

type recordRow struct {
	Doc     string `db:"doc"`
	Version int64  `db:"version"`
}

type itemRow struct {
	Seq     int64  `db:"seq"`
	ItemID  string `db:"item_id"`
	Payload string `db:"payload"`
}

func (r itemRow) item() domain.Item {
	return domain.Item{ID: r.ItemID, Seq: r.Seq, Payload: json.RawMessage(r.Payload)}
}

// PatchRecord merges patch into the record at key and returns the new version.
func (s *Store) PatchRecord(ctx context.Context, key domain.SessionKey, patch json.RawMessage) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var row recordRow
	err = tx.GetContext(ctx, &row, s.q("SELECT doc, version FROM signal_records WHERE session_key = ?"+s.forUpdate()), string(key))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read record: %w", err)
	}
	doc, err := domain.MergePatch(json.RawMessage(row.Doc), patch)
	if err != nil {
		return 0, fmt.Errorf("merge record: %w", err)
	}
	next := row.Version + 1
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO signal_records (session_key, doc, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET doc = excluded.doc, version = excluded.version, updated_at = excluded.updated_at`),
		string(key), string(doc), next, millis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.notify(changeKey{key, domain.TopicRecord})
	return next, nil
}

// Record returns the current record and its version, or core.ErrNotFound.
func (s *Store) Record(ctx context.Context, key domain.SessionKey) (json.RawMessage, int64, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT doc, version FROM signal_records WHERE session_key = ?"), string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, core.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return json.RawMessage(row.Doc), row.Version, nil
}

// WaitRecord returns the record once its version exceeds since, or after wait
// with whatever is current. A zero version means no record exists yet.
func (s *Store) WaitRecord(ctx context.Context, key domain.SessionKey, since int64, wait time.Duration) (json.RawMessage, int64, error) {
	deadline := time.Now().Add(wait)
	for {
		ch := s.changes(changeKey{key, domain.TopicRecord})
		doc, ver, err := s.Record(ctx, key)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, 0, err
		}
		if ver > since || !time.Now().Before(deadline) {
			return doc, ver, nil
		}
		if !s.waitUntil(ctx, ch, deadline) {
			return doc, ver, ctx.Err()
		}
	}
}

// Append adds one item to an append-only topic.
func (s *Store) Append(ctx context.Context, key domain.SessionKey, topic domain.Topic, payload json.RawMessage) (domain.Item, error) {
	if !topic.Appended() {
		return domain.Item{}, fmt.Errorf("topic %q is not append-only", topic)
	}
	if !json.Valid(payload) {
		return domain.Item{}, errors.New("payload is not valid json")
	}
	it := domain.Item{ID: uuid.NewString(), Payload: payload}
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO signal_items (session_key, topic, item_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING seq`),
		string(key), string(topic), it.ID, string(payload), millis(time.Now())).Scan(&it.Seq)
	if err != nil {
		return domain.Item{}, fmt.Errorf("append item: %w", err)
	}
	s.notify(changeKey{key, topic})
	return it, nil
}

// Items returns items of a topic with seq greater than after, oldest first.
func (s *Store) Items(ctx context.Context, key domain.SessionKey, topic domain.Topic, after int64) ([]domain.Item, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT seq, item_id, payload FROM signal_items
		WHERE session_key = ? AND topic = ? AND seq > ? ORDER BY seq`), string(key), string(topic), after)
	if err != nil {
		return nil, err
	}
	items := make([]domain.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.item())
	}
	return items, nil
}

// LastSeq is the cursor a new subscription starts from.
func (s *Store) LastSeq(ctx context.Context, key domain.SessionKey, topic domain.Topic) (int64, error) {
	var last int64
	err := s.db.GetContext(ctx, &last, s.q(`SELECT COALESCE(MAX(seq), 0) FROM signal_items WHERE session_key = ? AND topic = ?`),
		string(key), string(topic))
	return last, err
}

// WaitItems long-polls for items after the cursor.
func (s *Store) WaitItems(ctx context.Context, key domain.SessionKey, topic domain.Topic, after int64, wait time.Duration) ([]domain.Item, error) {
	deadline := time.Now().Add(wait)
	for {
		ch := s.changes(changeKey{key, topic})
		items, err := s.Items(ctx, key, topic, after)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 || !time.Now().Before(deadline) {
			return items, nil
		}
		if !s.waitUntil(ctx, ch, deadline) {
			return nil, ctx.Err()
		}
	}
}

// PurgeTopic deletes every item of a topic.
func (s *Store) PurgeTopic(ctx context.Context, key domain.SessionKey, topic domain.Topic) error {
	if !topic.Appended() {
		return fmt.Errorf("topic %q is not append-only", topic)
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM signal_items WHERE session_key = ? AND topic = ?"), string(key), string(topic)); err != nil {
		return fmt.Errorf("purge %s: %w", topic, err)
	}
	s.notify(changeKey{key, topic})
	return nil
}

func (s *Store) waitUntil(ctx context.Context, ch <-chan struct{}, deadline time.Time) bool {
	t := time.NewTimer(min(time.Until(deadline), s.poll))
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}
