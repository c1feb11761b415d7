// Package docstore is the document-store signal relay: one record per session
// key with append-only candidate collections, plus the candidate roster and
// violation mirror, kept in sqlite or postgres.
package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/Proctor/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS signal_records (
			session_key TEXT PRIMARY KEY,
			doc         TEXT NOT NULL,
			version     INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signal_items (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			topic       TEXT NOT NULL,
			item_id     TEXT NOT NULL UNIQUE,
			payload     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS signal_items_key_topic ON signal_items (session_key, topic, seq)`,
		candidatesTable("INTEGER"),
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS signal_records (
			session_key TEXT PRIMARY KEY,
			doc         TEXT NOT NULL,
			version     BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signal_items (
			seq         BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL,
			topic       TEXT NOT NULL,
			item_id     TEXT NOT NULL UNIQUE,
			payload     TEXT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS signal_items_key_topic ON signal_items (session_key, topic, seq)`,
		candidatesTable("BIGINT"),
	},
}

// Timestamps are unix millis and flags are integers so both dialects share queries.
func candidatesTable(bigint string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS candidates (
		id                    TEXT PRIMARY KEY,
		display_name          TEXT NOT NULL DEFAULT '',
		email                 TEXT NOT NULL DEFAULT '',
		submitted             INTEGER NOT NULL DEFAULT 0,
		rejected              INTEGER NOT NULL DEFAULT 0,
		rejected_at           %[1]s,
		violation_count       INTEGER NOT NULL DEFAULT 0,
		last_violation_at     %[1]s,
		final_violation_count INTEGER NOT NULL DEFAULT 0,
		updated_at            %[1]s NOT NULL
	)`, bigint)
}

type Store struct {
	db     *sqlx.DB
	driver string
	poll   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	changed map[changeKey]chan struct{}
}

// changeKey names what a waiter watches: a record (TopicRecord), one
// appended topic of a key, or the roster (zero value).
type changeKey struct {
	key   domain.SessionKey
	topic domain.Topic
}

var rosterChanges = changeKey{}

// Open connects, creates the schema and returns a ready store. poll bounds how
// long a subscription waits before re-reading when no local write woke it.
func Open(ctx context.Context, driver, dsn string, poll time.Duration) (*Store, error) {
	stmts, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("docstore: unsupported driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("docstore: schema: %w", err)
		}
	}
	if poll <= 0 {
		poll = time.Second
	}

	sctx, cancel := context.WithCancel(context.Background())
	log.Info().Str("module", "docstore").Str("driver", driver).Dur("poll", poll).Msg("store opened")
	return &Store{
		db:      db,
		driver:  driver,
		poll:    poll,
		ctx:     sctx,
		cancel:  cancel,
		changed: make(map[changeKey]chan struct{}),
	}, nil
}

// Close stops every subscription loop and closes the database.
func (s *Store) Close() error {
	s.cancel()
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// notify wakes the waiters of k after a committed write.
func (s *Store) notify(k changeKey) {
	s.mu.Lock()
	if ch, ok := s.changed[k]; ok {
		close(ch)
		delete(s.changed, k)
	}
	s.mu.Unlock()
}

// changes returns a channel closed by the next write to k.
func (s *Store) changes(k changeKey) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.changed[k]
	if !ok {
		ch = make(chan struct{})
		s.changed[k] = ch
	}
	return ch
}

// wait blocks until ch fires or the poll interval passes. It returns false
// when done or the store shuts down.
func (s *Store) wait(ch <-chan struct{}, done <-chan struct{}) bool {
	t := time.NewTimer(s.poll)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return true
	case <-done:
		return false
	case <-s.ctx.Done():
		return false
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }
