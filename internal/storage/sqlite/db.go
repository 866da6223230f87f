// Package sqlite persists patterns, corrections, telemetry, audit events and
// the fallback corpus in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"querybot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	id             TEXT PRIMARY KEY,
	department     TEXT NOT NULL,
	pattern_text   TEXT NOT NULL,
	expanded_query TEXT NOT NULL DEFAULT '',
	query_type     TEXT NOT NULL,
	priority_score REAL NOT NULL DEFAULT 0.5,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	last_used      DATETIME,
	created_at     DATETIME NOT NULL,
	flagged        INTEGER NOT NULL DEFAULT 0,
	flag_reason    TEXT NOT NULL DEFAULT '',
	archived       INTEGER NOT NULL DEFAULT 0,
	UNIQUE(department, pattern_text)
);
CREATE INDEX IF NOT EXISTS idx_patterns_dept ON patterns(department, archived);

CREATE TABLE IF NOT EXISTS corrections (
	id             TEXT PRIMARY KEY,
	department     TEXT NOT NULL,
	original_text  TEXT NOT NULL,
	corrected_text TEXT NOT NULL,
	distance       INTEGER NOT NULL DEFAULT 1,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	confidence     REAL NOT NULL DEFAULT 0.5,
	last_used      DATETIME,
	created_at     DATETIME NOT NULL,
	UNIQUE(department, original_text, corrected_text)
);
CREATE INDEX IF NOT EXISTS idx_corrections_dept ON corrections(department);

CREATE TABLE IF NOT EXISTS interaction_events (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	department        TEXT NOT NULL,
	raw_input         TEXT NOT NULL,
	interpreted_query TEXT NOT NULL DEFAULT '',
	query_type        TEXT NOT NULL DEFAULT '',
	pattern_id        TEXT NOT NULL DEFAULT '',
	confidence_score  REAL NOT NULL DEFAULT 0,
	success           INTEGER NOT NULL DEFAULT 0,
	error_kind        TEXT NOT NULL DEFAULT '',
	ts                DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON interaction_events(ts);
CREATE INDEX IF NOT EXISTS idx_events_dept_input ON interaction_events(department, raw_input);
CREATE INDEX IF NOT EXISTS idx_events_user ON interaction_events(user_id, ts);

CREATE TABLE IF NOT EXISTS pattern_misses (
	department TEXT NOT NULL,
	raw_input  TEXT NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	last_seen  DATETIME NOT NULL,
	PRIMARY KEY (department, raw_input)
);

CREATE TABLE IF NOT EXISTS correction_feedback (
	id            TEXT PRIMARY KEY,
	correction_id TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	department    TEXT NOT NULL,
	accepted      INTEGER NOT NULL,
	applied       INTEGER NOT NULL DEFAULT 0,
	ts            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_ts ON correction_feedback(ts);
CREATE INDEX IF NOT EXISTS idx_feedback_pending ON correction_feedback(applied, ts);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	department TEXT NOT NULL DEFAULT '',
	layer      TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	elapsed_us INTEGER NOT NULL DEFAULT 0,
	payload    TEXT NOT NULL DEFAULT '{}',
	ts         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);

CREATE TABLE IF NOT EXISTS corpus_documents (
	id         TEXT PRIMARY KEY,
	department TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_corpus_dept ON corpus_documents(department);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_ms INTEGER NOT NULL
);
`

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// unavailable wraps a driver error so callers can tell a failed lookup from a
// valid empty result.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrUnavailable, err)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
