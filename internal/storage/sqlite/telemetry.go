package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"querybot/internal/domain"
)

// AppendEvents writes interaction events. Events are immutable; a replayed ID
// is ignored.
func (s *Store) AppendEvents(ctx context.Context, events ...domain.InteractionEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO interaction_events
			 (id, user_id, department, raw_input, interpreted_query, query_type, pattern_id, confidence_score, success, error_kind, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			ts := e.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.UserID, e.Department, e.RawInput, e.InterpretedQuery, string(e.QueryType), e.PatternID,
				domain.Clamp01(e.ConfidenceScore), boolInt(e.Success), string(e.ErrorKind), ts.UTC(),
			); err != nil {
				return fmt.Errorf("insert event %s: %w", e.ID, err)
			}
		}
		return nil
	})
	return unavailable("append events", err)
}

const eventColumns = `id, user_id, department, raw_input, interpreted_query, query_type, pattern_id,
	confidence_score, success, error_kind, ts`

func scanEvents(rows *sql.Rows) ([]domain.InteractionEvent, error) {
	var out []domain.InteractionEvent
	for rows.Next() {
		var e domain.InteractionEvent
		var qt, kind string
		var success int
		if err := rows.Scan(&e.ID, &e.UserID, &e.Department, &e.RawInput, &e.InterpretedQuery,
			&qt, &e.PatternID, &e.ConfidenceScore, &success, &kind, &e.Timestamp); err != nil {
			return nil, err
		}
		e.QueryType = domain.QueryType(qt)
		e.ErrorKind = domain.ErrorKind(kind)
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsSince reads events at or after since in timestamp order. An empty
// department reads all departments.
func (s *Store) EventsSince(ctx context.Context, since time.Time, department string) ([]domain.InteractionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM interaction_events WHERE ts >= ?`
	args := []any{since.UTC()}
	if department != "" {
		query += ` AND department = ?`
		args = append(args, department)
	}
	query += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()
	out, err := scanEvents(rows)
	return out, unavailable("scan events", err)
}

// RecentEventsByUser returns a user's latest events in a department, newest
// first.
func (s *Store) RecentEventsByUser(ctx context.Context, userID, department string, limit int) ([]domain.InteractionEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM interaction_events
		 WHERE user_id = ? AND department = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		userID, department, limit,
	)
	if err != nil {
		return nil, unavailable("query user events", err)
	}
	defer rows.Close()
	out, err := scanEvents(rows)
	return out, unavailable("scan events", err)
}
