package sqlite

import (
	"context"

	"querybot/internal/domain"
)

// RecordMiss counts a Layer 2 miss for (department, input).
func (s *Store) RecordMiss(ctx context.Context, department, input string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pattern_misses (department, raw_input, hits, last_seen)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(department, raw_input) DO UPDATE SET hits = hits + 1, last_seen = excluded.last_seen`,
		department, input, s.now().UTC(),
	)
	return unavailable("record miss", err)
}

// Misses returns recorded misses with at least minHits, most frequent first.
func (s *Store) Misses(ctx context.Context, department string, minHits int) ([]domain.PatternMiss, error) {
	query := `SELECT department, raw_input, hits, last_seen FROM pattern_misses WHERE hits >= ?`
	args := []any{minHits}
	if department != "" {
		query += ` AND department = ?`
		args = append(args, department)
	}
	query += ` ORDER BY hits DESC, raw_input`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query misses", err)
	}
	defer rows.Close()

	var out []domain.PatternMiss
	for rows.Next() {
		var m domain.PatternMiss
		if err := rows.Scan(&m.Department, &m.RawInput, &m.Hits, &m.LastSeen); err != nil {
			return nil, unavailable("scan miss", err)
		}
		out = append(out, m)
	}
	return out, unavailable("scan misses", rows.Err())
}
