package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"querybot/internal/domain"
)

const patternColumns = `id, department, pattern_text, expanded_query, query_type, priority_score,
	usage_count, last_used, created_at, flagged, flag_reason, archived`

func scanPatterns(rows *sql.Rows) ([]domain.Pattern, error) {
	var out []domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var lastUsed sql.NullTime
		var qt string
		var flagged, archived int
		if err := rows.Scan(
			&p.ID, &p.Department, &p.Text, &p.ExpandedQuery, &qt, &p.PriorityScore,
			&p.UsageCount, &lastUsed, &p.CreatedAt, &flagged, &p.FlagReason, &archived,
		); err != nil {
			return nil, err
		}
		p.QueryType = domain.QueryType(qt)
		if lastUsed.Valid {
			p.LastUsed = lastUsed.Time
		}
		p.FlaggedForArchival = flagged == 1
		p.Archived = archived == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// PatternsByDepartment returns live patterns of a department ordered by
// priority desc, then most recently used. An empty department is valid and
// yields (nil, nil).
func (s *Store) PatternsByDepartment(ctx context.Context, department string) ([]domain.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+`
		 FROM patterns
		 WHERE department = ? AND archived = 0
		 ORDER BY priority_score DESC, COALESCE(last_used, created_at) DESC, id`,
		department,
	)
	if err != nil {
		return nil, unavailable("query patterns", err)
	}
	defer rows.Close()
	out, err := scanPatterns(rows)
	return out, unavailable("scan patterns", err)
}

// AllPatterns returns every non-archived pattern, for the learner.
func (s *Store) AllPatterns(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE archived = 0 ORDER BY department, pattern_text`,
	)
	if err != nil {
		return nil, unavailable("query all patterns", err)
	}
	defer rows.Close()
	out, err := scanPatterns(rows)
	return out, unavailable("scan patterns", err)
}

func (s *Store) FlaggedPatterns(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE flagged = 1 AND archived = 0 ORDER BY department, pattern_text`,
	)
	if err != nil {
		return nil, unavailable("query flagged patterns", err)
	}
	defer rows.Close()
	out, err := scanPatterns(rows)
	return out, unavailable("scan patterns", err)
}

// PatternExists checks for an exact (department, text) duplicate, archived
// rows included.
func (s *Store) PatternExists(ctx context.Context, department, text string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patterns WHERE department = ? AND pattern_text = ?`,
		department, text,
	).Scan(&count)
	if err != nil {
		return false, unavailable("pattern exists", err)
	}
	return count > 0, nil
}

// InsertPatterns inserts a batch in one transaction. Rows whose
// (department, text) already exists are skipped; the count of new rows is
// returned.
func (s *Store) InsertPatterns(ctx context.Context, patterns []domain.Pattern) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO patterns
			 (id, department, pattern_text, expanded_query, query_type, priority_score, usage_count, last_used, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range patterns {
			created := p.CreatedAt
			if created.IsZero() {
				created = s.now()
			}
			res, err := stmt.ExecContext(ctx,
				p.ID, p.Department, p.Text, p.ExpandedQuery, string(p.QueryType),
				p.PriorityScore, p.UsageCount, nullTime(p.LastUsed), created.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert pattern %q: %w", p.Text, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("insert patterns", err)
	}
	return inserted, nil
}

// UpdatePatterns applies typed partial updates in one transaction.
func (s *Store) UpdatePatterns(ctx context.Context, updates []domain.PatternUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			var sets []string
			var args []any
			if u.PriorityScore != nil {
				sets = append(sets, "priority_score = ?")
				args = append(args, domain.Clamp01(*u.PriorityScore))
			}
			if u.UsageCount != nil {
				sets = append(sets, "usage_count = ?")
				args = append(args, *u.UsageCount)
			}
			if u.LastUsed != nil {
				sets = append(sets, "last_used = ?")
				args = append(args, nullTime(*u.LastUsed))
			}
			if len(sets) == 0 {
				continue
			}
			args = append(args, u.ID)
			if _, err := tx.ExecContext(ctx,
				`UPDATE patterns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
			); err != nil {
				return fmt.Errorf("update pattern %s: %w", u.ID, err)
			}
		}
		return nil
	})
	return unavailable("update patterns", err)
}

// FlagPatterns marks patterns for archival. Already flagged rows are left
// alone; the number of newly flagged rows is returned.
func (s *Store) FlagPatterns(ctx context.Context, flags []domain.PatternFlag) (int, error) {
	if len(flags) == 0 {
		return 0, nil
	}
	flagged := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE patterns SET flagged = 1, flag_reason = ? WHERE id = ? AND flagged = 0 AND archived = 0`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range flags {
			res, err := stmt.ExecContext(ctx, f.Reason, f.ID)
			if err != nil {
				return fmt.Errorf("flag pattern %s: %w", f.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				flagged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("flag patterns", err)
	}
	return flagged, nil
}

// ArchiveFlagged logically deletes flagged patterns, optionally limited to one
// department. Rows stay in the table.
func (s *Store) ArchiveFlagged(ctx context.Context, department string) (int, error) {
	query := `UPDATE patterns SET archived = 1 WHERE flagged = 1 AND archived = 0`
	var args []any
	if department != "" {
		query += ` AND department = ?`
		args = append(args, department)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable("archive patterns", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
