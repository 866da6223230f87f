package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"querybot/internal/domain"
)

const correctionColumns = `id, department, original_text, corrected_text, distance, usage_count,
	confidence, last_used, created_at`

func scanCorrection(sc interface{ Scan(...any) error }) (domain.Correction, error) {
	var c domain.Correction
	var lastUsed sql.NullTime
	err := sc.Scan(&c.ID, &c.Department, &c.OriginalText, &c.CorrectedText, &c.Distance,
		&c.UsageCount, &c.Confidence, &lastUsed, &c.CreatedAt)
	if lastUsed.Valid {
		c.LastUsed = lastUsed.Time
	}
	return c, err
}

// CorrectionsByDepartment returns the corrections of one department ranked by
// usage desc then confidence desc.
func (s *Store) CorrectionsByDepartment(ctx context.Context, department string) ([]domain.Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+correctionColumns+`
		 FROM corrections
		 WHERE department = ?
		 ORDER BY usage_count DESC, confidence DESC, corrected_text`,
		department,
	)
	if err != nil {
		return nil, unavailable("query corrections", err)
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, unavailable("scan correction", err)
		}
		out = append(out, c)
	}
	return out, unavailable("scan corrections", rows.Err())
}

func (s *Store) CorrectionByID(ctx context.Context, id string) (domain.Correction, error) {
	c, err := scanCorrection(s.db.QueryRowContext(ctx,
		`SELECT `+correctionColumns+` FROM corrections WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Correction{}, fmt.Errorf("correction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Correction{}, unavailable("get correction", err)
	}
	return c, nil
}

func (s *Store) CorrectionExists(ctx context.Context, department, original, corrected string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM corrections WHERE department = ? AND original_text = ? AND corrected_text = ?`,
		department, original, corrected,
	).Scan(&count)
	if err != nil {
		return false, unavailable("correction exists", err)
	}
	return count > 0, nil
}

// InsertCorrections inserts a batch, skipping existing (department, original,
// corrected) triples, and returns the number of new rows.
func (s *Store) InsertCorrections(ctx context.Context, corrections []domain.Correction) (int, error) {
	if len(corrections) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO corrections
			 (id, department, original_text, corrected_text, distance, usage_count, confidence, last_used, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range corrections {
			created := c.CreatedAt
			if created.IsZero() {
				created = s.now()
			}
			res, err := stmt.ExecContext(ctx,
				c.ID, c.Department, c.OriginalText, c.CorrectedText, c.Distance,
				c.UsageCount, domain.Clamp01(c.Confidence), nullTime(c.LastUsed), created.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert correction %q: %w", c.OriginalText, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("insert corrections", err)
	}
	return inserted, nil
}

func updateCorrectionsTx(ctx context.Context, tx *sql.Tx, updates []domain.CorrectionUpdate) error {
	for _, u := range updates {
		var sets []string
		var args []any
		if u.UsageCount != nil {
			sets = append(sets, "usage_count = ?")
			args = append(args, *u.UsageCount)
		}
		if u.Confidence != nil {
			sets = append(sets, "confidence = ?")
			args = append(args, domain.Clamp01(*u.Confidence))
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
			`UPDATE corrections SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
		); err != nil {
			return fmt.Errorf("update correction %s: %w", u.ID, err)
		}
	}
	return nil
}
