package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"querybot/internal/domain"
)

func (s *Store) AppendFeedback(ctx context.Context, fb domain.CorrectionFeedback) error {
	ts := fb.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO correction_feedback (id, correction_id, user_id, department, accepted, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.CorrectionID, fb.UserID, fb.Department, boolInt(fb.Accepted), ts.UTC(),
	)
	return unavailable("append feedback", err)
}

// PendingFeedback returns feedback not yet folded into corrections, oldest
// first.
func (s *Store) PendingFeedback(ctx context.Context) ([]domain.CorrectionFeedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correction_id, user_id, department, accepted, ts
		 FROM correction_feedback
		 WHERE applied = 0
		 ORDER BY ts, id`,
	)
	if err != nil {
		return nil, unavailable("query pending feedback", err)
	}
	defer rows.Close()
	return scanFeedback(rows)
}

// ApplyFeedback updates corrections and marks the folded feedback rows in one
// transaction, so a feedback row is counted at most once.
func (s *Store) ApplyFeedback(ctx context.Context, updates []domain.CorrectionUpdate, feedbackIDs []string) error {
	if len(updates) == 0 && len(feedbackIDs) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateCorrectionsTx(ctx, tx, updates); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `UPDATE correction_feedback SET applied = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range feedbackIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("mark feedback %s: %w", id, err)
			}
		}
		return nil
	})
	return unavailable("apply feedback", err)
}

func scanFeedback(rows *sql.Rows) ([]domain.CorrectionFeedback, error) {
	var out []domain.CorrectionFeedback
	for rows.Next() {
		var fb domain.CorrectionFeedback
		var accepted int
		if err := rows.Scan(&fb.ID, &fb.CorrectionID, &fb.UserID, &fb.Department, &accepted, &fb.Timestamp); err != nil {
			return nil, unavailable("scan feedback", err)
		}
		fb.Accepted = accepted == 1
		out = append(out, fb)
	}
	return out, unavailable("scan feedback", rows.Err())
}
