package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"querybot/internal/domain"
)

// UpsertDocuments replaces corpus documents by ID.
func (s *Store) UpsertDocuments(ctx context.Context, docs []domain.CorpusDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO corpus_documents (id, department, title, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET department = excluded.department, title = excluded.title, body = excluded.body`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range docs {
			if _, err := stmt.ExecContext(ctx, d.ID, d.Department, d.Title, d.Body); err != nil {
				return fmt.Errorf("upsert document %s: %w", d.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("upsert documents", err)
	}
	return len(docs), nil
}

// Documents returns the corpus of one department. An empty department reads
// the whole corpus.
func (s *Store) Documents(ctx context.Context, department string) ([]domain.CorpusDocument, error) {
	query := `SELECT id, department, title, body FROM corpus_documents`
	var args []any
	if department != "" {
		query += ` WHERE department = ?`
		args = append(args, department)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query documents", err)
	}
	defer rows.Close()

	var out []domain.CorpusDocument
	for rows.Next() {
		var d domain.CorpusDocument
		if err := rows.Scan(&d.ID, &d.Department, &d.Title, &d.Body); err != nil {
			return nil, unavailable("scan document", err)
		}
		out = append(out, d)
	}
	return out, unavailable("scan documents", rows.Err())
}
