package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"querybot/internal/domain"
)

// AppendAudit writes audit events. Delivery is at-least-once upstream, so a
// replayed event ID is ignored.
func (s *Store) AppendAudit(ctx context.Context, events ...domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO audit_events
			 (id, kind, user_id, department, layer, success, error_kind, confidence, elapsed_us, payload, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			payload := []byte("{}")
			if len(e.Payload) > 0 {
				if payload, err = json.Marshal(e.Payload); err != nil {
					return fmt.Errorf("marshal audit payload %s: %w", e.ID, err)
				}
			}
			ts := e.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, string(e.Kind), e.UserID, e.Department, e.Layer.String(), boolInt(e.Success),
				string(e.ErrorKind), e.Confidence, e.Elapsed.Microseconds(), string(payload), ts.UTC(),
			); err != nil {
				return fmt.Errorf("insert audit event %s: %w", e.ID, err)
			}
		}
		return nil
	})
	return unavailable("append audit", err)
}

// AuditKindCounts counts audit events by kind since the given time.
func (s *Store) AuditKindCounts(ctx context.Context, since time.Time) (map[domain.AuditKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM audit_events WHERE ts >= ? GROUP BY kind`,
		since.UTC(),
	)
	if err != nil {
		return nil, unavailable("count audit events", err)
	}
	defer rows.Close()

	out := make(map[domain.AuditKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, unavailable("scan audit count", err)
		}
		out[domain.AuditKind(kind)] = n
	}
	return out, unavailable("scan audit counts", rows.Err())
}

// AuditSince returns audit events recorded at or after since, oldest first.
// A payload that fails to decode is dropped, not the event.
func (s *Store) AuditSince(ctx context.Context, since time.Time) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, user_id, department, layer, success, error_kind, confidence, elapsed_us, payload, ts
		 FROM audit_events
		 WHERE ts >= ?
		 ORDER BY ts, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, unavailable("query audit events", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var kind, layer, errKind, payload string
		var success int
		var elapsedUS int64
		if err := rows.Scan(&ev.ID, &kind, &ev.UserID, &ev.Department, &layer, &success,
			&errKind, &ev.Confidence, &elapsedUS, &payload, &ev.Timestamp); err != nil {
			return nil, unavailable("scan audit event", err)
		}
		ev.Kind = domain.AuditKind(kind)
		ev.Layer = domain.ParseLayer(layer)
		ev.Success = success == 1
		ev.ErrorKind = domain.ErrorKind(errKind)
		ev.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		if payload != "" && payload != "{}" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, unavailable("scan audit events", rows.Err())
}
