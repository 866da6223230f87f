package sqlite

import (
	"context"
	"time"

	"querybot/internal/domain"
)

// InterpretationStats summarizes interaction telemetry over a window.
type InterpretationStats struct {
	Total         int
	Successes     int
	AvgConfidence float64

	BucketBelow50 int
	Bucket50to70  int
	Bucket70to90  int
	Bucket90Plus  int

	CorrectionsShown    int
	CorrectionsAccepted int
	CorrectionsRejected int
}

func (s InterpretationStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

func (s InterpretationStats) AcceptanceRate() float64 {
	answered := s.CorrectionsAccepted + s.CorrectionsRejected
	if answered == 0 {
		return 0
	}
	return float64(s.CorrectionsAccepted) / float64(answered)
}

func (s *Store) InterpretationStats(ctx context.Context, since time.Time) (InterpretationStats, error) {
	var st InterpretationStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(confidence_score), 0),
		        COALESCE(SUM(CASE WHEN confidence_score < 0.50 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence_score >= 0.50 AND confidence_score < 0.70 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence_score >= 0.70 AND confidence_score < 0.90 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN confidence_score >= 0.90 THEN 1 ELSE 0 END), 0)
		 FROM interaction_events WHERE ts >= ?`,
		since.UTC(),
	).Scan(&st.Total, &st.Successes, &st.AvgConfidence,
		&st.BucketBelow50, &st.Bucket50to70, &st.Bucket70to90, &st.Bucket90Plus)
	if err != nil {
		return st, unavailable("interpretation stats", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN accepted = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN accepted = 0 THEN 1 ELSE 0 END), 0)
		 FROM correction_feedback WHERE ts >= ?`,
		since.UTC(),
	).Scan(&st.CorrectionsAccepted, &st.CorrectionsRejected)
	if err != nil {
		return st, unavailable("feedback stats", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interaction_events WHERE ts >= ? AND error_kind = ?`,
		since.UTC(), string(domain.ErrKindCorrectionSuggested),
	).Scan(&st.CorrectionsShown)
	return st, unavailable("correction stats", err)
}

type ErrorKindStat struct {
	Kind  domain.ErrorKind
	Count int
}

// ErrorKindMix counts failed interactions by error kind, most frequent first.
func (s *Store) ErrorKindMix(ctx context.Context, since time.Time) ([]ErrorKindStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT error_kind, COUNT(*) AS cnt
		 FROM interaction_events
		 WHERE ts >= ? AND error_kind != ''
		 GROUP BY error_kind
		 ORDER BY cnt DESC, error_kind`,
		since.UTC(),
	)
	if err != nil {
		return nil, unavailable("error kind mix", err)
	}
	defer rows.Close()

	var out []ErrorKindStat
	for rows.Next() {
		var st ErrorKindStat
		var kind string
		if err := rows.Scan(&kind, &st.Count); err != nil {
			return nil, unavailable("scan error kind", err)
		}
		st.Kind = domain.ErrorKind(kind)
		out = append(out, st)
	}
	return out, unavailable("scan error kinds", rows.Err())
}

type WeeklyTrend struct {
	WeekStart     string
	Interactions  int
	Successes     int
	Corrections   int
	AvgConfidence float64
}

func (s *Store) WeeklyTrend(ctx context.Context, since time.Time) ([]WeeklyTrend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT
		    strftime('%Y-%m-%d', ts, 'weekday 0', '-6 days') AS week_start,
		    COUNT(*) AS interactions,
		    COALESCE(SUM(success), 0) AS successes,
		    COALESCE(AVG(confidence_score), 0) AS avg_confidence
		 FROM interaction_events
		 WHERE ts >= ?
		 GROUP BY week_start
		 ORDER BY week_start DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, unavailable("weekly trend", err)
	}
	defer rows.Close()

	var trends []WeeklyTrend
	for rows.Next() {
		var t WeeklyTrend
		if err := rows.Scan(&t.WeekStart, &t.Interactions, &t.Successes, &t.AvgConfidence); err != nil {
			return nil, unavailable("scan weekly trend", err)
		}
		trends = append(trends, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan weekly trend", err)
	}

	fbRows, err := s.db.QueryContext(ctx,
		`SELECT
		    strftime('%Y-%m-%d', ts, 'weekday 0', '-6 days') AS week_start,
		    COUNT(*)
		 FROM correction_feedback
		 WHERE ts >= ? AND accepted = 1
		 GROUP BY week_start`,
		since.UTC(),
	)
	if err != nil {
		return trends, nil // feedback counts are optional
	}
	defer fbRows.Close()

	accepted := make(map[string]int)
	for fbRows.Next() {
		var ws string
		var n int
		if err := fbRows.Scan(&ws, &n); err != nil {
			continue
		}
		accepted[ws] = n
	}
	for i := range trends {
		trends[i].Corrections = accepted[trends[i].WeekStart]
	}
	return trends, nil
}
