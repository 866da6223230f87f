package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querybot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "querybot-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPatternsOrderedByPriorityThenRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	n, err := s.InsertPatterns(ctx, []domain.Pattern{
		{ID: "p1", Department: "ACCOUNTING", Text: "t bnk p cm", QueryType: domain.QueryBalance, PriorityScore: 0.6, LastUsed: base},
		{ID: "p2", Department: "ACCOUNTING", Text: "inv {date}", QueryType: domain.QueryLookup, PriorityScore: 0.9},
		{ID: "p3", Department: "ACCOUNTING", Text: "rpt {period}", QueryType: domain.QueryReport, PriorityScore: 0.6, LastUsed: base.Add(time.Hour)},
		{ID: "p4", Department: "SALES", Text: "t bnk p cm", QueryType: domain.QueryBalance, PriorityScore: 0.99},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := s.PatternsByDepartment(ctx, "ACCOUNTING")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"p2", "p3", "p1"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.True(t, got[1].LastUsed.Equal(base.Add(time.Hour)))
	assert.True(t, got[0].LastUsed.IsZero())
}

func TestPatternsEmptyDepartmentIsValidEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.PatternsByDepartment(context.Background(), "HR")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertPatternsSkipsDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := domain.Pattern{ID: "p1", Department: "SALES", Text: "ord {qty}", QueryType: domain.QueryLookup, PriorityScore: 0.8}

	n, err := s.InsertPatterns(ctx, []domain.Pattern{p})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p.ID = "p2"
	n, err = s.InsertPatterns(ctx, []domain.Pattern{p})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	exists, err := s.PatternExists(ctx, "SALES", "ord {qty}")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpdatePatternsClampsPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertPatterns(ctx, []domain.Pattern{
		{ID: "p1", Department: "SALES", Text: "ord cm", QueryType: domain.QueryReport, PriorityScore: 0.5},
	})
	require.NoError(t, err)

	used := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdatePatterns(ctx, []domain.PatternUpdate{
		{ID: "p1", PriorityScore: domain.Float(1.7), UsageCount: domain.Int(12), LastUsed: domain.Time(used)},
	}))

	got, err := s.PatternsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].PriorityScore)
	assert.Equal(t, 12, got[0].UsageCount)
	assert.True(t, got[0].LastUsed.Equal(used))
}

func TestFlagAndArchivePatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.InsertPatterns(ctx, []domain.Pattern{
		{ID: "p1", Department: "SALES", Text: "old cm", QueryType: domain.QueryReport, PriorityScore: 0.2},
		{ID: "p2", Department: "SALES", Text: "new cm", QueryType: domain.QueryReport, PriorityScore: 0.8},
	})
	require.NoError(t, err)

	n, err := s.FlagPatterns(ctx, []domain.PatternFlag{{ID: "p1", Reason: "stale"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.FlagPatterns(ctx, []domain.PatternFlag{{ID: "p1", Reason: "stale"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	flagged, err := s.FlaggedPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "stale", flagged[0].FlagReason)

	// Flagging alone keeps the pattern live.
	live, err := s.PatternsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	assert.Len(t, live, 2)

	archived, err := s.ArchiveFlagged(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	live, err = s.PatternsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "p2", live[0].ID)

	var rows int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM patterns`).Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestCorrectionRoundTripIsDepartmentScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n, err := s.InsertCorrections(ctx, []domain.Correction{
		{ID: "c1", Department: "ACCOUNTING", OriginalText: "t bnk py cm", CorrectedText: "t bnk p cm", Distance: 1, Confidence: 0.8},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.CorrectionsByDepartment(ctx, "ACCOUNTING")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t bnk py cm", got[0].OriginalText)
	assert.Equal(t, "t bnk p cm", got[0].CorrectedText)

	other, err := s.CorrectionsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = s.CorrectionByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventsWindowAndDepartmentFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEvents(ctx,
		domain.InteractionEvent{ID: "e1", UserID: "u1", Department: "SALES", RawInput: "ord cm", Success: true, ConfidenceScore: 0.9, Timestamp: base.Add(-48 * time.Hour)},
		domain.InteractionEvent{ID: "e2", UserID: "u1", Department: "SALES", RawInput: "ord lm", Success: false, ErrorKind: domain.ErrKindPatternMismatch, Timestamp: base},
		domain.InteractionEvent{ID: "e3", UserID: "u2", Department: "HR", RawInput: "emp cm", Success: true, Timestamp: base.Add(time.Minute)},
	))
	// Replays are ignored.
	require.NoError(t, s.AppendEvents(ctx, domain.InteractionEvent{ID: "e2", UserID: "u9", Department: "SALES", RawInput: "x", Timestamp: base}))

	got, err := s.EventsSince(ctx, base.Add(-time.Hour), "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, domain.ErrKindPatternMismatch, got[0].ErrorKind)
	assert.Equal(t, "u1", got[0].UserID)

	got, err = s.EventsSince(ctx, base.Add(-72*time.Hour), "SALES")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	recent, err := s.RecentEventsByUser(ctx, "u1", "SALES", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e2", recent[0].ID)
}

func TestRecordMissIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordMiss(ctx, "SALES", "ord xx"))
	require.NoError(t, s.RecordMiss(ctx, "SALES", "ord xx"))
	require.NoError(t, s.RecordMiss(ctx, "SALES", "ord yy"))

	misses, err := s.Misses(ctx, "SALES", 2)
	require.NoError(t, err)
	require.Len(t, misses, 1)
	assert.Equal(t, "ord xx", misses[0].RawInput)
	assert.Equal(t, 2, misses[0].Hits)
}

func TestApplyFeedbackMarksRowsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err := s.InsertCorrections(ctx, []domain.Correction{
		{ID: "c1", Department: "SALES", OriginalText: "ord lst", CorrectedText: "ord list", UsageCount: 2, Confidence: 0.5},
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendFeedback(ctx, domain.CorrectionFeedback{ID: "f1", CorrectionID: "c1", UserID: "u1", Department: "SALES", Accepted: true, Timestamp: base}))

	pending, err := s.PendingFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ApplyFeedback(ctx,
		[]domain.CorrectionUpdate{{ID: "c1", UsageCount: domain.Int(3), Confidence: domain.Float(0.6)}},
		[]string{"f1"}))

	pending, err = s.PendingFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	c, err := s.CorrectionByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UsageCount)
	assert.InDelta(t, 0.6, c.Confidence, 1e-9)
}

func TestAppendAuditIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := domain.AuditEvent{
		ID: "a1", Kind: domain.AuditValidation, Layer: domain.LayerLogical,
		ErrorKind: domain.ErrKindPatternMismatch, Payload: map[string]string{"input": "ord xx"},
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.AppendAudit(ctx, ev, ev))
	require.NoError(t, s.AppendAudit(ctx, ev))

	counts, err := s.AuditKindCounts(ctx, ev.Timestamp.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.AuditValidation])

	var payload, layer string
	require.NoError(t, s.DB().QueryRow(`SELECT payload, layer FROM audit_events WHERE id = 'a1'`).Scan(&payload, &layer))
	assert.JSONEq(t, `{"input":"ord xx"}`, payload)
	assert.Equal(t, "logical", layer)
}

func TestAuditSinceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendAudit(ctx,
		domain.AuditEvent{ID: "a1", Kind: domain.AuditValidation, Timestamp: base.Add(-time.Hour)},
		domain.AuditEvent{
			ID: "a2", Kind: domain.AuditValidation, UserID: "u1", Department: "SALES",
			Layer: domain.LayerInterpreter, Success: true, Confidence: 0.7,
			Elapsed: 1500 * time.Microsecond, Payload: map[string]string{"input": "ord lst"},
			Timestamp: base,
		},
		domain.AuditEvent{ID: "a3", Kind: domain.AuditCorrectionShown, Layer: domain.LayerCorrection, Timestamp: base.Add(time.Minute)},
	))

	got, err := s.AuditSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].ID)
	assert.Equal(t, domain.LayerInterpreter, got[0].Layer)
	assert.True(t, got[0].Success)
	assert.Equal(t, 1500*time.Microsecond, got[0].Elapsed)
	assert.Equal(t, "ord lst", got[0].Payload["input"])
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.Equal(t, domain.AuditCorrectionShown, got[1].Kind)
	assert.Equal(t, domain.LayerCorrection, got[1].Layer)
}

func TestInterpretationStatsAndTrend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEvents(ctx,
		domain.InteractionEvent{ID: "e1", UserID: "u1", Department: "SALES", RawInput: "a", Success: true, ConfidenceScore: 0.95, Timestamp: base},
		domain.InteractionEvent{ID: "e2", UserID: "u1", Department: "SALES", RawInput: "b", Success: true, ConfidenceScore: 0.75, Timestamp: base},
		domain.InteractionEvent{ID: "e3", UserID: "u1", Department: "SALES", RawInput: "c", ErrorKind: domain.ErrKindCorrectionSuggested, ConfidenceScore: 0.3, Timestamp: base},
	))
	require.NoError(t, s.AppendFeedback(ctx, domain.CorrectionFeedback{ID: "f1", CorrectionID: "c1", UserID: "u1", Department: "SALES", Accepted: true, Timestamp: base}))

	st, err := s.InterpretationStats(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 1, st.Bucket90Plus)
	assert.Equal(t, 1, st.Bucket70to90)
	assert.Equal(t, 1, st.BucketBelow50)
	assert.Equal(t, 1, st.CorrectionsShown)
	assert.Equal(t, 1.0, st.AcceptanceRate())
	assert.InDelta(t, 2.0/3.0, st.SuccessRate(), 1e-9)

	mix, err := s.ErrorKindMix(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, mix, 1)
	assert.Equal(t, domain.ErrKindCorrectionSuggested, mix[0].Kind)

	trend, err := s.WeeklyTrend(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, "2026-03-09", trend[0].WeekStart)
	assert.Equal(t, 3, trend[0].Interactions)
	assert.Equal(t, 1, trend[0].Corrections)
}

func TestDocumentsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertDocuments(ctx, []domain.CorpusDocument{
		{ID: "d1", Department: "SALES", Title: "Quarterly targets", Body: "targets per region"},
	})
	require.NoError(t, err)
	_, err = s.UpsertDocuments(ctx, []domain.CorpusDocument{
		{ID: "d1", Department: "SALES", Title: "Quarterly targets v2", Body: "targets per region"},
	})
	require.NoError(t, err)

	docs, err := s.Documents(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Quarterly targets v2", docs[0].Title)
}

func TestLeaseExcludesOtherHolderUntilExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, err := a.AcquireLease(ctx, "learner", "proc-a", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLease(ctx, "learner", "proc-b", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by proc-a")

	ok, err = a.AcquireLease(ctx, "learner", "proc-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	clock = clock.Add(11 * time.Minute)
	ok, err = b.AcquireLease(ctx, "learner", "proc-b", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, a.ReleaseLease(ctx, "learner", "proc-a"))
	ok, err = a.AcquireLease(ctx, "learner", "proc-a", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a former holder is a no-op")

	require.NoError(t, b.ReleaseLease(ctx, "learner", "proc-b"))
	ok, err = a.AcquireLease(ctx, "learner", "proc-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
