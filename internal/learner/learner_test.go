package learner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"querybot/internal/audit"
	"querybot/internal/cache"
	"querybot/internal/domain"
	"querybot/internal/storage/sqlite"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "learner-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type auditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *auditLog) Emit(ev domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *auditLog) kinds() map[domain.AuditKind]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[domain.AuditKind]int)
	for _, ev := range a.events {
		out[ev.Kind]++
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Departments = []string{"ACCOUNTING", "SALES"}
	cfg.PromoteThreshold = 0.4
	cfg.BatchSize = 2
	return cfg
}

func newLearner(t *testing.T, store Store, cfg Config, opts ...Option) *Learner {
	t.Helper()
	l := New(cfg, store, zap.NewNop(), opts...)
	l.now = func() time.Time { return now }
	return l
}

// fullTextHits records n successful full-text lookups of input by distinct
// users, spread over the last days.
func fullTextHits(dept, input string, n int) []domain.InteractionEvent {
	var out []domain.InteractionEvent
	for i := 0; i < n; i++ {
		out = append(out, domain.InteractionEvent{
			ID:               fmt.Sprintf("%s-%s-%d", dept, input, i),
			UserID:           fmt.Sprintf("u%d", i),
			Department:       dept,
			RawInput:         input,
			InterpretedQuery: input,
			QueryType:        domain.QueryFullText,
			ConfidenceScore:  0.7,
			Success:          true,
			Timestamp:        now.Add(-time.Duration(10-i) * 24 * time.Hour),
		})
	}
	return out
}

func TestRunTwiceStoresCandidateOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendEvents(ctx, fullTextHits("SALES", "ord lst", 5)...))

	mem, err := cache.NewMemory(8)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, cache.PatternsKey("SALES"), []byte("[]"), time.Hour))

	metrics := audit.NewMetrics(prometheus.NewRegistry())
	l := newLearner(t, store, testConfig(), WithMetrics(metrics), WithCacheInvalidation(mem))

	rep, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePruneFlag, rep.LastState)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Stored)
	_, ok, _ := mem.Get(ctx, cache.PatternsKey("SALES"))
	assert.False(t, ok, "pattern cache invalidated after store")

	rep, err = l.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Stored)

	patterns, err := store.PatternsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, "ord lst", p.Text)
	assert.Equal(t, domain.QueryFullText, p.QueryType)
	assert.Equal(t, 5, p.UsageCount)
	assert.True(t, domain.ValidScore(p.PriorityScore))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LearnerRuns.WithLabelValues("ok")))
}

func TestDiscoverFiltersWeakAndCoveredGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rare := fullTextHits("SALES", "ord rare", 2)
	failing := fullTextHits("SALES", "ord bad", 4)
	for i := range failing {
		failing[i].Success = i == 0
		failing[i].ErrorKind = domain.ErrKindInterpretationFailure
	}
	covered := fullTextHits("ACCOUNTING", "inv 20260310", 4)
	for i := range covered {
		covered[i].PatternID = "p-inv"
		covered[i].QueryType = domain.QueryLookup
	}
	builtIn := fullTextHits("SALES", "cm", 5)
	foreign := fullTextHits("HR", "lv bal", 5)

	for _, evs := range [][]domain.InteractionEvent{rare, failing, covered, builtIn, foreign} {
		require.NoError(t, store.AppendEvents(ctx, evs...))
	}

	rep, err := newLearner(t, store, testConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates, "only the foreign-department group survives discovery")
	assert.Equal(t, 1, rep.Rejected, "unknown department is rejected by validation")
	assert.Zero(t, rep.Stored)
}

func TestStoreRespectsPromoteThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendEvents(ctx, fullTextHits("SALES", "ord lst", 5)...))

	cfg := testConfig()
	cfg.PromoteThreshold = 0.9
	rep, err := newLearner(t, store, cfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Zero(t, rep.Promoted)
	assert.Zero(t, rep.Stored)
}

func TestReweighStaysWithinBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lastUsed := now.Add(-5 * 24 * time.Hour)
	_, err := store.InsertPatterns(ctx, []domain.Pattern{
		{ID: "hi", Department: "ACCOUNTING", Text: "t bnk p cm", ExpandedQuery: "balance", QueryType: domain.QueryBalance, PriorityScore: 0.98, UsageCount: 40, LastUsed: lastUsed, CreatedAt: now.AddDate(0, -2, 0)},
		{ID: "lo", Department: "ACCOUNTING", Text: "t bnk p lm", ExpandedQuery: "balance", QueryType: domain.QueryBalance, PriorityScore: 0.02, UsageCount: 40, LastUsed: lastUsed, CreatedAt: now.AddDate(0, -2, 0)},
	})
	require.NoError(t, err)

	var events []domain.InteractionEvent
	for i := 0; i < 3; i++ {
		ts := now.Add(-time.Duration(i+1) * time.Hour)
		events = append(events,
			domain.InteractionEvent{ID: fmt.Sprintf("hi%d", i), UserID: "u1", Department: "ACCOUNTING", RawInput: "t bnk p cm", PatternID: "hi", ConfidenceScore: 1, Success: true, Timestamp: ts},
			domain.InteractionEvent{ID: fmt.Sprintf("lo%d", i), UserID: "u1", Department: "ACCOUNTING", RawInput: "t bnk p lm", PatternID: "lo", ConfidenceScore: 0, Success: false, ErrorKind: domain.ErrKindInterpretationFailure, Timestamp: ts},
		)
	}
	// Older than last_used: counted for the blend, not for usage.
	events = append(events, domain.InteractionEvent{ID: "hi-old", UserID: "u2", Department: "ACCOUNTING", RawInput: "t bnk p cm", PatternID: "hi", ConfidenceScore: 1, Success: true, Timestamp: lastUsed.Add(-time.Hour)})
	require.NoError(t, store.AppendEvents(ctx, events...))

	cfg := testConfig()
	cfg.Reweigh = ReweighWeights{Old: 1, Confidence: 1, SuccessRate: 1} // deliberately oversized
	rep, err := newLearner(t, store, cfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Reweighed)

	patterns, err := store.AllPatterns(ctx)
	require.NoError(t, err)
	byID := map[string]domain.Pattern{}
	for _, p := range patterns {
		byID[p.ID] = p
	}
	assert.Equal(t, 1.0, byID["hi"].PriorityScore)
	assert.InDelta(t, 0.02, byID["lo"].PriorityScore, 1e-9)
	assert.Equal(t, 43, byID["hi"].UsageCount)
	assert.True(t, byID["hi"].LastUsed.Equal(now.Add(-time.Hour)))

	cfg.Reweigh = DefaultConfig().Reweigh
	_, err = newLearner(t, store, cfg).Run(ctx)
	require.NoError(t, err)
	patterns, err = store.AllPatterns(ctx)
	require.NoError(t, err)
	for _, p := range patterns {
		assert.GreaterOrEqual(t, p.PriorityScore, 0.0)
		assert.LessOrEqual(t, p.PriorityScore, 1.0)
		if p.ID == "hi" {
			assert.Equal(t, 43, p.UsageCount, "usage is not double counted")
		}
	}
}

func TestPruneFlagsStalePatternWithoutDeleting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.InsertPatterns(ctx, []domain.Pattern{
		{ID: "old", Department: "ACCOUNTING", Text: "old rpt", ExpandedQuery: "old report", QueryType: domain.QueryReport, PriorityScore: 0.2, UsageCount: 1, LastUsed: now.AddDate(0, 0, -120), CreatedAt: now.AddDate(-1, 0, 0)},
		{ID: "idle", Department: "ACCOUNTING", Text: "idle rpt", ExpandedQuery: "idle report", QueryType: domain.QueryReport, PriorityScore: 0.8, UsageCount: 50, LastUsed: now.AddDate(0, 0, -100), CreatedAt: now.AddDate(-1, 0, 0)},
		{ID: "live", Department: "ACCOUNTING", Text: "live rpt", ExpandedQuery: "live report", QueryType: domain.QueryReport, PriorityScore: 0.8, UsageCount: 50, LastUsed: now.AddDate(0, 0, -1), CreatedAt: now.AddDate(-1, 0, 0)},
	})
	require.NoError(t, err)

	log := &auditLog{}
	rep, err := newLearner(t, store, testConfig(), WithAuditor(log)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Flagged)

	patterns, err := store.AllPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 3, "flagged patterns are kept")
	flagged := map[string]string{}
	for _, p := range patterns {
		if p.FlaggedForArchival {
			flagged[p.ID] = p.FlagReason
		}
	}
	assert.Contains(t, flagged["old"], "low usage")
	assert.Contains(t, flagged["idle"], "unused for 100 days")
	assert.NotContains(t, flagged, "live")

	kinds := log.kinds()
	assert.Equal(t, 2, kinds[domain.AuditPatternFlagged])
	assert.Equal(t, 1, kinds[domain.AuditLearnerRun])

	rep, err = newLearner(t, store, testConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Flagged)
}

func typoThenFix(id, user string, at time.Time) []domain.InteractionEvent {
	return []domain.InteractionEvent{
		{ID: id + "-fail", UserID: user, Department: "ACCOUNTING", RawInput: "t bnk py cm", ErrorKind: domain.ErrKindPatternMismatch, Timestamp: at},
		{ID: id + "-ok", UserID: user, Department: "ACCOUNTING", RawInput: "t bnk p cm", PatternID: "p1", QueryType: domain.QueryBalance, ConfidenceScore: 0.8, Success: true, Timestamp: at.Add(30 * time.Second)},
	}
}

func TestDiscoversCorrectionsFromRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var events []domain.InteractionEvent
	events = append(events, typoThenFix("a", "u1", now.Add(-48*time.Hour))...)
	events = append(events, typoThenFix("b", "u2", now.Add(-24*time.Hour))...)
	// Too slow to count as a retry.
	events = append(events,
		domain.InteractionEvent{ID: "c-fail", UserID: "u3", Department: "ACCOUNTING", RawInput: "t bnk p xm", ErrorKind: domain.ErrKindPatternMismatch, Timestamp: now.Add(-3 * time.Hour)},
		domain.InteractionEvent{ID: "c-ok", UserID: "u3", Department: "ACCOUNTING", RawInput: "t bnk p cm", Success: true, ConfidenceScore: 0.8, Timestamp: now.Add(-2 * time.Hour)},
	)
	require.NoError(t, store.AppendEvents(ctx, events...))

	l := newLearner(t, store, testConfig())
	rep, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CorrectionCandidates)
	assert.Equal(t, 1, rep.CorrectionsStored)

	corrections, err := store.CorrectionsByDepartment(ctx, "ACCOUNTING")
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	c := corrections[0]
	assert.Equal(t, "t bnk py cm", c.OriginalText)
	assert.Equal(t, "t bnk p cm", c.CorrectedText)
	assert.Equal(t, 1, c.Distance)
	assert.Equal(t, 2, c.UsageCount)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)

	rep, err = l.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.CorrectionsStored)
}

func TestFoldsCorrectionFeedbackOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.InsertCorrections(ctx, []domain.Correction{
		{ID: "c1", Department: "ACCOUNTING", OriginalText: "t bnk py cm", CorrectedText: "t bnk p cm", Distance: 1, UsageCount: 2, Confidence: 0.5, CreatedAt: now},
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendFeedback(ctx, domain.CorrectionFeedback{ID: "f1", CorrectionID: "c1", UserID: "u1", Department: "ACCOUNTING", Accepted: true, Timestamp: now.Add(-time.Hour)}))
	require.NoError(t, store.AppendFeedback(ctx, domain.CorrectionFeedback{ID: "f2", CorrectionID: "c1", UserID: "u2", Department: "ACCOUNTING", Accepted: false, Timestamp: now.Add(-30 * time.Minute)}))
	require.NoError(t, store.AppendFeedback(ctx, domain.CorrectionFeedback{ID: "f3", CorrectionID: "gone", UserID: "u2", Department: "ACCOUNTING", Accepted: true, Timestamp: now.Add(-20 * time.Minute)}))

	l := newLearner(t, store, testConfig())
	rep, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.FeedbackApplied)

	c, err := store.CorrectionByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UsageCount)
	// 0.5 -> 0.6 (accept) -> 0.48 (reject)
	assert.InDelta(t, 0.48, c.Confidence, 1e-9)

	rep, err = l.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.FeedbackApplied)
	c, err = store.CorrectionByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UsageCount)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	store := newTestStore(t)
	metrics := audit.NewMetrics(prometheus.NewRegistry())
	l := newLearner(t, store, testConfig(), WithMetrics(metrics))

	l.mu.Lock()
	_, err := l.Run(context.Background())
	l.mu.Unlock()

	assert.True(t, errors.Is(err, domain.ErrRunInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LearnerRuns.WithLabelValues("skipped")))

	_, err = l.Run(context.Background())
	assert.NoError(t, err)
}

// pausedStore blocks the first DISCOVER read until released.
type pausedStore struct {
	*sqlite.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *pausedStore) EventsSince(ctx context.Context, since time.Time, department string) ([]domain.InteractionEvent, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.Store.EventsSince(ctx, since, department)
}

func TestRunIsExclusiveAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	ctx := context.Background()

	paused := &pausedStore{Store: first, entered: make(chan struct{}), release: make(chan struct{})}
	a := newLearner(t, paused, testConfig())
	metrics := audit.NewMetrics(prometheus.NewRegistry())
	b := newLearner(t, second, testConfig(), WithMetrics(metrics))

	done := make(chan error, 1)
	go func() {
		_, err := a.Run(ctx)
		done <- err
	}()
	<-paused.entered

	_, err = b.Run(ctx)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LearnerRuns.WithLabelValues("skipped")))

	close(paused.release)
	require.NoError(t, <-done)

	rep, err := b.Run(ctx)
	require.NoError(t, err, "lease released when the first run ends")
	assert.Equal(t, StatePruneFlag, rep.LastState)
}

func TestCancelledRunStopsBetweenStates(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newLearner(t, store, testConfig()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, rep.LastState)
}

type failingStore struct {
	Store
	inserts int
}

func (f *failingStore) InsertPatterns(context.Context, []domain.Pattern) (int, error) {
	f.inserts++
	return 0, domain.ErrUnavailable
}

func TestFailedBatchIsRetriedOnceThenSkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendEvents(ctx, fullTextHits("SALES", "ord lst", 5)...))

	fs := &failingStore{Store: store}
	rep, err := newLearner(t, fs, testConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.inserts)
	assert.Equal(t, 1, rep.BatchErrors)
	assert.Equal(t, StatePruneFlag, rep.LastState, "run continues after a dropped batch")
}

func TestDominantIntentTieBreakIsStable(t *testing.T) {
	counts := map[intent]int{
		{domain.QueryReport, "orders list"}:   2,
		{domain.QueryFullText, "orders list"}: 2,
		{domain.QueryLookup, "order lookup"}:  1,
		{domain.QueryLookup, "zz orders"}:     2,
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, intent{domain.QueryFullText, "orders list"}, dominantIntent(counts))
	}
	assert.Equal(t, intent{domain.QueryLookup, "order lookup"},
		dominantIntent(map[intent]int{{domain.QueryLookup, "order lookup"}: 3, {domain.QueryReport, "a"}: 1}))
}

func TestLearningPotential(t *testing.T) {
	w := DefaultConfig().Rank
	assert.InDelta(t, 1.0, LearningPotential(w, 500, 1, 50, 1, 90), 1e-9)
	assert.Zero(t, LearningPotential(w, 0, 0, 0, 0, 0))
	assert.InDelta(t, 0.3*0.5+0.25*0.8+0.2*0.25+0.15*0.9+0.1*0.5,
		LearningPotential(w, 50, 0.8, 5, 0.9, 15), 1e-9)
}

func TestSchedulerStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(zap.NewNop())
	require.NoError(t, s.Add(Job{Name: "noop", Schedule: "*/5 * * * *", Run: func(context.Context) error { return nil }}))
	require.NoError(t, s.Add(Job{Name: "disabled", Schedule: " "}))
	assert.Error(t, s.Add(Job{Name: "bad", Schedule: "every minute"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Start(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
