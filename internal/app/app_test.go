package app

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"querybot/internal/config"
	"querybot/internal/domain"
	"querybot/internal/interpret"
	"querybot/internal/storage/sqlite"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "app.db"))
	t.Setenv("DEPARTMENTS", "ACCOUNTING,SALES")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestBuildProcessesAndPersistsRequests(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Store.InsertPatterns(ctx, []domain.Pattern{{
		ID: "p1", Department: "ACCOUNTING", Text: "t bnk p cm",
		ExpandedQuery: "total bank payments current month", QueryType: domain.QueryBalance,
		PriorityScore: 0.8, CreatedAt: time.Now(),
	}})
	require.NoError(t, err)

	var outs []interpret.Output
	err = a.WithEmitter(ctx, func(ctx context.Context) error {
		outs = append(outs,
			a.Pipeline.Process(ctx, interpret.Input{UserID: "u1", DepartmentID: "ACCOUNTING", RawText: "t bnk p cm"}),
			a.Pipeline.Process(ctx, interpret.Input{UserID: "u1", DepartmentID: "ACCOUNTING", RawText: "T BNK"}),
		)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, outs, 2)
	assert.True(t, outs[0].Success)
	assert.Equal(t, "total bank payments current month", outs[0].ExpandedQuery)
	assert.Equal(t, domain.ErrKindSyntax, outs[1].ErrorKind)

	events, err := a.Store.EventsSince(ctx, time.Now().Add(-time.Hour), "ACCOUNTING")
	require.NoError(t, err)
	assert.Len(t, events, 2, "emitter flushed on shutdown")

	kinds, err := a.Store.AuditKindCounts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, kinds[domain.AuditValidation])

	var out bytes.Buffer
	require.NoError(t, a.WriteStats(ctx, &out, time.Now()))
	assert.Contains(t, out.String(), "- Interactions: 2")
	assert.Contains(t, out.String(), "- SYNTAX: 1")
}

func TestUnmatchedInputIsLearnedWithDefaults(t *testing.T) {
	cfg := testConfig(t)
	require.False(t, cfg.StrictPatterns)
	ctx := context.Background()
	a, err := Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Store.UpsertDocuments(ctx, []domain.CorpusDocument{
		{ID: "d1", Department: "SALES", Title: "Open order list", Body: "ord lst shows every open order"},
		{ID: "d2", Department: "SALES", Title: "Price sheet", Body: "current list prices"},
	})
	require.NoError(t, err)

	err = a.WithEmitter(ctx, func(ctx context.Context) error {
		for i := 0; i < 80; i++ {
			out := a.Pipeline.Process(ctx, interpret.Input{UserID: fmt.Sprintf("u%d", i%20), DepartmentID: "SALES", RawText: "ord lst"})
			require.True(t, out.Success, "full-text fallback serves unmatched input")
			require.Equal(t, domain.QueryFullText, out.QueryType)
			require.Equal(t, interpret.ConfidenceFullTextHit, out.ConfidenceScore)
		}
		return nil
	})
	require.NoError(t, err)

	rep, err := a.Learner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Stored)

	patterns, err := a.Store.PatternsByDepartment(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "ord lst", patterns[0].Text)
	assert.Equal(t, domain.QueryFullText, patterns[0].QueryType)
	assert.Greater(t, patterns[0].PriorityScore, cfg.LearnerPromoteThreshold)

	var out interpret.Output
	err = a.WithEmitter(ctx, func(ctx context.Context) error {
		out = a.Pipeline.Process(ctx, interpret.Input{UserID: "u1", DepartmentID: "SALES", RawText: "ord lst"})
		return nil
	})
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Equal(t, patterns[0].ID, out.PatternID, "learned pattern now serves the input")
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "d1", out.Results[0].ID)
}

func TestJobsIncludeTrainingForLogisticPredictor(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	jobs := a.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "pattern-learner", jobs[0].Name)
	assert.Equal(t, cfg.LearnerSchedule, jobs[0].Schedule)
	assert.Equal(t, "predictor-training", jobs[1].Name)
}

func TestLearnerConfigFromServiceConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LearnerLookbackDays = 14
	cfg.LearnerStaleDays = 60
	cfg.LearnerPromoteThreshold = 0.5

	lc := LearnerConfig(cfg)
	assert.Equal(t, 14*24*time.Hour, lc.Lookback)
	assert.Equal(t, 60*24*time.Hour, lc.StaleAfter)
	assert.Equal(t, 0.5, lc.PromoteThreshold)
	assert.Equal(t, []string{"ACCOUNTING", "SALES"}, lc.Departments)
	assert.Equal(t, cfg.Rank.UsageCap, lc.Rank.UsageCap)
	assert.Equal(t, cfg.Reweigh.Old, lc.Reweigh.Old)
	assert.Equal(t, 2*time.Minute, lc.CorrectionWindow)
}

func TestFormatStatsSections(t *testing.T) {
	got := FormatStats(StatsReport{
		AllTime: sqlite.InterpretationStats{Total: 10, Successes: 8, AvgConfidence: 0.81, CorrectionsAccepted: 3, CorrectionsRejected: 1},
		Recent:  sqlite.InterpretationStats{Total: 4, Successes: 4, AvgConfidence: 0.9, Bucket90Plus: 2, Bucket70to90: 2},
		Errors:  []sqlite.ErrorKindStat{{Kind: domain.ErrKindPatternMismatch, Count: 2}},
		Trend:   []sqlite.WeeklyTrend{{WeekStart: "2026-05-11", Interactions: 4, Successes: 4, AvgConfidence: 0.9}},
	})
	assert.Contains(t, got, "- Success rate: 80.0%")
	assert.Contains(t, got, "- Corrections accepted: 3 of 4 (75.0%)")
	assert.Contains(t, got, "- 90%+: 2")
	assert.Contains(t, got, "- PATTERN_MISMATCH: 2")
	assert.Contains(t, got, "- 2026-05-11: 4 interactions, 4 succeeded, avg conf 0.90")

	empty := FormatStats(StatsReport{})
	assert.NotContains(t, empty, "Weekly Trend")
	assert.NotContains(t, empty, "Success rate")
}
