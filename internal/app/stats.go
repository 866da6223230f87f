package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"querybot/internal/storage/sqlite"
)

// StatsReport is the operator dashboard: interpretation accuracy, confidence
// distribution, failure mix and a weekly trend.
type StatsReport struct {
	AllTime sqlite.InterpretationStats
	Recent  sqlite.InterpretationStats
	Errors  []sqlite.ErrorKindStat
	Trend   []sqlite.WeeklyTrend
}

// CollectStats reads the dashboard. The recent window, error mix and trend
// are optional; their failures are logged and leave the section empty.
func (a *App) CollectStats(ctx context.Context, now time.Time) (StatsReport, error) {
	var rep StatsReport
	var err error
	rep.AllTime, err = a.Store.InterpretationStats(ctx, time.Time{})
	if err != nil {
		return rep, fmt.Errorf("all-time stats: %w", err)
	}
	fourWeeksAgo := now.AddDate(0, 0, -28)
	if rep.Recent, err = a.Store.InterpretationStats(ctx, fourWeeksAgo); err != nil {
		a.Logger.Warn("recent stats unavailable", zap.Error(err))
		rep.Recent = sqlite.InterpretationStats{}
	}
	if rep.Errors, err = a.Store.ErrorKindMix(ctx, fourWeeksAgo); err != nil {
		a.Logger.Warn("error mix unavailable", zap.Error(err))
	}
	if rep.Trend, err = a.Store.WeeklyTrend(ctx, now.AddDate(0, 0, -56)); err != nil {
		a.Logger.Warn("weekly trend unavailable", zap.Error(err))
	}
	return rep, nil
}

func writeOverview(sb *strings.Builder, title string, st sqlite.InterpretationStats) {
	fmt.Fprintf(sb, "%s\n", title)
	fmt.Fprintf(sb, "- Interactions: %d\n", st.Total)
	if st.Total > 0 {
		fmt.Fprintf(sb, "- Success rate: %.1f%%\n", 100*st.SuccessRate())
		fmt.Fprintf(sb, "- Avg confidence: %.2f\n", st.AvgConfidence)
	}
	fmt.Fprintf(sb, "- Corrections shown: %d\n", st.CorrectionsShown)
	if answered := st.CorrectionsAccepted + st.CorrectionsRejected; answered > 0 {
		fmt.Fprintf(sb, "- Corrections accepted: %d of %d (%.1f%%)\n",
			st.CorrectionsAccepted, answered, 100*st.AcceptanceRate())
	}
}

func FormatStats(rep StatsReport) string {
	var sb strings.Builder
	sb.WriteString("Interpretation Dashboard\n\n")
	writeOverview(&sb, "All-time Overview", rep.AllTime)
	sb.WriteString("\n")
	writeOverview(&sb, "Last 4 Weeks", rep.Recent)

	sb.WriteString("\nConfidence Distribution (last 4 weeks)\n")
	fmt.Fprintf(&sb, "- <50%%: %d\n", rep.Recent.BucketBelow50)
	fmt.Fprintf(&sb, "- 50-70%%: %d\n", rep.Recent.Bucket50to70)
	fmt.Fprintf(&sb, "- 70-90%%: %d\n", rep.Recent.Bucket70to90)
	fmt.Fprintf(&sb, "- 90%%+: %d\n", rep.Recent.Bucket90Plus)

	if len(rep.Errors) > 0 {
		sb.WriteString("\nFailures by Kind (last 4 weeks)\n")
		for _, e := range rep.Errors {
			fmt.Fprintf(&sb, "- %s: %d\n", e.Kind, e.Count)
		}
	}

	if len(rep.Trend) > 0 {
		sb.WriteString("\nWeekly Trend (last 8 weeks)\n")
		for _, t := range rep.Trend {
			fmt.Fprintf(&sb, "- %s: %d interactions, %d succeeded, avg conf %.2f\n",
				t.WeekStart, t.Interactions, t.Successes, t.AvgConfidence)
		}
	}
	return sb.String()
}

// WriteStats collects and prints the dashboard.
func (a *App) WriteStats(ctx context.Context, w io.Writer, now time.Time) error {
	rep, err := a.CollectStats(ctx, now)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, FormatStats(rep))
	return err
}
