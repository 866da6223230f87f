package learner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querybot/internal/domain"
)

func batches[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// storeCandidates persists promoted patterns and discovered corrections in
// fixed-size batches. A batch that fails twice is logged and skipped.
func (l *Learner) storeCandidates(ctx context.Context, r *run) error {
	var promoted []*candidate
	for _, c := range r.candidates {
		if c.Potential > l.cfg.PromoteThreshold {
			promoted = append(promoted, c)
		}
	}
	r.report.Promoted = len(promoted)

	for _, batch := range batches(promoted, l.cfg.BatchSize) {
		var rows []domain.Pattern
		for _, c := range batch {
			exists, err := l.store.PatternExists(ctx, c.Department, c.Text)
			if err != nil {
				l.logger.Warn("duplicate check failed, skipping candidate",
					zap.String("department", c.Department), zap.String("text", c.Text), zap.Error(err))
				continue
			}
			if exists {
				r.report.Duplicates++
				continue
			}
			rows = append(rows, domain.Pattern{
				ID:            uuid.NewString(),
				Department:    c.Department,
				Text:          c.Text,
				ExpandedQuery: c.ExpandedQuery,
				QueryType:     c.QueryType,
				PriorityScore: c.Potential,
				UsageCount:    c.Usage,
				LastUsed:      c.LastSeen,
				CreatedAt:     r.now,
			})
		}
		if len(rows) == 0 {
			continue
		}
		var n int
		err := l.withRetry(ctx, "patterns", func(ctx context.Context) error {
			var err error
			n, err = l.store.InsertPatterns(ctx, rows)
			return err
		})
		if err != nil {
			r.report.BatchErrors++
			l.logger.Error("pattern batch dropped", zap.Int("size", len(rows)), zap.Error(err))
			continue
		}
		r.report.Stored += n
		for _, p := range rows {
			r.touched[p.Department] = true
		}
	}

	for _, batch := range batches(r.corrections, l.cfg.BatchSize) {
		var rows []domain.Correction
		for _, c := range batch {
			exists, err := l.store.CorrectionExists(ctx, c.Department, c.Original, c.Corrected)
			if err != nil {
				l.logger.Warn("correction duplicate check failed, skipping",
					zap.String("department", c.Department), zap.String("original", c.Original), zap.Error(err))
				continue
			}
			if exists {
				continue
			}
			rows = append(rows, domain.Correction{
				ID:            uuid.NewString(),
				Department:    c.Department,
				OriginalText:  c.Original,
				CorrectedText: c.Corrected,
				Distance:      c.Distance,
				UsageCount:    c.Pairs,
				Confidence:    c.AvgConfidence,
				LastUsed:      c.LastSeen,
				CreatedAt:     r.now,
			})
		}
		if len(rows) == 0 {
			continue
		}
		var n int
		err := l.withRetry(ctx, "corrections", func(ctx context.Context) error {
			var err error
			n, err = l.store.InsertCorrections(ctx, rows)
			return err
		})
		if err != nil {
			r.report.BatchErrors++
			l.logger.Error("correction batch dropped", zap.Int("size", len(rows)), zap.Error(err))
			continue
		}
		r.report.CorrectionsStored += n
	}
	return nil
}

type patternStats struct {
	newUses   int
	lastUsed  time.Time
	events    int
	successes int
	confSum   float64
}

// reweigh blends each pattern's priority with its recent telemetry and syncs
// usage, then folds pending correction feedback.
func (l *Learner) reweigh(ctx context.Context, r *run) error {
	windowStart := r.now.Add(-l.cfg.ReweighWindow)
	byID := make(map[string]*domain.Pattern, len(r.patterns))
	for i := range r.patterns {
		byID[r.patterns[i].ID] = &r.patterns[i]
	}

	stats := make(map[string]*patternStats)
	for _, ev := range r.events {
		p, ok := byID[ev.PatternID]
		if !ok || ev.Timestamp.Before(windowStart) {
			continue
		}
		s, ok := stats[p.ID]
		if !ok {
			s = &patternStats{}
			stats[p.ID] = s
		}
		s.events++
		s.confSum += ev.ConfidenceScore
		if ev.Success {
			s.successes++
		}
		if ev.Timestamp.After(p.LastUsed) {
			s.newUses++
		}
		if ev.Timestamp.After(s.lastUsed) {
			s.lastUsed = ev.Timestamp
		}
	}

	w := l.cfg.Reweigh
	var updates []domain.PatternUpdate
	for i := range r.patterns {
		p := &r.patterns[i]
		s, ok := stats[p.ID]
		if !ok {
			continue
		}
		avgConf := s.confSum / float64(s.events)
		successRate := float64(s.successes) / float64(s.events)
		priority := domain.Clamp01(w.Old*p.PriorityScore + w.Confidence*avgConf + w.SuccessRate*successRate)

		u := domain.PatternUpdate{ID: p.ID, PriorityScore: domain.Float(priority)}
		p.PriorityScore = priority
		if s.newUses > 0 {
			p.UsageCount += s.newUses
			p.LastUsed = s.lastUsed
			u.UsageCount = domain.Int(p.UsageCount)
			u.LastUsed = domain.Time(p.LastUsed)
		}
		updates = append(updates, u)
		r.touched[p.Department] = true
	}

	for _, batch := range batches(updates, l.cfg.BatchSize) {
		err := l.withRetry(ctx, "reweigh", func(ctx context.Context) error {
			return l.store.UpdatePatterns(ctx, batch)
		})
		if err != nil {
			r.report.BatchErrors++
			l.logger.Error("reweigh batch dropped", zap.Int("size", len(batch)), zap.Error(err))
			continue
		}
		r.report.Reweighed += len(batch)
	}

	return l.foldFeedback(ctx, r)
}

// foldFeedback applies accepted and rejected suggestions to their
// corrections: acceptance increments usage, both move the rolling confidence.
func (l *Learner) foldFeedback(ctx context.Context, r *run) error {
	pending, err := l.store.PendingFeedback(ctx)
	if err != nil {
		l.logger.Warn("correction feedback unavailable, skipping", zap.Error(err))
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	corrections := make(map[string]*domain.Correction)
	var order []string
	var ids []string
	for _, fb := range pending {
		f, ok := corrections[fb.CorrectionID]
		if !ok {
			c, err := l.store.CorrectionByID(ctx, fb.CorrectionID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				l.logger.Warn("feedback for unknown correction", zap.String("correction_id", fb.CorrectionID))
				ids = append(ids, fb.ID)
				continue
			case err != nil:
				// left pending for the next run
				l.logger.Warn("correction lookup failed", zap.String("correction_id", fb.CorrectionID), zap.Error(err))
				continue
			}
			f = &c
			corrections[fb.CorrectionID] = f
			order = append(order, fb.CorrectionID)
		}
		target := 0.0
		if fb.Accepted {
			target = 1
			f.UsageCount++
			if fb.Timestamp.After(f.LastUsed) {
				f.LastUsed = fb.Timestamp
			}
		}
		f.Confidence = domain.Clamp01(f.Confidence + l.cfg.FeedbackAlpha*(target-f.Confidence))
		ids = append(ids, fb.ID)
	}

	var updates []domain.CorrectionUpdate
	for _, id := range order {
		f := corrections[id]
		u := domain.CorrectionUpdate{
			ID:         id,
			UsageCount: domain.Int(f.UsageCount),
			Confidence: domain.Float(f.Confidence),
		}
		if !f.LastUsed.IsZero() {
			u.LastUsed = domain.Time(f.LastUsed)
		}
		updates = append(updates, u)
	}

	err = l.withRetry(ctx, "feedback", func(ctx context.Context) error {
		return l.store.ApplyFeedback(ctx, updates, ids)
	})
	if err != nil {
		r.report.BatchErrors++
		l.logger.Error("feedback batch dropped", zap.Int("rows", len(ids)), zap.Error(err))
		return nil
	}
	r.report.FeedbackApplied = len(ids)
	return nil
}

// pruneFlag marks weak or stale patterns for archival. Nothing is deleted.
func (l *Learner) pruneFlag(ctx context.Context, r *run) error {
	var flags []domain.PatternFlag
	depts := make(map[string]string)
	for _, p := range r.patterns {
		if p.FlaggedForArchival || p.Archived {
			continue
		}
		reason := ""
		idle := r.now.Sub(p.LastActivity())
		switch {
		case p.UsageCount < l.cfg.PruneMaxUsage && p.PriorityScore < l.cfg.PruneMaxPriority:
			reason = fmt.Sprintf("low usage (%d) and priority (%.2f)", p.UsageCount, p.PriorityScore)
		case idle > l.cfg.StaleAfter:
			reason = fmt.Sprintf("unused for %d days", int(idle.Hours()/24))
		default:
			continue
		}
		flags = append(flags, domain.PatternFlag{ID: p.ID, Reason: reason})
		depts[p.ID] = p.Department
	}
	if len(flags) == 0 {
		return nil
	}

	var n int
	err := l.withRetry(ctx, "prune", func(ctx context.Context) error {
		var err error
		n, err = l.store.FlagPatterns(ctx, flags)
		return err
	})
	if err != nil {
		r.report.BatchErrors++
		l.logger.Error("prune flags dropped", zap.Int("size", len(flags)), zap.Error(err))
		return nil
	}
	r.report.Flagged = n

	for _, f := range flags {
		l.logger.Info("pattern flagged for archival",
			zap.String("pattern_id", f.ID),
			zap.String("department", depts[f.ID]),
			zap.String("reason", f.Reason))
		if l.audit != nil {
			l.audit.Emit(domain.AuditEvent{
				ID:         uuid.NewString(),
				Kind:       domain.AuditPatternFlagged,
				Department: depts[f.ID],
				Payload:    map[string]string{"pattern_id": f.ID, "reason": f.Reason},
				Timestamp:  r.now,
			})
		}
	}
	return nil
}
