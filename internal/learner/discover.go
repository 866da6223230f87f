package learner

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"querybot/internal/correct"
	"querybot/internal/domain"
	"querybot/internal/validate"
)

// candidate is a (department, raw_input) group that may become a pattern.
type candidate struct {
	Department    string
	Text          string
	ExpandedQuery string
	QueryType     domain.QueryType

	Usage         int
	SuccessRate   float64
	AvgConfidence float64
	UniqueUsers   int
	FirstSeen     time.Time
	LastSeen      time.Time
	MissHits      int

	Potential float64
}

type correctionCandidate struct {
	Department    string
	Original      string
	Corrected     string
	Distance      int
	Pairs         int
	AvgConfidence float64
	LastSeen      time.Time
}

type groupKey struct {
	department string
	input      string
}

type intent struct {
	queryType domain.QueryType
	expanded  string
}

type group struct {
	events    int
	successes int
	covered   int // successes served by a stored pattern
	confSum   float64
	users     map[string]bool
	intents   map[intent]int
	firstSeen time.Time
	lastSeen  time.Time
}

func (l *Learner) discover(ctx context.Context, r *run) error {
	window := l.cfg.Lookback
	if l.cfg.ReweighWindow > window {
		window = l.cfg.ReweighWindow
	}
	events, err := l.store.EventsSince(ctx, r.now.Add(-window), "")
	if err != nil {
		return err
	}
	patterns, err := l.store.AllPatterns(ctx)
	if err != nil {
		return err
	}
	r.events, r.patterns = events, patterns
	r.report.Events = len(events)

	existing := make(map[groupKey]bool, len(patterns))
	for _, p := range patterns {
		existing[groupKey{p.Department, p.Text}] = true
	}

	lookbackStart := r.now.Add(-l.cfg.Lookback)
	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, ev := range events {
		if ev.Timestamp.Before(lookbackStart) {
			continue
		}
		k := groupKey{ev.Department, ev.RawInput}
		g, ok := groups[k]
		if !ok {
			g = &group{users: make(map[string]bool), intents: make(map[intent]int), firstSeen: ev.Timestamp}
			groups[k] = g
			order = append(order, k)
		}
		g.events++
		g.confSum += ev.ConfidenceScore
		g.users[ev.UserID] = true
		g.lastSeen = ev.Timestamp
		if ev.Success {
			g.successes++
			if ev.PatternID != "" {
				g.covered++
			}
			g.intents[intent{ev.QueryType, ev.InterpretedQuery}]++
		}
	}

	for _, k := range order {
		g := groups[k]
		if existing[k] || g.events < l.cfg.MinUsage {
			continue
		}
		if _, _, builtIn := validate.BuiltIn(k.input); builtIn {
			continue
		}
		if g.successes == 0 || g.covered*2 > g.successes {
			continue
		}
		c := &candidate{
			Department:    k.department,
			Text:          k.input,
			Usage:         g.events,
			SuccessRate:   float64(g.successes) / float64(g.events),
			AvgConfidence: g.confSum / float64(g.events),
			UniqueUsers:   len(g.users),
			FirstSeen:     g.firstSeen,
			LastSeen:      g.lastSeen,
		}
		if c.AvgConfidence < l.cfg.MinConfidence || c.SuccessRate < l.cfg.MinSuccessRate {
			continue
		}
		best := dominantIntent(g.intents)
		c.QueryType, c.ExpandedQuery = best.queryType, best.expanded
		r.candidates = append(r.candidates, c)
	}

	r.corrections = l.discoverCorrections(events, lookbackStart)
	r.report.Candidates = len(r.candidates)
	r.report.CorrectionCandidates = len(r.corrections)

	l.attachDemand(ctx, r)
	return nil
}

// dominantIntent picks the most frequent intent. Ties go to the lexically
// smallest (expanded query, query type) so repeated runs agree.
func dominantIntent(counts map[intent]int) intent {
	var best intent
	bestN := -1
	for in, n := range counts {
		if n > bestN || (n == bestN && in.before(best)) {
			best, bestN = in, n
		}
	}
	return best
}

func (a intent) before(b intent) bool {
	if a.expanded != b.expanded {
		return a.expanded < b.expanded
	}
	return a.queryType < b.queryType
}

// attachDemand matches recorded Layer 2 misses against candidates. Misses
// without a candidate are reported as demand signals. A failed read only
// loses the report detail.
func (l *Learner) attachDemand(ctx context.Context, r *run) {
	misses, err := l.store.Misses(ctx, "", l.cfg.MinUsage)
	if err != nil {
		l.logger.Warn("pattern miss signals unavailable", zap.Error(err))
		return
	}
	byKey := make(map[groupKey]*candidate, len(r.candidates))
	for _, c := range r.candidates {
		byKey[groupKey{c.Department, c.Text}] = c
	}
	for _, m := range misses {
		if c, ok := byKey[groupKey{m.Department, m.RawInput}]; ok {
			c.MissHits = m.Hits
			continue
		}
		r.report.DemandSignals = append(r.report.DemandSignals, m)
	}
	for _, m := range r.report.DemandSignals {
		l.logger.Info("unserved input demand",
			zap.String("department", m.Department),
			zap.String("input", m.RawInput),
			zap.Int("hits", m.Hits))
	}
}

func failedAttempt(ev domain.InteractionEvent) bool {
	if ev.Success {
		return false
	}
	switch ev.ErrorKind {
	case domain.ErrKindPatternMismatch, domain.ErrKindCorrectionSuggested, domain.ErrKindInterpretationFailure:
		return true
	}
	return false
}

type userKey struct {
	user       string
	department string
}

type pairKey struct {
	department string
	original   string
	corrected  string
}

// discoverCorrections finds failed inputs that the same user fixed shortly
// afterwards with a nearby successful input.
func (l *Learner) discoverCorrections(events []domain.InteractionEvent, since time.Time) []*correctionCandidate {
	byUser := make(map[userKey][]domain.InteractionEvent)
	for _, ev := range events {
		if ev.Timestamp.Before(since) {
			continue
		}
		k := userKey{ev.UserID, ev.Department}
		byUser[k] = append(byUser[k], ev)
	}

	pairs := make(map[pairKey]*correctionCandidate)
	var order []pairKey
	for _, evs := range byUser {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
		for i, ev := range evs {
			if !failedAttempt(ev) {
				continue
			}
			for _, next := range evs[i+1:] {
				if next.Timestamp.Sub(ev.Timestamp) > l.cfg.CorrectionWindow {
					break
				}
				if !next.Success {
					continue
				}
				if next.RawInput == ev.RawInput {
					break
				}
				d := correct.OSA(ev.RawInput, next.RawInput)
				if d > l.cfg.CorrectionMaxDistance {
					break
				}
				k := pairKey{ev.Department, ev.RawInput, next.RawInput}
				c, ok := pairs[k]
				if !ok {
					c = &correctionCandidate{Department: k.department, Original: k.original, Corrected: k.corrected, Distance: d}
					pairs[k] = c
					order = append(order, k)
				}
				c.AvgConfidence = (c.AvgConfidence*float64(c.Pairs) + next.ConfidenceScore) / float64(c.Pairs+1)
				c.Pairs++
				if next.Timestamp.After(c.LastSeen) {
					c.LastSeen = next.Timestamp
				}
				break
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.department != b.department {
			return a.department < b.department
		}
		if a.original != b.original {
			return a.original < b.original
		}
		return a.corrected < b.corrected
	})
	var out []*correctionCandidate
	for _, k := range order {
		if c := pairs[k]; c.Pairs >= l.cfg.CorrectionMinPairs {
			out = append(out, c)
		}
	}
	return out
}

// validate drops candidates that break the pattern format, enum or score
// rules. Violations are logged and skipped.
func (l *Learner) validate(_ context.Context, r *run) error {
	kept := r.candidates[:0]
	for _, c := range r.candidates {
		if reason := l.invalidPattern(c); reason != "" {
			r.report.Rejected++
			l.logger.Info("pattern candidate rejected",
				zap.String("department", c.Department),
				zap.String("text", c.Text),
				zap.String("reason", reason))
			continue
		}
		kept = append(kept, c)
	}
	r.candidates = kept

	keptCorr := r.corrections[:0]
	for _, c := range r.corrections {
		if reason := l.invalidCorrection(c); reason != "" {
			r.report.Rejected++
			l.logger.Info("correction candidate rejected",
				zap.String("department", c.Department),
				zap.String("original", c.Original),
				zap.String("reason", reason))
			continue
		}
		keptCorr = append(keptCorr, c)
	}
	r.corrections = keptCorr
	return nil
}

func (l *Learner) invalidPattern(c *candidate) string {
	if res := validate.CheckSyntax(c.Text); !res.Valid {
		return "format: " + res.Message
	}
	if !domain.ValidDepartment(c.Department, l.cfg.Departments) {
		return "unknown department"
	}
	if !c.QueryType.Valid() {
		return "invalid query type"
	}
	if c.ExpandedQuery == "" {
		return "empty expanded query"
	}
	if !domain.ValidScore(c.AvgConfidence) || !domain.ValidScore(c.SuccessRate) {
		return "score out of range"
	}
	return ""
}

func (l *Learner) invalidCorrection(c *correctionCandidate) string {
	if res := validate.CheckSyntax(c.Original); !res.Valid {
		return "original format: " + res.Message
	}
	if res := validate.CheckSyntax(c.Corrected); !res.Valid {
		return "corrected format: " + res.Message
	}
	if !domain.ValidDepartment(c.Department, l.cfg.Departments) {
		return "unknown department"
	}
	if !domain.ValidScore(c.AvgConfidence) {
		return "score out of range"
	}
	return ""
}

func norm(v, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Min(float64(v)/float64(limit), 1)
}

// LearningPotential scores a candidate in [0,1].
func LearningPotential(w RankWeights, usage int, successRate float64, uniqueUsers int, avgConfidence float64, daysSinceFirstSeen int) float64 {
	score := w.Usage*norm(usage, w.UsageCap) +
		w.SuccessRate*successRate +
		w.UniqueUsers*norm(uniqueUsers, w.UniqueUsersCap) +
		w.Confidence*avgConfidence +
		w.Age*norm(daysSinceFirstSeen, w.AgeCapDays)
	return domain.Clamp01(score)
}

func (l *Learner) rank(_ context.Context, r *run) error {
	for _, c := range r.candidates {
		days := int(r.now.Sub(c.FirstSeen).Hours() / 24)
		c.Potential = LearningPotential(l.cfg.Rank, c.Usage, c.SuccessRate, c.UniqueUsers, c.AvgConfidence, days)
	}
	sort.SliceStable(r.candidates, func(i, j int) bool {
		return r.candidates[i].Potential > r.candidates[j].Potential
	})
	return nil
}
