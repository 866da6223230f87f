package validate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"querybot/internal/cache"
	"querybot/internal/domain"
)

// PatternSource reads the live patterns of a department.
type PatternSource interface {
	PatternsByDepartment(ctx context.Context, department string) ([]domain.Pattern, error)
}

// MissRecorder counts inputs that matched no pattern.
type MissRecorder interface {
	RecordMiss(ctx context.Context, department, input string) error
}

// LogicalResult is the Layer 2 outcome. Exactly one of Pattern and BuiltIn is
// set when Valid.
type LogicalResult struct {
	Valid        bool
	Pattern      *domain.Pattern
	BuiltIn      domain.QueryType
	ParsedFields map[string]string
	Suggestions  []string
}

type Logical struct {
	patterns PatternSource
	misses   MissRecorder
	cache    cache.Cache
	ttl      time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

type LogicalOption func(*Logical)

func WithCache(c cache.Cache, ttl time.Duration) LogicalOption {
	return func(l *Logical) {
		l.cache = c
		l.ttl = ttl
	}
}

func WithMissRecorder(m MissRecorder) LogicalOption {
	return func(l *Logical) { l.misses = m }
}

func WithStoreTimeout(d time.Duration) LogicalOption {
	return func(l *Logical) { l.timeout = d }
}

func NewLogical(patterns PatternSource, logger *zap.Logger, opts ...LogicalOption) *Logical {
	l := &Logical{
		patterns: patterns,
		ttl:      5 * time.Minute,
		timeout:  500 * time.Millisecond,
		logger:   logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Validate matches syntactically valid input against the department's
// patterns. A store failure is returned as an error wrapping
// domain.ErrUnavailable; a clean mismatch is a nil error with Valid false.
func (l *Logical) Validate(ctx context.Context, department, input string) (LogicalResult, error) {
	if qt, fields, ok := BuiltIn(input); ok {
		return LogicalResult{Valid: true, BuiltIn: qt, ParsedFields: fields}, nil
	}

	patterns, err := l.Patterns(ctx, department)
	if err != nil {
		return LogicalResult{}, err
	}
	for i := range patterns {
		if fields, ok := MatchPattern(patterns[i].Text, input); ok {
			p := patterns[i]
			return LogicalResult{Valid: true, Pattern: &p, ParsedFields: fields}, nil
		}
	}

	res := LogicalResult{}
	for _, p := range RankSimilar(input, patterns, 3) {
		res.Suggestions = append(res.Suggestions, p.Text)
	}
	l.recordMiss(ctx, department, input)
	return res, nil
}

// Patterns returns the department's patterns in match order, through the
// cache when one is configured. Cache failures fall back to the store.
func (l *Logical) Patterns(ctx context.Context, department string) ([]domain.Pattern, error) {
	key := cache.PatternsKey(department)
	if l.cache != nil {
		cached, ok, err := cache.GetJSON[[]domain.Pattern](ctx, l.cache, key)
		if err != nil {
			l.logger.Warn("pattern cache read failed", zap.String("department", department), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	readCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	patterns, err := l.patterns.PatternsByDepartment(readCtx, department)
	if err != nil {
		return nil, fmt.Errorf("load patterns for %s: %w", department, err)
	}
	SortForMatching(patterns)

	if l.cache != nil {
		if err := cache.PutJSON(ctx, l.cache, key, patterns, l.ttl); err != nil {
			l.logger.Warn("pattern cache write failed", zap.String("department", department), zap.Error(err))
		}
	}
	return patterns, nil
}

func (l *Logical) recordMiss(ctx context.Context, department, input string) {
	if l.misses == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.misses.RecordMiss(writeCtx, department, input); err != nil {
		l.logger.Warn("record pattern miss failed", zap.String("department", department), zap.Error(err))
	}
}

// BuiltIn recognizes the grammar-backed inputs that need no stored pattern:
// quantity lists, relative periods and literal date ranges.
func BuiltIn(input string) (domain.QueryType, map[string]string, bool) {
	if pairs, ok := ParseQuantityList(input); ok {
		fields := make(map[string]string, len(pairs))
		for _, p := range pairs {
			fields[p.Code] = fmt.Sprint(p.Quantity)
		}
		return domain.QueryMultiQuantity, fields, true
	}
	if IsPeriod(input) {
		return domain.QueryTimePeriod, map[string]string{SlotPeriod: input}, true
	}
	if from, to, ok := ParseDateRange(input); ok {
		return domain.QueryTimePeriod, map[string]string{
			"from": from.Format("20060102"),
			"to":   to.Format("20060102"),
		}, true
	}
	return "", nil, false
}

// SortForMatching orders patterns by priority desc, then most recent use.
func SortForMatching(patterns []domain.Pattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].PriorityScore != patterns[j].PriorityScore {
			return patterns[i].PriorityScore > patterns[j].PriorityScore
		}
		return patterns[i].LastActivity().After(patterns[j].LastActivity())
	})
}

// Similarity is the character-overlap (Dice) coefficient of two strings,
// spaces ignored.
func Similarity(a, b string) float64 {
	ca := charCounts(a)
	cb := charCounts(b)
	var na, nb, common int
	for r, n := range ca {
		na += n
		common += min(n, cb[r])
	}
	for _, n := range cb {
		nb += n
	}
	if na+nb == 0 {
		return 0
	}
	return 2 * float64(common) / float64(na+nb)
}

func charCounts(s string) map[rune]int {
	m := make(map[rune]int, len(s))
	for _, r := range s {
		if r != ' ' {
			m[r]++
		}
	}
	return m
}

// RankSimilar returns up to n patterns with non-zero similarity to input,
// most similar first; ties keep match order.
func RankSimilar(input string, patterns []domain.Pattern, n int) []domain.Pattern {
	type scored struct {
		p     domain.Pattern
		score float64
	}
	var results []scored
	for _, p := range patterns {
		if s := Similarity(input, p.Text); s > 0 {
			results = append(results, scored{p, s})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if len(results) > n {
		results = results[:n]
	}
	out := make([]domain.Pattern, len(results))
	for i, r := range results {
		out[i] = r.p
	}
	return out
}
