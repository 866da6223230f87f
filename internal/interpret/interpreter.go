// Package interpret turns validated input into a confidence-scored query
// intent and runs the end-to-end validation funnel.
package interpret

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"querybot/internal/domain"
	"querybot/internal/validate"
)

const (
	ConfidenceQuantity     = 0.95
	ConfidencePeriod       = 0.90
	ConfidenceFullTextHit  = 0.7
	ConfidenceFullTextMiss = 0.3

	maxAlternatives = 3
	maxResults      = 5
)

type Result struct {
	ID      string
	Title   string
	Snippet string
	Score   float64
}

// Interpretation is a classified input. ErrorKind is
// INTERPRETATION_FAILURE when no branch could classify it.
type Interpretation struct {
	QueryType     domain.QueryType
	ExpandedQuery string
	Confidence    float64
	ParsedFields  map[string]string
	Quantities    []validate.EntityQuantity
	Range         *TimeRange
	Pattern       *domain.Pattern
	Results       []Result
	Alternatives  []string
	ErrorKind     domain.ErrorKind
}

// QueryExecutor runs a structured intent against business records.
type QueryExecutor interface {
	Execute(ctx context.Context, department string, in Interpretation) ([]Result, error)
}

// PatternLister supplies a department's patterns in match order.
type PatternLister interface {
	Patterns(ctx context.Context, department string) ([]domain.Pattern, error)
}

type Interpreter struct {
	patterns PatternLister
	corpus   *corpusIndexes
	executor QueryExecutor
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Interpreter)

func WithExecutor(e QueryExecutor) Option {
	return func(i *Interpreter) { i.executor = e }
}

func WithLocation(loc *time.Location) Option {
	return func(i *Interpreter) { i.location = loc }
}

func WithCorpusRefresh(d time.Duration) Option {
	return func(i *Interpreter) { i.corpus.refresh = d }
}

func NewInterpreter(patterns PatternLister, corpus CorpusSource, logger *zap.Logger, opts ...Option) *Interpreter {
	i := &Interpreter{
		patterns: patterns,
		corpus:   newCorpusIndexes(corpus, 10*time.Minute),
		location: time.UTC,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Interpret classifies input. matched may carry the Layer 2 result to avoid
// re-matching. An error means the fallback corpus was unreachable and
// nothing else classified the input.
func (in *Interpreter) Interpret(ctx context.Context, department, input string, matched *validate.LogicalResult) (Interpretation, error) {
	var patterns []domain.Pattern
	loaded := false
	loadPatterns := func() []domain.Pattern {
		if !loaded {
			loaded = true
			var err error
			if patterns, err = in.patterns.Patterns(ctx, department); err != nil {
				in.logger.Warn("patterns unavailable for interpretation",
					zap.String("department", department), zap.Error(err))
			}
		}
		return patterns
	}

	res, ok := in.classifyBuiltIn(input)
	if !ok {
		res, ok = in.classifyPattern(department, input, matched, loadPatterns)
		if ok && res.QueryType == domain.QueryFullText {
			// learned shortcut for a corpus search
			if idx, err := in.corpus.get(ctx, department); err != nil {
				in.logger.Warn("corpus unavailable for full-text pattern",
					zap.String("department", department), zap.Error(err))
			} else {
				res.Results = idx.search(res.ExpandedQuery, maxResults)
			}
		}
	}
	if !ok {
		var err error
		res, err = in.classifyFullText(ctx, department, input)
		if err != nil {
			return Interpretation{}, err
		}
	}

	res.Alternatives = alternatives(input, res.Pattern, loadPatterns())
	if res.ErrorKind == domain.ErrKindNone && in.executor != nil && res.QueryType != domain.QueryFullText {
		rows, err := in.executor.Execute(ctx, department, res)
		if err != nil {
			in.logger.Warn("query execution failed", zap.String("department", department), zap.Error(err))
		} else {
			res.Results = rows
		}
	}
	return res, nil
}

func (in *Interpreter) classifyBuiltIn(input string) (Interpretation, bool) {
	if pairs, ok := validate.ParseQuantityList(input); ok {
		fields := make(map[string]string, len(pairs))
		for _, p := range pairs {
			fields[p.Code] = strconv.Itoa(p.Quantity)
		}
		return Interpretation{
			QueryType:     domain.QueryMultiQuantity,
			ExpandedQuery: input,
			Confidence:    ConfidenceQuantity,
			ParsedFields:  fields,
			Quantities:    pairs,
		}, true
	}

	now := in.now().In(in.location)
	if validate.IsPeriod(input) {
		r, err := ResolvePeriod(input, now)
		if err != nil {
			return Interpretation{}, false
		}
		return in.periodInterpretation(input, r), true
	}
	if from, to, ok := validate.ParseDateRange(input); ok {
		from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, in.location)
		to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, in.location).AddDate(0, 0, 1)
		return in.periodInterpretation(input, TimeRange{from, to}), true
	}
	return Interpretation{}, false
}

func (in *Interpreter) periodInterpretation(input string, r TimeRange) Interpretation {
	return Interpretation{
		QueryType:     domain.QueryTimePeriod,
		ExpandedQuery: fmt.Sprintf("period %s", input),
		Confidence:    ConfidencePeriod,
		ParsedFields: map[string]string{
			"from": r.From.Format(time.RFC3339),
			"to":   r.To.Format(time.RFC3339),
		},
		Range: &r,
	}
}

func (in *Interpreter) classifyPattern(department, input string, matched *validate.LogicalResult, load func() []domain.Pattern) (Interpretation, bool) {
	var p *domain.Pattern
	var fields map[string]string
	if matched != nil && matched.Valid && matched.Pattern != nil {
		p, fields = matched.Pattern, matched.ParsedFields
	} else {
		for _, cand := range load() {
			if f, ok := validate.MatchPattern(cand.Text, input); ok {
				c := cand
				p, fields = &c, f
				break
			}
		}
	}
	if p == nil {
		return Interpretation{}, false
	}
	return Interpretation{
		QueryType:     p.QueryType,
		ExpandedQuery: expand(p.ExpandedQuery, fields),
		Confidence:    domain.Clamp01(p.PriorityScore),
		ParsedFields:  fields,
		Pattern:       p,
	}, true
}

func (in *Interpreter) classifyFullText(ctx context.Context, department, input string) (Interpretation, error) {
	idx, err := in.corpus.get(ctx, department)
	if err != nil {
		return Interpretation{}, fmt.Errorf("load corpus for %s: %w", department, err)
	}
	hits := idx.search(input, maxResults)
	res := Interpretation{
		QueryType:     domain.QueryFullText,
		ExpandedQuery: input,
		Confidence:    ConfidenceFullTextMiss,
		Results:       hits,
		ParsedFields:  map[string]string{},
	}
	if len(hits) > 0 {
		res.Confidence = ConfidenceFullTextHit
	} else {
		res.ErrorKind = domain.ErrKindInterpretationFailure
	}
	return res, nil
}

// expand substitutes {field} placeholders of an expanded query template.
func expand(template string, fields map[string]string) string {
	if template == "" || len(fields) == 0 {
		return template
	}
	pairs := make([]string, 0, 2*len(fields))
	for k, v := range fields {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func alternatives(input string, chosen *domain.Pattern, patterns []domain.Pattern) []string {
	var out []string
	for _, p := range validate.RankSimilar(input, patterns, maxAlternatives+1) {
		if chosen != nil && p.ID == chosen.ID {
			continue
		}
		out = append(out, p.Text)
		if len(out) == maxAlternatives {
			break
		}
	}
	return out
}
