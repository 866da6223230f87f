package correct

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querybot/internal/domain"
)

const maxSuggestions = 3

type CorrectionSource interface {
	CorrectionsByDepartment(ctx context.Context, department string) ([]domain.Correction, error)
	CorrectionByID(ctx context.Context, id string) (domain.Correction, error)
}

type FeedbackSink interface {
	AppendFeedback(ctx context.Context, fb domain.CorrectionFeedback) error
}

// Auditor receives fire-and-forget audit events.
type Auditor interface {
	Emit(ev domain.AuditEvent)
}

type Suggestion struct {
	CorrectionID string
	Corrected    string
	Distance     int
	UsageCount   int
	Confidence   float64
}

// Message renders the suggestion for the user.
func (s Suggestion) Message() string {
	return fmt.Sprintf("Did you mean: %s?", s.Corrected)
}

type Corrector struct {
	store       CorrectionSource
	feedback    FeedbackSink
	audit       Auditor
	distance    DistanceFunc
	maxDistance int
	timeout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Corrector)

func WithDistance(fn DistanceFunc, maxDistance int) Option {
	return func(c *Corrector) {
		c.distance = fn
		c.maxDistance = maxDistance
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Corrector) { c.timeout = d }
}

func New(store CorrectionSource, feedback FeedbackSink, audit Auditor, logger *zap.Logger, opts ...Option) *Corrector {
	c := &Corrector{
		store:       store,
		feedback:    feedback,
		audit:       audit,
		distance:    OSA,
		maxDistance: 3,
		timeout:     500 * time.Millisecond,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Suggest returns up to three corrections for input, ranked by usage then
// confidence. It never applies a correction.
func (c *Corrector) Suggest(ctx context.Context, department, input string) ([]Suggestion, error) {
	readCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	corrections, err := c.store.CorrectionsByDepartment(readCtx, department)
	if err != nil {
		return nil, fmt.Errorf("load corrections for %s: %w", department, err)
	}

	limit := Threshold(len([]rune(input)), c.maxDistance)
	best := make(map[string]Suggestion)
	for _, corr := range corrections {
		if corr.CorrectedText == input {
			continue
		}
		d := c.distance(input, corr.OriginalText)
		if d > limit {
			continue
		}
		s := Suggestion{
			CorrectionID: corr.ID,
			Corrected:    corr.CorrectedText,
			Distance:     d,
			UsageCount:   corr.UsageCount,
			Confidence:   corr.Confidence,
		}
		if prev, ok := best[s.Corrected]; !ok || ranksBefore(s, prev) {
			best[s.Corrected] = s
		}
	}

	out := make([]Suggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out, nil
}

func ranksBefore(a, b Suggestion) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Corrected < b.Corrected
}

// Accept records that the user applied a suggestion. The correction itself is
// updated by the learner when it folds feedback in.
func (c *Corrector) Accept(ctx context.Context, userID, department, correctionID string) error {
	return c.respond(ctx, userID, department, correctionID, true)
}

// Reject records that the user dismissed a suggestion.
func (c *Corrector) Reject(ctx context.Context, userID, department, correctionID string) error {
	return c.respond(ctx, userID, department, correctionID, false)
}

func (c *Corrector) respond(ctx context.Context, userID, department, correctionID string, accepted bool) error {
	readCtx, cancel := context.WithTimeout(ctx, c.timeout)
	corr, err := c.store.CorrectionByID(readCtx, correctionID)
	cancel()
	if err != nil {
		return fmt.Errorf("load correction %s: %w", correctionID, err)
	}
	if corr.Department != department {
		return fmt.Errorf("correction %s in %s: %w", correctionID, department, domain.ErrNotFound)
	}

	now := c.now()
	fb := domain.CorrectionFeedback{
		ID:           uuid.NewString(),
		CorrectionID: corr.ID,
		UserID:       userID,
		Department:   department,
		Accepted:     accepted,
		Timestamp:    now,
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.feedback.AppendFeedback(writeCtx, fb); err != nil {
		return fmt.Errorf("record correction feedback: %w", err)
	}

	if accepted && c.audit != nil {
		c.audit.Emit(domain.AuditEvent{
			ID:         uuid.NewString(),
			Kind:       domain.AuditCorrectionApply,
			UserID:     userID,
			Department: department,
			Layer:      domain.LayerCorrection,
			Success:    true,
			Confidence: corr.Confidence,
			Payload: map[string]string{
				"correction_id": corr.ID,
				"original":      corr.OriginalText,
				"corrected":     corr.CorrectedText,
			},
			Timestamp: now,
		})
	}
	c.logger.Info("correction feedback recorded",
		zap.String("department", department),
		zap.String("correction_id", corr.ID),
		zap.Bool("accepted", accepted))
	return nil
}
