package interpret

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querybot/internal/correct"
	"querybot/internal/domain"
	"querybot/internal/heuristic"
	"querybot/internal/validate"
)

// RetryMessage is returned when every fallback failed.
const RetryMessage = "The service is temporarily unavailable, please try again shortly."

type Input struct {
	UserID       string
	DepartmentID string
	RawText      string
}

type Output struct {
	Success         bool
	QueryType       domain.QueryType
	ExpandedQuery   string
	Results         []Result
	ConfidenceScore float64
	Alternatives    []string
	ErrorKind       domain.ErrorKind
	Message         string
	Suggestions     []string
	Corrections     []correct.Suggestion
	ParsedFields    map[string]string
	Range           *TimeRange
	PatternID       string
	// Warning carries a soft signal such as SUSPICION_UNRESOLVED on an
	// otherwise successful result.
	Warning  domain.ErrorKind
	Decision domain.ValidationDecision
}

type LogicalValidator interface {
	Validate(ctx context.Context, department, input string) (validate.LogicalResult, error)
}

type SuspicionChecker interface {
	Check(ctx context.Context, req heuristic.Request) heuristic.Result
}

type Suggester interface {
	Suggest(ctx context.Context, department, input string) ([]correct.Suggestion, error)
}

type HistorySource interface {
	RecentEventsByUser(ctx context.Context, userID, department string, limit int) ([]domain.InteractionEvent, error)
}

// Recorder buffers interaction events and audit events without blocking.
type Recorder interface {
	Record(ev domain.InteractionEvent)
	Emit(ev domain.AuditEvent)
}

type PipelineConfig struct {
	Departments    []string
	StrictPatterns bool
	HistoryLimit   int
	StoreTimeout   time.Duration
}

// Pipeline runs Layers 1-4 and the interpreter for one request at a time.
// It is safe for concurrent use.
type Pipeline struct {
	cfg         PipelineConfig
	logical     LogicalValidator
	checker     SuspicionChecker
	corrector   Suggester
	interpreter *Interpreter
	history     HistorySource
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

type PipelineDeps struct {
	Logical     LogicalValidator
	Checker     SuspicionChecker
	Corrector   Suggester
	Interpreter *Interpreter
	History     HistorySource
	Recorder    Recorder
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps, logger *zap.Logger) *Pipeline {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	return &Pipeline{
		cfg:         cfg,
		logical:     deps.Logical,
		checker:     deps.Checker,
		corrector:   deps.Corrector,
		interpreter: deps.Interpreter,
		history:     deps.History,
		recorder:    deps.Recorder,
		logger:      logger,
		now:         time.Now,
	}
}

// Process runs one request through the funnel. It always returns an Output;
// failures are reported through ErrorKind.
func (p *Pipeline) Process(ctx context.Context, in Input) Output {
	start := p.now()
	out := p.run(ctx, in)
	out.Decision.Elapsed = p.now().Sub(start)
	out.Decision.ErrorKind = out.ErrorKind
	out.Decision.Passed = out.Success
	out.Decision.Suggestions = out.Suggestions
	p.record(in, out, start)
	return out
}

func (p *Pipeline) run(ctx context.Context, in Input) Output {
	if !domain.ValidDepartment(in.DepartmentID, p.cfg.Departments) {
		return Output{
			ErrorKind: domain.ErrKindSyntax,
			Message:   "unknown department",
			Decision:  domain.ValidationDecision{LayerReached: domain.LayerSyntax},
		}
	}

	syn := validate.CheckSyntax(in.RawText)
	if !syn.Valid {
		return Output{
			ErrorKind:   domain.ErrKindSyntax,
			Message:     syn.Message,
			Suggestions: syn.Suggestions,
			Decision:    domain.ValidationDecision{LayerReached: domain.LayerSyntax},
		}
	}
	input := in.RawText

	logical, err := p.logical.Validate(ctx, in.DepartmentID, input)
	storeDown := err != nil
	if storeDown {
		p.logger.Warn("logical validation unavailable, continuing without patterns",
			zap.String("department", in.DepartmentID), zap.Error(err))
	}

	history := p.loadHistory(ctx, in)
	suspicion := p.checker.Check(ctx, heuristic.Request{
		UserID:         in.UserID,
		Department:     in.DepartmentID,
		Input:          input,
		PatternMatched: logical.Valid,
		History:        history,
	})
	layer := domain.LayerHeuristic

	var corrections []correct.Suggestion
	if suspicion.Suspicious {
		layer = domain.LayerCorrection
		corrections, err = p.corrector.Suggest(ctx, in.DepartmentID, input)
		if err != nil {
			p.logger.Warn("correction lookup unavailable",
				zap.String("department", in.DepartmentID), zap.Error(err))
			corrections = nil
		}
	}

	if !logical.Valid {
		if len(corrections) > 0 {
			return correctionOutput(corrections, layer)
		}
		if p.cfg.StrictPatterns && !storeDown {
			return Output{
				ErrorKind:    domain.ErrKindPatternMismatch,
				Message:      "no known pattern matches this input",
				Suggestions:  logical.Suggestions,
				Alternatives: logical.Suggestions,
				Decision:     domain.ValidationDecision{LayerReached: domain.LayerLogical},
			}
		}
	}

	var matched *validate.LogicalResult
	if logical.Valid {
		matched = &logical
	}
	interp, err := p.interpreter.Interpret(ctx, in.DepartmentID, input, matched)
	if err != nil {
		p.logger.Warn("interpreter fallback unavailable",
			zap.String("department", in.DepartmentID), zap.Error(err))
		kind := domain.ErrKindInterpretationFailure
		msg := "could not interpret this input"
		if storeDown || errors.Is(err, domain.ErrUnavailable) {
			kind, msg = domain.ErrKindUpstreamUnavailable, RetryMessage
		}
		return Output{ErrorKind: kind, Message: msg, Decision: domain.ValidationDecision{LayerReached: domain.LayerInterpreter}}
	}

	out := Output{
		Success:         interp.ErrorKind == domain.ErrKindNone,
		QueryType:       interp.QueryType,
		ExpandedQuery:   interp.ExpandedQuery,
		Results:         interp.Results,
		ConfidenceScore: interp.Confidence,
		Alternatives:    interp.Alternatives,
		ErrorKind:       interp.ErrorKind,
		ParsedFields:    interp.ParsedFields,
		Range:           interp.Range,
		Decision:        domain.ValidationDecision{LayerReached: domain.LayerInterpreter},
	}
	if interp.Pattern != nil {
		out.PatternID = interp.Pattern.ID
	}
	if !out.Success {
		out.Message = "could not interpret this input"
		out.Suggestions = interp.Alternatives
	}
	if suspicion.Suspicious {
		if len(corrections) > 0 {
			out.Corrections = corrections
			for _, c := range corrections {
				out.Suggestions = append(out.Suggestions, c.Message())
			}
		} else if out.Success {
			out.Warning = domain.ErrKindSuspicionUnresolved
		}
	}
	return out
}

func correctionOutput(corrections []correct.Suggestion, layer domain.Layer) Output {
	out := Output{
		ErrorKind:   domain.ErrKindCorrectionSuggested,
		Corrections: corrections,
		Message:     corrections[0].Message(),
		Decision:    domain.ValidationDecision{LayerReached: layer},
	}
	for _, c := range corrections {
		out.Suggestions = append(out.Suggestions, c.Message())
	}
	return out
}

func (p *Pipeline) loadHistory(ctx context.Context, in Input) []domain.InteractionEvent {
	if p.history == nil {
		return nil
	}
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	events, err := p.history.RecentEventsByUser(readCtx, in.UserID, in.DepartmentID, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Debug("history unavailable", zap.String("user", in.UserID), zap.Error(err))
		return nil
	}
	return events
}

func (p *Pipeline) record(in Input, out Output, ts time.Time) {
	if p.recorder == nil {
		return
	}
	ev := domain.InteractionEvent{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Department:       in.DepartmentID,
		RawInput:         in.RawText,
		InterpretedQuery: out.ExpandedQuery,
		QueryType:        out.QueryType,
		ConfidenceScore:  out.ConfidenceScore,
		Success:          out.Success,
		PatternID:        out.PatternID,
		ErrorKind:        out.ErrorKind,
		Timestamp:        ts,
	}
	p.recorder.Record(ev)

	payload := map[string]string{"input": in.RawText}
	if len(out.Suggestions) > 0 {
		payload["suggestion"] = out.Suggestions[0]
	}
	p.recorder.Emit(domain.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       domain.AuditValidation,
		UserID:     in.UserID,
		Department: in.DepartmentID,
		Layer:      out.Decision.LayerReached,
		Success:    out.Success,
		ErrorKind:  out.ErrorKind,
		Confidence: out.ConfidenceScore,
		Elapsed:    out.Decision.Elapsed,
		Payload:    payload,
		Timestamp:  ts,
	})
	if out.ErrorKind == domain.ErrKindCorrectionSuggested {
		p.recorder.Emit(domain.AuditEvent{
			ID:         uuid.NewString(),
			Kind:       domain.AuditCorrectionShown,
			UserID:     in.UserID,
			Department: in.DepartmentID,
			Layer:      domain.LayerCorrection,
			Confidence: out.Corrections[0].Confidence,
			Payload: map[string]string{
				"input":         in.RawText,
				"correction_id": out.Corrections[0].CorrectionID,
			},
			Timestamp: ts,
		})
	}
}
