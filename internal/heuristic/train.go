package heuristic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"querybot/internal/domain"
)

type EventSource interface {
	EventsSince(ctx context.Context, since time.Time, department string) ([]domain.InteractionEvent, error)
}

// suspiciousOutcome labels an event whose input turned out not to be what
// the user meant.
func suspiciousOutcome(e domain.InteractionEvent) bool {
	switch e.ErrorKind {
	case domain.ErrKindPatternMismatch, domain.ErrKindCorrectionSuggested, domain.ErrKindSuspicionUnresolved:
		return true
	}
	return false
}

// TrainingSet replays events in time order, extracting each event's features
// from the history that preceded it. Syntax failures never reach Layer 3 and
// are left out.
func TrainingSet(events []domain.InteractionEvent, historyLimit int) ([][]float64, []float64) {
	sorted := append([]domain.InteractionEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	history := make(map[string][]domain.InteractionEvent)
	var features [][]float64
	var labels []float64
	for _, e := range sorted {
		key := e.UserID + "\x00" + e.Department
		past := history[key]
		if e.ErrorKind != domain.ErrKindSyntax {
			matched := e.PatternID != "" || e.QueryType == domain.QueryMultiQuantity || e.QueryType == domain.QueryTimePeriod
			f := Extract(e.Department, e.RawInput, matched, past)
			features = append(features, f.Vector())
			label := 0.0
			if suspiciousOutcome(e) {
				label = 1
			}
			labels = append(labels, label)
		}
		// newest first, bounded
		past = append([]domain.InteractionEvent{e}, past...)
		if len(past) > historyLimit {
			past = past[:historyLimit]
		}
		history[key] = past
	}
	return features, labels
}

// TrainJob retrains the logistic predictor from recent telemetry.
type TrainJob struct {
	events       EventSource
	predictor    *LogisticPredictor
	modelPath    string
	lookback     time.Duration
	historyLimit int
	opts         TrainOptions
	logger       *zap.Logger
	now          func() time.Time
}

func NewTrainJob(events EventSource, predictor *LogisticPredictor, modelPath string, lookback time.Duration, historyLimit int, logger *zap.Logger) *TrainJob {
	return &TrainJob{
		events:       events,
		predictor:    predictor,
		modelPath:    modelPath,
		lookback:     lookback,
		historyLimit: historyLimit,
		opts:         DefaultTrainOptions(),
		logger:       logger,
		now:          time.Now,
	}
}

// Run trains and installs a new model. Too little data keeps the current
// model and is not an error.
func (j *TrainJob) Run(ctx context.Context) error {
	now := j.now()
	events, err := j.events.EventsSince(ctx, now.Add(-j.lookback), "")
	if err != nil {
		return fmt.Errorf("load training events: %w", err)
	}
	features, labels := TrainingSet(events, j.historyLimit)
	model, err := Train(features, labels, j.opts)
	if errors.Is(err, ErrInsufficientData) {
		j.logger.Info("predictor training skipped", zap.Int("samples", len(features)), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	model.TrainedAt = now.UTC()
	j.predictor.SetModel(model)
	if j.modelPath != "" {
		if err := SaveModel(j.modelPath, model); err != nil {
			return fmt.Errorf("save model: %w", err)
		}
	}
	j.logger.Info("predictor retrained",
		zap.Int("samples", model.Samples),
		zap.Float64("accuracy", model.Accuracy))
	return nil
}
