// Package learner discovers, ranks and maintains interpretation patterns from
// interaction telemetry. It runs as a batch job, never on the request path.
package learner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"querybot/internal/audit"
	"querybot/internal/cache"
	"querybot/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateDiscover
	StateValidate
	StateRank
	StateStore
	StateReweigh
	StatePruneFlag
)

func (s State) String() string {
	switch s {
	case StateDiscover:
		return "DISCOVER"
	case StateValidate:
		return "VALIDATE"
	case StateRank:
		return "RANK"
	case StateStore:
		return "STORE"
	case StateReweigh:
		return "REWEIGH"
	case StatePruneFlag:
		return "PRUNE_FLAG"
	default:
		return "IDLE"
	}
}

// Store is the slice of the persistent store the learner reads and mutates.
type Store interface {
	EventsSince(ctx context.Context, since time.Time, department string) ([]domain.InteractionEvent, error)
	AllPatterns(ctx context.Context) ([]domain.Pattern, error)
	PatternExists(ctx context.Context, department, text string) (bool, error)
	InsertPatterns(ctx context.Context, patterns []domain.Pattern) (int, error)
	UpdatePatterns(ctx context.Context, updates []domain.PatternUpdate) error
	FlagPatterns(ctx context.Context, flags []domain.PatternFlag) (int, error)
	CorrectionExists(ctx context.Context, department, original, corrected string) (bool, error)
	InsertCorrections(ctx context.Context, corrections []domain.Correction) (int, error)
	CorrectionByID(ctx context.Context, id string) (domain.Correction, error)
	PendingFeedback(ctx context.Context) ([]domain.CorrectionFeedback, error)
	ApplyFeedback(ctx context.Context, updates []domain.CorrectionUpdate, feedbackIDs []string) error
	Misses(ctx context.Context, department string, minHits int) ([]domain.PatternMiss, error)
}

// Locker is a run lease shared by every process using the same store. A
// store that implements it is used automatically.
type Locker interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

const leaseName = "pattern-learner"

type Auditor interface {
	Emit(ev domain.AuditEvent)
}

// Report summarises one run.
type Report struct {
	StartedAt time.Time
	Elapsed   time.Duration
	LastState State

	Events               int
	Candidates           int
	Rejected             int
	Promoted             int
	Stored               int
	Duplicates           int
	CorrectionCandidates int
	CorrectionsStored    int
	DemandSignals        []domain.PatternMiss
	Reweighed            int
	FeedbackApplied      int
	Flagged              int
	BatchErrors          int
}

type Learner struct {
	cfg     Config
	store   Store
	audit   Auditor
	metrics *audit.Metrics
	cache   cache.Deleter
	locker  Locker
	holder  string
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Learner)

func WithAuditor(a Auditor) Option {
	return func(l *Learner) { l.audit = a }
}

func WithMetrics(m *audit.Metrics) Option {
	return func(l *Learner) { l.metrics = m }
}

// WithCacheInvalidation drops a department's cached pattern list after the
// run changed it.
func WithCacheInvalidation(c cache.Deleter) Option {
	return func(l *Learner) { l.cache = c }
}

func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) *Learner {
	l := &Learner{cfg: cfg, store: store, holder: uuid.NewString(), logger: logger, now: time.Now}
	if l.cfg.LeaseTTL <= 0 {
		l.cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if lk, ok := store.(Locker); ok {
		l.locker = lk
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// run carries the working set between states.
type run struct {
	now         time.Time
	events      []domain.InteractionEvent
	patterns    []domain.Pattern
	candidates  []*candidate
	corrections []*correctionCandidate
	touched     map[string]bool
	report      *Report
}

type step struct {
	state State
	fn    func(context.Context, *run) error
}

// Run executes one full cycle. An overlapping call, in this process or in
// another one holding the store lease, returns domain.ErrRunInProgress without
// doing any work. Cancellation is honoured between states.
func (l *Learner) Run(ctx context.Context) (Report, error) {
	if !l.mu.TryLock() {
		l.logger.Info("learner run already active, deferring to next tick")
		l.countRun("skipped")
		return Report{}, domain.ErrRunInProgress
	}
	defer l.mu.Unlock()

	if l.locker != nil {
		ok, err := l.locker.AcquireLease(ctx, leaseName, l.holder, l.cfg.LeaseTTL)
		if err != nil {
			l.countRun("error")
			return Report{}, fmt.Errorf("acquire learner lease: %w", err)
		}
		if !ok {
			l.logger.Info("learner lease held by another process, deferring to next tick")
			l.countRun("skipped")
			return Report{}, domain.ErrRunInProgress
		}
		defer l.releaseLease()
	}

	start := l.now()
	rep := Report{StartedAt: start}
	r := &run{now: start, touched: make(map[string]bool), report: &rep}

	steps := []step{
		{StateDiscover, l.discover},
		{StateValidate, l.validate},
		{StateRank, l.rank},
		{StateStore, l.storeCandidates},
		{StateReweigh, l.reweigh},
		{StatePruneFlag, l.pruneFlag},
	}
	var runErr error
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			l.logger.Info("learner run cancelled", zap.Stringer("before", s.state))
			runErr = err
			break
		}
		if err := l.renewLease(ctx); err != nil {
			runErr = err
			break
		}
		rep.LastState = s.state
		if err := s.fn(ctx, r); err != nil {
			runErr = fmt.Errorf("learner %s: %w", s.state, err)
			break
		}
	}

	l.invalidate(r.touched)
	rep.Elapsed = l.now().Sub(start)
	l.finish(rep, runErr)
	return rep, runErr
}

// renewLease extends the lease before each state so a long run keeps it.
func (l *Learner) renewLease(ctx context.Context) error {
	if l.locker == nil {
		return nil
	}
	ok, err := l.locker.AcquireLease(ctx, leaseName, l.holder, l.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("renew learner lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("learner lease lost: %w", domain.ErrRunInProgress)
	}
	return nil
}

func (l *Learner) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.locker.ReleaseLease(ctx, leaseName, l.holder); err != nil {
		l.logger.Warn("learner lease release failed, it will expire", zap.Error(err))
	}
}

func (l *Learner) finish(rep Report, err error) {
	result := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	l.countRun(result)
	if l.metrics != nil {
		l.metrics.LearnerDuration.Observe(rep.Elapsed.Seconds())
		l.metrics.PatternsStored.Add(float64(rep.Stored))
		l.metrics.PatternsFlagged.Add(float64(rep.Flagged))
	}

	fields := []zap.Field{
		zap.String("result", result),
		zap.Stringer("last_state", rep.LastState),
		zap.Int("events", rep.Events),
		zap.Int("candidates", rep.Candidates),
		zap.Int("rejected", rep.Rejected),
		zap.Int("stored", rep.Stored),
		zap.Int("corrections_stored", rep.CorrectionsStored),
		zap.Int("reweighed", rep.Reweighed),
		zap.Int("feedback_applied", rep.FeedbackApplied),
		zap.Int("flagged", rep.Flagged),
		zap.Duration("elapsed", rep.Elapsed),
	}
	if err != nil {
		l.logger.Error("learner run failed", append(fields, zap.Error(err))...)
	} else {
		l.logger.Info("learner run complete", fields...)
	}

	if l.audit != nil {
		l.audit.Emit(domain.AuditEvent{
			ID:      uuid.NewString(),
			Kind:    domain.AuditLearnerRun,
			Success: err == nil,
			Elapsed: rep.Elapsed,
			Payload: map[string]string{
				"result":             result,
				"last_state":         rep.LastState.String(),
				"stored":             strconv.Itoa(rep.Stored),
				"corrections_stored": strconv.Itoa(rep.CorrectionsStored),
				"reweighed":          strconv.Itoa(rep.Reweighed),
				"flagged":            strconv.Itoa(rep.Flagged),
			},
			Timestamp: rep.StartedAt,
		})
	}
}

func (l *Learner) countRun(result string) {
	if l.metrics != nil {
		l.metrics.LearnerRuns.WithLabelValues(result).Inc()
	}
}

func (l *Learner) invalidate(departments map[string]bool) {
	if l.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for dept := range departments {
		if err := l.cache.Delete(ctx, cache.PatternsKey(dept)); err != nil {
			l.logger.Warn("pattern cache invalidation failed", zap.String("department", dept), zap.Error(err))
		}
	}
}

// withRetry runs a batch write, retrying once.
func (l *Learner) withRetry(ctx context.Context, what string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	l.logger.Warn("batch write failed, retrying", zap.String("batch", what), zap.Error(err))
	if ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}
