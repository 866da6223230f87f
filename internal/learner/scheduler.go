package learner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"querybot/internal/domain"
	"querybot/internal/logging"
)

// Job is a named batch task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      func(ctx context.Context) error
}

// Scheduler runs batch jobs on cron schedules. A tick that arrives while the
// previous run of the same job is still active is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	cl := logging.CronLogger{L: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. An empty schedule disables it.
func (s *Scheduler) Add(job Job) error {
	schedule := strings.TrimSpace(job.Schedule)
	if schedule == "" {
		s.logger.Info("scheduled job disabled", zap.String("job", job.Name))
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		s.logger.Info("scheduled job starting", zap.String("job", job.Name))
		err := job.Run(s.ctx)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			s.logger.Info("scheduled job deferred to next tick", zap.String("job", job.Name))
		case err != nil:
			s.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, job.Name, err)
	}
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("cron", schedule))
	return nil
}

// Start runs the scheduler until ctx is cancelled, then cancels running jobs
// and waits for them to return.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// LearnerJob adapts a Learner to a scheduled Job.
func LearnerJob(l *Learner, schedule string) Job {
	return Job{
		Name:     "pattern-learner",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := l.Run(ctx)
			return err
		},
	}
}
