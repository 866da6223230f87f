// Package app wires configuration, storage and the interpretation funnel into
// a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"querybot/internal/audit"
	"querybot/internal/cache"
	"querybot/internal/config"
	"querybot/internal/correct"
	"querybot/internal/heuristic"
	"querybot/internal/httpx"
	"querybot/internal/integrations/llm"
	slackalert "querybot/internal/integrations/slack"
	"querybot/internal/interpret"
	"querybot/internal/learner"
	"querybot/internal/storage/sqlite"
	"querybot/internal/validate"
)

const monitorInterval = time.Minute

type App struct {
	Config config.Config
	Logger *zap.Logger

	Store    *sqlite.Store
	Cache    cache.Cache
	Registry *prometheus.Registry
	Metrics  *audit.Metrics

	Emitter   *audit.Emitter
	Monitor   *audit.Monitor
	Alerter   audit.Alerter
	Corrector *correct.Corrector
	Pipeline  *interpret.Pipeline
	Learner   *learner.Learner

	// logistic is nil when the LLM predictor is configured; the training job
	// only runs for the logistic model.
	logistic *heuristic.LogisticPredictor

	closers []func() error
}

// Build opens the store and cache and assembles every component. Close
// releases what Build opened, also after a partial failure.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Store, err = sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	a.closers = append(a.closers, a.Store.Close)
	logger.Info("store opened", zap.String("path", cfg.DBPath))

	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = audit.NewMetrics(a.Registry)

	a.Monitor = audit.NewMonitor(audit.Thresholds{
		Window:            cfg.MonitorWindow(),
		MinSamples:        cfg.MonitorMinSamples,
		SuccessFloor:      cfg.MonitorSuccessFloor,
		ConfidenceFloor:   cfg.MonitorConfidenceFloor,
		ValidationCeiling: cfg.MonitorValidationCeiling,
	}, audit.WithAuditSource(a.Store))
	a.Emitter = audit.NewEmitter(a.Store, cfg.AuditBufferSize, logger.Named("audit"),
		audit.WithObserver(a.Monitor),
		audit.WithMetrics(a.Metrics),
	)
	a.Alerter = buildAlerter(cfg, a.Emitter, logger)

	logical := validate.NewLogical(a.Store, logger.Named("validate"),
		validate.WithCache(a.Cache, cfg.PatternCacheTTL()),
		validate.WithMissRecorder(a.Store),
		validate.WithStoreTimeout(cfg.StoreTimeout()),
	)

	predictor, err := a.buildPredictor(logger)
	if err != nil {
		return nil, err
	}
	checker := heuristic.NewChecker(predictor, logger.Named("heuristic"),
		heuristic.WithCache(a.Cache, cfg.HeuristicCacheTTL()),
		heuristic.WithTimeout(cfg.PredictorTimeout()),
		heuristic.WithThreshold(cfg.SuspicionThreshold),
	)

	distance, err := correct.DistanceByName(cfg.CorrectionDistance)
	if err != nil {
		return nil, err
	}
	a.Corrector = correct.New(a.Store, a.Store, a.Emitter, logger.Named("correct"),
		correct.WithDistance(distance, cfg.CorrectionMaxDistance),
		correct.WithTimeout(cfg.StoreTimeout()),
	)

	interpreter := interpret.NewInterpreter(logical, a.Store, logger.Named("interpret"),
		interpret.WithLocation(cfg.Location()),
		interpret.WithCorpusRefresh(cfg.CorpusRefresh()),
	)
	a.Pipeline = interpret.NewPipeline(
		interpret.PipelineConfig{
			Departments:    cfg.Departments,
			StrictPatterns: cfg.StrictPatterns,
			HistoryLimit:   cfg.HistoryLimit,
			StoreTimeout:   cfg.StoreTimeout(),
		},
		interpret.PipelineDeps{
			Logical:     logical,
			Checker:     checker,
			Corrector:   a.Corrector,
			Interpreter: interpreter,
			History:     a.Store,
			Recorder:    a.Emitter,
		},
		logger.Named("pipeline"),
	)

	opts := []learner.Option{learner.WithAuditor(a.Emitter), learner.WithMetrics(a.Metrics)}
	if d, ok := a.Cache.(cache.Deleter); ok {
		opts = append(opts, learner.WithCacheInvalidation(d))
	}
	a.Learner = learner.New(LearnerConfig(cfg), a.Store, logger.Named("learner"), opts...)

	logger.Info("querybot assembled",
		zap.Strings("departments", cfg.Departments),
		zap.String("cache", cfg.CacheBackend),
		zap.String("predictor", cfg.Predictor),
		zap.String("distance", cfg.CorrectionDistance),
		zap.Bool("strict_patterns", cfg.StrictPatterns),
		zap.Bool("slack_alerts", cfg.SlackConfigured()),
	)
	return a, nil
}

func (a *App) buildCache(ctx context.Context) error {
	switch a.Config.CacheBackend {
	case "redis":
		r, err := cache.NewRedis(ctx, a.Config.RedisAddr, a.Config.RedisPassword, a.Config.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", a.Config.RedisAddr, err)
		}
		a.Cache = r
		a.closers = append(a.closers, r.Close)
	default:
		m, err := cache.NewMemory(a.Config.CacheSize)
		if err != nil {
			return fmt.Errorf("build memory cache: %w", err)
		}
		a.Cache = m
	}
	return nil
}

func (a *App) buildPredictor(logger *zap.Logger) (heuristic.Predictor, error) {
	cfg := a.Config
	if cfg.Predictor == "llm" {
		client := httpx.NewExternalClient(cfg.ExternalHTTPTimeout)
		return llm.NewPredictor(cfg.AnthropicAPIKey, cfg.LLMModel, client, logger.Named("llm")), nil
	}
	model, err := heuristic.LoadModel(cfg.PredictorModel)
	if err != nil {
		return nil, fmt.Errorf("load predictor model: %w", err)
	}
	a.logistic = heuristic.NewLogisticPredictor(model)
	return a.logistic, nil
}

// buildAlerter records every anomaly in the audit trail and forwards it,
// rate limited, to the log and Slack.
func buildAlerter(cfg config.Config, rec audit.Recorder, logger *zap.Logger) audit.Alerter {
	channels := audit.MultiAlerter{audit.LogAlerter{Logger: logger.Named("alert")}}
	if cfg.SlackConfigured() {
		client := httpx.NewExternalClient(cfg.ExternalHTTPTimeout)
		channels = append(channels, slackalert.New(cfg.SlackBotToken, cfg.AlertChannelID, client, logger.Named("slack")))
	}
	return audit.MultiAlerter{
		audit.AuditAlerter{Recorder: rec},
		audit.NewRateLimitedAlerter(channels, cfg.AlertRatePerMinute, logger.Named("alert")),
	}
}

// LearnerConfig maps the service configuration onto the learner's.
func LearnerConfig(cfg config.Config) learner.Config {
	lc := learner.DefaultConfig()
	lc.Departments = cfg.Departments
	lc.Lookback = days(cfg.LearnerLookbackDays)
	lc.MinUsage = cfg.LearnerMinUsage
	lc.MinConfidence = cfg.LearnerMinConfidence
	lc.MinSuccessRate = cfg.LearnerMinSuccessRate
	lc.PromoteThreshold = cfg.LearnerPromoteThreshold
	lc.BatchSize = cfg.LearnerBatchSize
	lc.LeaseTTL = cfg.LearnerLease()
	lc.ReweighWindow = days(cfg.LearnerReweighDays)
	lc.StaleAfter = days(cfg.LearnerStaleDays)
	lc.CorrectionMaxDistance = cfg.CorrectionMaxDistance
	lc.Rank = learner.RankWeights(cfg.Rank)
	lc.Reweigh = learner.ReweighWeights(cfg.Reweigh)
	return lc
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Jobs returns the batch jobs run on the service's cron schedule.
func (a *App) Jobs() []learner.Job {
	jobs := []learner.Job{learner.LearnerJob(a.Learner, a.Config.LearnerSchedule)}
	if a.logistic != nil {
		train := heuristic.NewTrainJob(a.Store, a.logistic, a.Config.PredictorModel,
			days(a.Config.LearnerLookbackDays), a.Config.HistoryLimit, a.Logger.Named("train"))
		jobs = append(jobs, learner.Job{Name: "predictor-training", Schedule: a.Config.TrainSchedule, Run: train.Run})
	}
	return jobs
}

// Serve runs the audit drain, the anomaly monitor, the batch scheduler and
// the metrics endpoint until ctx is cancelled or one of them fails. The
// monitor also reads audit events that other processes (interpret, feedback,
// learn) wrote to the shared store.
func (a *App) Serve(ctx context.Context) error {
	sched := learner.NewScheduler(a.Logger.Named("scheduler"))
	for _, job := range a.Jobs() {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Emitter.Run(ctx) })
	g.Go(func() error {
		return a.Monitor.Run(ctx, monitorInterval, a.Alerter, a.Metrics, a.Logger.Named("monitor"))
	})
	g.Go(func() error { return sched.Start(ctx) })
	g.Go(func() error { return a.serveMetrics(ctx) })

	a.Logger.Info("querybot serving", zap.String("metrics_addr", a.Config.MetricsAddr))
	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: a.Config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WithEmitter runs fn while the audit emitter drains in the background, then
// flushes everything fn recorded before returning.
func (a *App) WithEmitter(ctx context.Context, fn func(ctx context.Context) error) error {
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- a.Emitter.Run(drainCtx) }()

	err := fn(ctx)
	cancel()
	return errors.Join(err, <-done)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
