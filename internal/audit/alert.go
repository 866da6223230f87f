package audit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"querybot/internal/domain"
)

// Alerter delivers anomalies to an operator channel. Delivery is best-effort.
type Alerter interface {
	Notify(ctx context.Context, severity Severity, payload Anomaly) error
}

// LogAlerter writes anomalies to the log.
type LogAlerter struct {
	Logger *zap.Logger
}

func (l LogAlerter) Notify(_ context.Context, severity Severity, a Anomaly) error {
	l.Logger.Warn("anomaly detected",
		zap.String("severity", string(severity)),
		zap.String("kind", a.Kind),
		zap.String("message", a.Message),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.Int("samples", a.Samples))
	return nil
}

// Recorder accepts audit events without blocking.
type Recorder interface {
	Emit(ev domain.AuditEvent)
}

// AuditAlerter records every anomaly as an audit event. It sits before any
// rate limiting so the audit trail keeps suppressed repeats.
type AuditAlerter struct {
	Recorder Recorder
}

func (a AuditAlerter) Notify(_ context.Context, severity Severity, an Anomaly) error {
	at := an.At
	if at.IsZero() {
		at = time.Now()
	}
	a.Recorder.Emit(domain.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       domain.AuditAnomaly,
		Confidence: an.Value,
		Payload: map[string]string{
			"severity":  string(severity),
			"kind":      an.Kind,
			"message":   an.Message,
			"value":     strconv.FormatFloat(an.Value, 'f', 4, 64),
			"threshold": strconv.FormatFloat(an.Threshold, 'f', 4, 64),
			"samples":   strconv.Itoa(an.Samples),
		},
		Timestamp: at,
	})
	return nil
}

// MultiAlerter fans out to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Notify(ctx context.Context, severity Severity, a Anomaly) error {
	var errs []error
	for _, al := range m {
		if err := al.Notify(ctx, severity, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RateLimitedAlerter drops alerts beyond the configured rate, per anomaly kind.
type RateLimitedAlerter struct {
	next   Alerter
	every  time.Duration
	logger *zap.Logger

	limiters map[string]*rate.Limiter
}

// NewRateLimitedAlerter allows perMinute alerts of each kind per minute with a
// burst of one.
func NewRateLimitedAlerter(next Alerter, perMinute float64, logger *zap.Logger) *RateLimitedAlerter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimitedAlerter{
		next:     next,
		every:    time.Duration(float64(time.Minute) / perMinute),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify is called from a single monitor goroutine.
func (r *RateLimitedAlerter) Notify(ctx context.Context, severity Severity, a Anomaly) error {
	lim, ok := r.limiters[a.Kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.every), 1)
		r.limiters[a.Kind] = lim
	}
	if !lim.Allow() {
		r.logger.Debug("anomaly alert suppressed by rate limit", zap.String("kind", a.Kind))
		return nil
	}
	return r.next.Notify(ctx, severity, a)
}
