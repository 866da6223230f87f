package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"querybot/internal/domain"
)

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)

const (
	AnomalyLowSuccess      = "low_success_rate"
	AnomalyLowConfidence   = "low_confidence"
	AnomalyValidationShare = "high_validation_error_share"
)

type Anomaly struct {
	Severity  Severity
	Kind      string
	Message   string
	Value     float64
	Threshold float64
	Samples   int
	At        time.Time
}

type Thresholds struct {
	Window            time.Duration
	MinSamples        int
	SuccessFloor      float64
	ConfidenceFloor   float64
	ValidationCeiling float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:            15 * time.Minute,
		MinSamples:        20,
		SuccessFloor:      0.85,
		ConfidenceFloor:   0.7,
		ValidationCeiling: 0.3,
	}
}

type sample struct {
	at         time.Time
	success    bool
	confidence float64
	layer      domain.Layer
	errorKind  domain.ErrorKind
}

// Snapshot is the rolling-window view of request health.
type Snapshot struct {
	Samples              int
	SuccessRate          float64
	AvgConfidence        float64 // over successful requests
	ValidationErrorShare float64
	// ConfidenceBuckets counts successes in [0,.5) [.5,.7) [.7,.9) [.9,1].
	ConfidenceBuckets [4]int
	FailuresByLayer   map[string]int
	CorrectionsShown  int
	CorrectionsUsed   int
	AcceptanceRate    float64
}

// AuditSource reads persisted audit events, including those written by
// other processes sharing the store.
type AuditSource interface {
	AuditSince(ctx context.Context, since time.Time) ([]domain.AuditEvent, error)
}

// syncOverlap re-reads rows written shortly before the last sync, since other
// processes flush their buffers late.
const syncOverlap = time.Minute

// Monitor aggregates validation decisions over a sliding time window.
type Monitor struct {
	th     Thresholds
	source AuditSource
	now    func() time.Time

	mu       sync.Mutex
	samples  []sample
	shown    []time.Time
	accepted []time.Time
	seen     map[string]time.Time
	synced   time.Time
}

type MonitorOption func(*Monitor)

// WithAuditSource makes Run fold persisted audit events into the window
// before every check.
func WithAuditSource(src AuditSource) MonitorOption {
	return func(m *Monitor) { m.source = src }
}

func NewMonitor(th Thresholds, opts ...MonitorOption) *Monitor {
	m := &Monitor{th: th, now: time.Now, seen: make(map[string]time.Time)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Observe adds one event to the window. Events with an ID already observed
// are ignored, so in-process emits and store syncs can overlap.
func (m *Monitor) Observe(ev domain.AuditEvent) {
	at := ev.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if at.Before(m.now().Add(-m.th.Window)) {
		return
	}
	if ev.ID != "" {
		if _, dup := m.seen[ev.ID]; dup {
			return
		}
		m.seen[ev.ID] = at
	}
	switch ev.Kind {
	case domain.AuditValidation:
		m.samples = insertSample(m.samples, sample{
			at:         at,
			success:    ev.Success,
			confidence: ev.Confidence,
			layer:      ev.Layer,
			errorKind:  ev.ErrorKind,
		})
	case domain.AuditCorrectionShown:
		m.shown = insertTime(m.shown, at)
	case domain.AuditCorrectionApply:
		m.accepted = insertTime(m.accepted, at)
	}
}

// Sync folds audit events persisted since the previous sync into the window.
func (m *Monitor) Sync(ctx context.Context) (int, error) {
	if m.source == nil {
		return 0, nil
	}
	now := m.now()
	since := now.Add(-m.th.Window)
	m.mu.Lock()
	if from := m.synced.Add(-syncOverlap); from.After(since) {
		since = from
	}
	m.mu.Unlock()

	events, err := m.source.AuditSince(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		m.Observe(ev)
	}
	m.mu.Lock()
	m.synced = now
	m.mu.Unlock()
	return len(events), nil
}

// insertSample keeps samples ordered by time; synced rows may be older than
// events already observed.
func insertSample(s []sample, sm sample) []sample {
	i := sort.Search(len(s), func(i int) bool { return s[i].at.After(sm.at) })
	s = append(s, sample{})
	copy(s[i+1:], s[i:])
	s[i] = sm
	return s
}

func insertTime(ts []time.Time, at time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[i+1:], ts[i:])
	ts[i] = at
	return ts
}

func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.th.Window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	m.samples = m.samples[i:]
	m.shown = pruneTimes(m.shown, cutoff)
	m.accepted = pruneTimes(m.accepted, cutoff)
	for id, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, id)
		}
	}
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func validationError(k domain.ErrorKind) bool {
	return k == domain.ErrKindSyntax || k == domain.ErrKindPatternMismatch
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	s := Snapshot{
		Samples:          len(m.samples),
		FailuresByLayer:  make(map[string]int),
		CorrectionsShown: len(m.shown),
		CorrectionsUsed:  len(m.accepted),
	}
	var successes, validationErrs int
	var confSum float64
	for _, sm := range m.samples {
		if sm.success {
			successes++
			confSum += sm.confidence
			switch {
			case sm.confidence >= 0.9:
				s.ConfidenceBuckets[3]++
			case sm.confidence >= 0.7:
				s.ConfidenceBuckets[2]++
			case sm.confidence >= 0.5:
				s.ConfidenceBuckets[1]++
			default:
				s.ConfidenceBuckets[0]++
			}
			continue
		}
		s.FailuresByLayer[sm.layer.String()]++
		if validationError(sm.errorKind) {
			validationErrs++
		}
	}
	if s.Samples > 0 {
		s.SuccessRate = float64(successes) / float64(s.Samples)
		s.ValidationErrorShare = float64(validationErrs) / float64(s.Samples)
	}
	if successes > 0 {
		s.AvgConfidence = confSum / float64(successes)
	}
	if s.CorrectionsShown > 0 {
		s.AcceptanceRate = float64(s.CorrectionsUsed) / float64(s.CorrectionsShown)
	}
	return s
}

// Check returns the anomalies of the current window. Nothing is raised below
// the minimum sample size.
func (m *Monitor) Check() []Anomaly {
	s := m.Snapshot()
	if s.Samples < m.th.MinSamples {
		return nil
	}
	now := m.now()
	var out []Anomaly
	if s.SuccessRate < m.th.SuccessFloor {
		out = append(out, Anomaly{
			Severity:  SeverityHigh,
			Kind:      AnomalyLowSuccess,
			Message:   fmt.Sprintf("success rate %.1f%% below %.0f%%", s.SuccessRate*100, m.th.SuccessFloor*100),
			Value:     s.SuccessRate,
			Threshold: m.th.SuccessFloor,
			Samples:   s.Samples,
			At:        now,
		})
	}
	if s.SuccessRate > 0 && s.AvgConfidence < m.th.ConfidenceFloor {
		out = append(out, Anomaly{
			Severity:  SeverityMedium,
			Kind:      AnomalyLowConfidence,
			Message:   fmt.Sprintf("average confidence %.2f below %.2f", s.AvgConfidence, m.th.ConfidenceFloor),
			Value:     s.AvgConfidence,
			Threshold: m.th.ConfidenceFloor,
			Samples:   s.Samples,
			At:        now,
		})
	}
	if s.ValidationErrorShare > m.th.ValidationCeiling {
		out = append(out, Anomaly{
			Severity:  SeverityMedium,
			Kind:      AnomalyValidationShare,
			Message:   fmt.Sprintf("validation errors are %.1f%% of requests (limit %.0f%%)", s.ValidationErrorShare*100, m.th.ValidationCeiling*100),
			Value:     s.ValidationErrorShare,
			Threshold: m.th.ValidationCeiling,
			Samples:   s.Samples,
			At:        now,
		})
	}
	return out
}

// Run evaluates the window every interval and forwards anomalies to alerter.
// With an audit source the window is synced from the store first.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, alerter Alerter, metrics *Metrics, logger *zap.Logger) error {
	syncWindow := func() {
		syncCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := m.Sync(syncCtx); err != nil && ctx.Err() == nil {
			logger.Warn("monitor sync failed, checking in-process events only", zap.Error(err))
		}
	}
	syncWindow()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			syncWindow()
			for _, a := range m.Check() {
				if metrics != nil {
					metrics.Anomalies.WithLabelValues(string(a.Severity), a.Kind).Inc()
				}
				if err := alerter.Notify(ctx, a.Severity, a); err != nil {
					logger.Warn("anomaly alert failed", zap.String("kind", a.Kind), zap.Error(err))
				}
			}
		}
	}
}
