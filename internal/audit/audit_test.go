package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"querybot/internal/domain"
)

type memorySink struct {
	mu       sync.Mutex
	events   []domain.InteractionEvent
	audits   []domain.AuditEvent
	failures int // remaining AppendAudit calls that fail
	calls    int
}

func (m *memorySink) AppendEvents(_ context.Context, events ...domain.InteractionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memorySink) AppendAudit(_ context.Context, events ...domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return domain.ErrUnavailable
	}
	m.audits = append(m.audits, events...)
	return nil
}

func (m *memorySink) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events), len(m.audits)
}

func validation(success bool, kind domain.ErrorKind, conf float64) domain.AuditEvent {
	return domain.AuditEvent{
		Kind:       domain.AuditValidation,
		Department: "ACCOUNTING",
		Layer:      domain.LayerInterpreter,
		Success:    success,
		ErrorKind:  kind,
		Confidence: conf,
	}
}

func TestEmitterFlushesOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	mon := NewMonitor(DefaultThresholds())
	e := NewEmitter(sink, 16, zap.NewNop(), WithMetrics(metrics), WithObserver(mon), WithBatch(100, time.Hour))

	for i := 0; i < 3; i++ {
		e.Record(domain.InteractionEvent{ID: fmt.Sprintf("e%d", i)})
		ev := validation(true, domain.ErrKindNone, 0.9)
		ev.ID = fmt.Sprintf("a%d", i)
		e.Emit(ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	events, audits := sink.counts()
	assert.Equal(t, 3, events)
	assert.Equal(t, 3, audits)
	assert.Equal(t, 3, mon.Snapshot().Samples)
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.EventsWritten))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("ACCOUNTING", "ok")))
}

func TestEmitterDropsWhenFull(t *testing.T) {
	sink := &memorySink{}
	metrics := NewMetrics(prometheus.NewRegistry())
	e := NewEmitter(sink, 2, zap.NewNop(), WithMetrics(metrics))

	start := time.Now()
	for i := 0; i < 10; i++ {
		e.Record(domain.InteractionEvent{ID: fmt.Sprintf("e%d", i)})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "offering must not block")
	assert.Equal(t, int64(8), e.Dropped())
	assert.Equal(t, 8.0, testutil.ToFloat64(metrics.EventsDropped))
}

func TestEmitterBatchesWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &memorySink{}
	e := NewEmitter(sink, 64, zap.NewNop(), WithBatch(5, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 5; i++ {
		e.Record(domain.InteractionEvent{ID: fmt.Sprintf("e%d", i)})
	}
	assert.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n == 5
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEmitterRetriesFailedBatchOnce(t *testing.T) {
	sink := &memorySink{failures: 1}
	metrics := NewMetrics(prometheus.NewRegistry())
	e := NewEmitter(sink, 4, zap.NewNop(), WithMetrics(metrics))

	e.flush(nil, []domain.AuditEvent{{ID: "a1"}})
	_, audits := sink.counts()
	assert.Equal(t, 1, audits)
	assert.Equal(t, 2, sink.calls)
	assert.Zero(t, testutil.ToFloat64(metrics.WriteErrors))

	sink.failures = 2
	e.flush(nil, []domain.AuditEvent{{ID: "a2"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WriteErrors))
}

func newTestMonitor(now time.Time) *Monitor {
	m := NewMonitor(Thresholds{
		Window:            15 * time.Minute,
		MinSamples:        10,
		SuccessFloor:      0.85,
		ConfidenceFloor:   0.7,
		ValidationCeiling: 0.3,
	})
	m.now = func() time.Time { return now }
	return m
}

func observeN(m *Monitor, n int, ev domain.AuditEvent) {
	for i := 0; i < n; i++ {
		m.Observe(ev)
	}
}

func TestMonitorNeedsMinimumSamples(t *testing.T) {
	m := newTestMonitor(time.Now())
	observeN(m, 5, validation(false, domain.ErrKindPatternMismatch, 0))
	assert.Empty(t, m.Check())
}

func TestMonitorHealthyWindow(t *testing.T) {
	m := newTestMonitor(time.Now())
	observeN(m, 20, validation(true, domain.ErrKindNone, 0.92))
	assert.Empty(t, m.Check())

	s := m.Snapshot()
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Equal(t, 20, s.ConfidenceBuckets[3])
}

func TestMonitorRaisesLowSuccessAndValidationShare(t *testing.T) {
	m := newTestMonitor(time.Now())
	observeN(m, 12, validation(true, domain.ErrKindNone, 0.9))
	observeN(m, 8, validation(false, domain.ErrKindPatternMismatch, 0))

	anomalies := m.Check()
	require.Len(t, anomalies, 2)
	assert.Equal(t, SeverityHigh, anomalies[0].Severity)
	assert.Equal(t, AnomalyLowSuccess, anomalies[0].Kind)
	assert.InDelta(t, 0.6, anomalies[0].Value, 1e-9)
	assert.Equal(t, SeverityMedium, anomalies[1].Severity)
	assert.Equal(t, AnomalyValidationShare, anomalies[1].Kind)
	assert.Equal(t, 8, m.Snapshot().FailuresByLayer["interpreter"])
}

func TestMonitorRaisesLowConfidence(t *testing.T) {
	m := newTestMonitor(time.Now())
	observeN(m, 20, validation(true, domain.ErrKindNone, 0.5))

	anomalies := m.Check()
	require.Len(t, anomalies, 1)
	assert.Equal(t, SeverityMedium, anomalies[0].Severity)
	assert.Equal(t, AnomalyLowConfidence, anomalies[0].Kind)
}

func TestMonitorWindowAndAcceptanceRate(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(now)

	old := validation(false, domain.ErrKindSyntax, 0)
	old.Timestamp = now.Add(-time.Hour)
	observeN(m, 30, old)

	observeN(m, 4, domain.AuditEvent{Kind: domain.AuditCorrectionShown, Timestamp: now})
	m.Observe(domain.AuditEvent{Kind: domain.AuditCorrectionApply, Timestamp: now})

	s := m.Snapshot()
	assert.Zero(t, s.Samples)
	assert.Equal(t, 0.25, s.AcceptanceRate)
	assert.Empty(t, m.Check())
}

type countingAlerter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (c *countingAlerter) Notify(context.Context, Severity, Anomaly) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.err
}

func TestRateLimitedAlerterSuppressesRepeats(t *testing.T) {
	next := &countingAlerter{}
	r := NewRateLimitedAlerter(next, 1, zap.NewNop())

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Notify(context.Background(), SeverityHigh, Anomaly{Kind: AnomalyLowSuccess}))
	}
	require.NoError(t, r.Notify(context.Background(), SeverityMedium, Anomaly{Kind: AnomalyLowConfidence}))
	assert.Equal(t, 2, next.count)
}

func TestMultiAlerterJoinsErrors(t *testing.T) {
	ok := &countingAlerter{}
	bad := &countingAlerter{err: errors.New("slack down")}
	err := MultiAlerter{LogAlerter{Logger: zap.NewNop()}, bad, ok}.Notify(context.Background(), SeverityHigh, Anomaly{})
	assert.ErrorContains(t, err, "slack down")
	assert.Equal(t, 1, ok.count)
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMonitor(time.Now())
	observeN(m, 20, validation(false, domain.ErrKindSyntax, 0))
	alerts := &countingAlerter{}
	metrics := NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx, 5*time.Millisecond, alerts, metrics, zap.NewNop()) }()

	assert.Eventually(t, func() bool {
		alerts.mu.Lock()
		defer alerts.mu.Unlock()
		return alerts.count > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Positive(t, testutil.ToFloat64(metrics.Anomalies.WithLabelValues("HIGH", AnomalyLowSuccess)))
}

type auditRows struct {
	events []domain.AuditEvent
	err    error
	since  []time.Time
}

func (a *auditRows) AuditSince(_ context.Context, since time.Time) ([]domain.AuditEvent, error) {
	a.since = append(a.since, since)
	return a.events, a.err
}

func TestMonitorSyncsPersistedEventsOnce(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	rows := &auditRows{}
	for i := 0; i < 12; i++ {
		ev := validation(false, domain.ErrKindPatternMismatch, 0)
		ev.ID = fmt.Sprintf("cli-%d", i)
		ev.Timestamp = now.Add(-time.Duration(i) * time.Second)
		rows.events = append(rows.events, ev)
	}
	m := NewMonitor(Thresholds{
		Window:            15 * time.Minute,
		MinSamples:        10,
		SuccessFloor:      0.85,
		ConfidenceFloor:   0.7,
		ValidationCeiling: 0.3,
	}, WithAuditSource(rows))
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// Already seen in-process before it reached the store.
	m.Observe(rows.events[0])

	n, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, 12, m.Snapshot().Samples)

	_, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, m.Snapshot().Samples, "overlapping reads are deduplicated")
	require.Len(t, rows.since, 2)
	assert.Equal(t, now.Add(-15*time.Minute), rows.since[0])
	assert.Equal(t, now.Add(-time.Minute), rows.since[1])

	anomalies := m.Check()
	require.NotEmpty(t, anomalies)
	assert.Equal(t, AnomalyLowSuccess, anomalies[0].Kind)

	rows.err = domain.ErrUnavailable
	_, err = m.Sync(ctx)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 12, m.Snapshot().Samples)
}

type emittedEvents struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (e *emittedEvents) Emit(ev domain.AuditEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func TestAuditAlerterRecordsEveryAnomaly(t *testing.T) {
	rec := &emittedEvents{}
	next := &countingAlerter{}
	alerter := MultiAlerter{AuditAlerter{Recorder: rec}, NewRateLimitedAlerter(next, 1, zap.NewNop())}
	at := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	a := Anomaly{Severity: SeverityHigh, Kind: AnomalyLowSuccess, Message: "success rate 60.0% below 85%", Value: 0.6, Threshold: 0.85, Samples: 20, At: at}

	for i := 0; i < 3; i++ {
		require.NoError(t, alerter.Notify(context.Background(), SeverityHigh, a))
	}

	assert.Equal(t, 1, next.count, "operator channel is rate limited")
	require.Len(t, rec.events, 3, "audit trail keeps every anomaly")
	ev := rec.events[0]
	assert.Equal(t, domain.AuditAnomaly, ev.Kind)
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.Timestamp.Equal(at))
	assert.Equal(t, "HIGH", ev.Payload["severity"])
	assert.Equal(t, AnomalyLowSuccess, ev.Payload["kind"])
	assert.Equal(t, "0.8500", ev.Payload["threshold"])
	assert.Equal(t, "20", ev.Payload["samples"])
}
