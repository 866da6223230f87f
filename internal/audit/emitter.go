// Package audit persists telemetry off the request path, keeps rolling
// health statistics and raises anomalies.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"querybot/internal/domain"
)

// Sink persists events. Both calls must be idempotent by event ID.
type Sink interface {
	AppendEvents(ctx context.Context, events ...domain.InteractionEvent) error
	AppendAudit(ctx context.Context, events ...domain.AuditEvent) error
}

// Observer sees every audit event after it leaves the buffer.
type Observer interface {
	Observe(ev domain.AuditEvent)
}

type entry struct {
	interaction *domain.InteractionEvent
	audit       *domain.AuditEvent
}

// Emitter is a buffered, non-blocking event writer. Record and Emit never
// block; when the buffer is full the event is dropped and counted.
type Emitter struct {
	in         chan entry
	sink       Sink
	observers  []Observer
	metrics    *Metrics
	batchSize  int
	flushEvery time.Duration
	dropped    atomic.Int64
	logger     *zap.Logger
}

type EmitterOption func(*Emitter)

func WithObserver(o Observer) EmitterOption {
	return func(e *Emitter) { e.observers = append(e.observers, o) }
}

func WithMetrics(m *Metrics) EmitterOption {
	return func(e *Emitter) { e.metrics = m }
}

func WithBatch(size int, every time.Duration) EmitterOption {
	return func(e *Emitter) {
		e.batchSize = size
		e.flushEvery = every
	}
}

func NewEmitter(sink Sink, bufferSize int, logger *zap.Logger, opts ...EmitterOption) *Emitter {
	if bufferSize < 1 {
		bufferSize = 1
	}
	e := &Emitter{
		in:         make(chan entry, bufferSize),
		sink:       sink,
		batchSize:  100,
		flushEvery: time.Second,
		logger:     logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Emitter) Record(ev domain.InteractionEvent) {
	e.offer(entry{interaction: &ev})
}

func (e *Emitter) Emit(ev domain.AuditEvent) {
	e.offer(entry{audit: &ev})
}

func (e *Emitter) offer(en entry) {
	select {
	case e.in <- en:
	default:
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.EventsDropped.Inc()
		}
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()

	var events []domain.InteractionEvent
	var audits []domain.AuditEvent
	flush := func() {
		if len(events) == 0 && len(audits) == 0 {
			return
		}
		e.flush(events, audits)
		events, audits = nil, nil
	}
	take := func(en entry) {
		if en.interaction != nil {
			events = append(events, *en.interaction)
		}
		if en.audit != nil {
			audits = append(audits, *en.audit)
			e.observe(*en.audit)
		}
		if len(events)+len(audits) >= e.batchSize {
			flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case en := <-e.in:
					take(en)
				default:
					flush()
					return nil
				}
			}
		case en := <-e.in:
			take(en)
		case <-ticker.C:
			flush()
		}
	}
}

func (e *Emitter) observe(ev domain.AuditEvent) {
	for _, o := range e.observers {
		o.Observe(ev)
	}
	if e.metrics == nil {
		return
	}
	switch ev.Kind {
	case domain.AuditValidation:
		outcome := "ok"
		if ev.ErrorKind != domain.ErrKindNone {
			outcome = string(ev.ErrorKind)
		}
		e.metrics.Requests.WithLabelValues(ev.Department, outcome).Inc()
		e.metrics.LayerReached.WithLabelValues(ev.Layer.String()).Inc()
		e.metrics.RequestDuration.Observe(ev.Elapsed.Seconds())
		if ev.Success {
			e.metrics.Confidence.Observe(ev.Confidence)
		}
	case domain.AuditCorrectionShown:
		e.metrics.CorrectionsShown.Inc()
	case domain.AuditCorrectionApply:
		e.metrics.CorrectionsApplied.Inc()
	}
}

// flush writes one batch, retrying once. It runs after ctx may already be
// cancelled, so it uses its own deadline.
func (e *Emitter) flush(events []domain.InteractionEvent, audits []domain.AuditEvent) {
	write := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if len(events) > 0 {
			if err := e.sink.AppendEvents(ctx, events...); err != nil {
				return err
			}
		}
		if len(audits) > 0 {
			if err := e.sink.AppendAudit(ctx, audits...); err != nil {
				return err
			}
		}
		return nil
	}

	err := write()
	if err != nil {
		e.logger.Warn("audit batch write failed, retrying", zap.Error(err))
		err = write()
	}
	if err != nil {
		e.logger.Error("audit batch dropped",
			zap.Int("events", len(events)),
			zap.Int("audits", len(audits)),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.WriteErrors.Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.EventsWritten.Add(float64(len(events) + len(audits)))
	}
}
