package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the request pipeline and the
// learner. All names carry the "querybot_" prefix.
type Metrics struct {
	// Request path, fed from audit events by the emitter.
	Requests        *prometheus.CounterVec
	LayerReached    *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	Confidence      prometheus.Histogram

	// Corrections
	CorrectionsShown   prometheus.Counter
	CorrectionsApplied prometheus.Counter

	// Emitter
	EventsWritten prometheus.Counter
	EventsDropped prometheus.Counter
	WriteErrors   prometheus.Counter

	// Learner
	LearnerRuns     *prometheus.CounterVec
	LearnerDuration prometheus.Histogram
	PatternsStored  prometheus.Counter
	PatternsFlagged prometheus.Counter

	Anomalies *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querybot_requests_total",
				Help: "Interpreted requests by department and outcome",
			},
			[]string{"department", "outcome"}, // outcome is "ok" or the error kind
		),
		LayerReached: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querybot_layer_reached_total",
				Help: "Deepest validation layer reached per request",
			},
			[]string{"layer"},
		),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "querybot_request_duration_seconds",
			Help:    "End-to-end pipeline latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "querybot_confidence",
			Help:    "Confidence score of successful interpretations",
			Buckets: []float64{.3, .5, .7, .8, .9, .95, 1},
		}),
		CorrectionsShown: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_corrections_shown_total",
			Help: "Correction suggestions returned to users",
		}),
		CorrectionsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_corrections_applied_total",
			Help: "Correction suggestions accepted by users",
		}),
		EventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_audit_events_written_total",
			Help: "Interaction and audit events persisted",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_audit_events_dropped_total",
			Help: "Events dropped because the emitter buffer was full",
		}),
		WriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_audit_write_errors_total",
			Help: "Batches that could not be persisted after a retry",
		}),
		LearnerRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querybot_learner_runs_total",
				Help: "Pattern learner runs by result",
			},
			[]string{"result"}, // "ok", "error", "skipped", "cancelled"
		),
		LearnerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "querybot_learner_duration_seconds",
			Help:    "Pattern learner run duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		PatternsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_learner_patterns_stored_total",
			Help: "Patterns promoted into the pattern store",
		}),
		PatternsFlagged: f.NewCounter(prometheus.CounterOpts{
			Name: "querybot_learner_patterns_flagged_total",
			Help: "Patterns flagged for archival",
		}),
		Anomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querybot_anomalies_total",
				Help: "Anomalies raised by the monitor",
			},
			[]string{"severity", "kind"},
		),
	}
}
