package domain

import "time"

// Pattern maps an abbreviated input to a structured query intent for one
// department. Pattern text may contain {var} placeholders.
type Pattern struct {
	ID            string
	Department    string
	Text          string
	ExpandedQuery string
	QueryType     QueryType
	PriorityScore float64
	UsageCount    int
	LastUsed      time.Time
	CreatedAt     time.Time

	FlaggedForArchival bool
	FlagReason         string
	Archived           bool
}

// LastActivity is LastUsed, or CreatedAt for a pattern that was never used.
func (p Pattern) LastActivity() time.Time {
	if p.LastUsed.IsZero() {
		return p.CreatedAt
	}
	return p.LastUsed
}

type Correction struct {
	ID            string
	Department    string
	OriginalText  string
	CorrectedText string
	Distance      int
	UsageCount    int
	Confidence    float64 // rolling average over applications
	LastUsed      time.Time
	CreatedAt     time.Time
}

// InteractionEvent is one interpreted request. Events are append-only.
type InteractionEvent struct {
	ID               string
	UserID           string
	Department       string
	RawInput         string
	InterpretedQuery string
	QueryType        QueryType
	PatternID        string // set when a stored pattern matched
	ConfidenceScore  float64
	Success          bool
	ErrorKind        ErrorKind
	Timestamp        time.Time
}

// PatternMiss counts inputs that reached Layer 2 without matching a pattern.
type PatternMiss struct {
	Department string
	RawInput   string
	Hits       int
	LastSeen   time.Time
}

// CorrectionFeedback records a user's answer to a correction suggestion.
type CorrectionFeedback struct {
	ID           string
	CorrectionID string
	UserID       string
	Department   string
	Accepted     bool
	Timestamp    time.Time
}

type AuditKind string

const (
	AuditValidation      AuditKind = "validation_decision"
	AuditCorrectionShown AuditKind = "correction_suggested"
	AuditCorrectionApply AuditKind = "correction_applied"
	AuditLearnerRun      AuditKind = "learner_run"
	AuditPatternFlagged  AuditKind = "pattern_flagged"
	AuditAnomaly         AuditKind = "anomaly"
)

type AuditEvent struct {
	ID         string
	Kind       AuditKind
	UserID     string
	Department string
	Layer      Layer
	Success    bool
	ErrorKind  ErrorKind
	Confidence float64
	Elapsed    time.Duration
	Payload    map[string]string
	Timestamp  time.Time
}

// CorpusDocument is an entry of the full-text fallback corpus.
type CorpusDocument struct {
	ID         string
	Department string
	Title      string
	Body       string
}

// ValidationDecision is the per-request trace of the validation funnel.
type ValidationDecision struct {
	LayerReached Layer
	Passed       bool
	ErrorKind    ErrorKind
	Suggestions  []string
	Elapsed      time.Duration
}

type RecommendedAction string

const (
	ActionProceed RecommendedAction = "proceed"
	ActionCorrect RecommendedAction = "suggest_correction"
	ActionConfirm RecommendedAction = "confirm"
)

// Prediction is the output of a suspicion predictor.
type Prediction struct {
	SuspicionScore    float64           `json:"suspicion_score"`
	ConfidenceScore   float64           `json:"confidence_score"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
}
