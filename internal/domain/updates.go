package domain

import "time"

// PatternUpdate is a typed partial update of a stored pattern. Nil fields are
// left unchanged.
type PatternUpdate struct {
	ID            string
	PriorityScore *float64
	UsageCount    *int
	LastUsed      *time.Time
}

// CorrectionUpdate is a typed partial update of a stored correction.
type CorrectionUpdate struct {
	ID         string
	UsageCount *int
	Confidence *float64
	LastUsed   *time.Time
}

// PatternFlag marks a pattern for administrative archival.
type PatternFlag struct {
	ID     string
	Reason string
}

func Float(v float64) *float64 { return &v }
func Int(v int) *int { return &v }
func Time(v time.Time) *time.Time { return &v }
