// Package heuristic implements Layer 3: cached statistical suspicion scoring
// of inputs that already passed the structural checks.
package heuristic

import (
	"strings"

	"querybot/internal/domain"
)

// Features is the fixed feature set scored by predictors. Input and
// Department are carried for text-based predictors and are not part of the
// numeric vector.
type Features struct {
	Input      string
	Department string

	Length            float64
	Tokens            float64
	DigitRatio        float64
	Placeholders      float64
	PatternMatched    float64
	RecentSuccessRate float64
	SeenBefore        float64
	MissPressure      float64
}

// FeatureNames orders Vector.
var FeatureNames = []string{
	"length", "tokens", "digit_ratio", "placeholders",
	"pattern_matched", "recent_success_rate", "seen_before", "miss_pressure",
}

func (f Features) Vector() []float64 {
	return []float64{
		f.Length, f.Tokens, f.DigitRatio, f.Placeholders,
		f.PatternMatched, f.RecentSuccessRate, f.SeenBefore, f.MissPressure,
	}
}

// Extract builds features for input given the user's recent history, newest
// first. History may be empty.
func Extract(department, input string, matched bool, history []domain.InteractionEvent) Features {
	f := Features{
		Input:             input,
		Department:        department,
		Length:            min(float64(len(input))/20, 1),
		Tokens:            min(float64(len(strings.Fields(input)))/5, 1),
		Placeholders:      min(float64(strings.Count(input, "{"))/3, 1),
		RecentSuccessRate: 0.5,
	}
	if matched {
		f.PatternMatched = 1
	}
	digits := 0
	for _, r := range input {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if len(input) > 0 {
		f.DigitRatio = float64(digits) / float64(len(input))
	}

	if len(history) > 0 {
		success, misses := 0, 0
		for _, e := range history {
			if e.Success {
				success++
			}
			if e.ErrorKind == domain.ErrKindPatternMismatch {
				misses++
			}
			if e.RawInput == input && e.Success {
				f.SeenBefore = 1
			}
		}
		f.RecentSuccessRate = float64(success) / float64(len(history))
		f.MissPressure = float64(misses) / float64(len(history))
	}
	return f
}
