package domain

import (
	"regexp"
	"strings"
)

type QueryType string

const (
	QueryMultiQuantity QueryType = "multi_quantity"
	QueryTimePeriod    QueryType = "time_period"
	QueryReport        QueryType = "report"
	QueryBalance       QueryType = "balance"
	QueryTransaction   QueryType = "transaction"
	QueryLookup        QueryType = "lookup"
	QueryFullText      QueryType = "fulltext"
)

var queryTypes = map[QueryType]bool{
	QueryMultiQuantity: true,
	QueryTimePeriod:    true,
	QueryReport:        true,
	QueryBalance:       true,
	QueryTransaction:   true,
	QueryLookup:        true,
	QueryFullText:      true,
}

func (q QueryType) Valid() bool {
	return queryTypes[q]
}

type ErrorKind string

const (
	ErrKindNone                  ErrorKind = ""
	ErrKindSyntax                ErrorKind = "SYNTAX"
	ErrKindPatternMismatch       ErrorKind = "PATTERN_MISMATCH"
	ErrKindSuspicionUnresolved   ErrorKind = "SUSPICION_UNRESOLVED"
	ErrKindCorrectionSuggested   ErrorKind = "CORRECTION_SUGGESTED"
	ErrKindInterpretationFailure ErrorKind = "INTERPRETATION_FAILURE"
	ErrKindUpstreamUnavailable   ErrorKind = "UPSTREAM_UNAVAILABLE"
)

// Layer identifies how far a request travelled through the funnel.
type Layer int

const (
	LayerNone Layer = iota
	LayerSyntax
	LayerLogical
	LayerHeuristic
	LayerCorrection
	LayerInterpreter
)

func (l Layer) String() string {
	switch l {
	case LayerSyntax:
		return "syntax"
	case LayerLogical:
		return "logical"
	case LayerHeuristic:
		return "heuristic"
	case LayerCorrection:
		return "correction"
	case LayerInterpreter:
		return "interpreter"
	default:
		return "none"
	}
}

// ParseLayer is the inverse of Layer.String. Unknown names map to LayerNone.
func ParseLayer(s string) Layer {
	for l := LayerSyntax; l <= LayerInterpreter; l++ {
		if l.String() == s {
			return l
		}
	}
	return LayerNone
}

var departmentRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,31}$`)

// ValidDepartment reports whether dept is well formed and, when allowed is
// non-empty, one of the allowed departments.
func ValidDepartment(dept string, allowed []string) bool {
	if !departmentRe.MatchString(dept) {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), dept) {
			return true
		}
	}
	return false
}

// ValidScore reports whether v is a finite score in [0,1].
func ValidScore(v float64) bool {
	return v >= 0 && v <= 1
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
