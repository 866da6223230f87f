// Package validate implements the first two layers of the interpretation
// funnel: structural syntax checks and department-aware pattern matching.
package validate

import (
	"fmt"
	"strings"
)

const (
	MinInputLen = 2
	MaxInputLen = 20
)

// SyntaxResult is the outcome of CheckSyntax. Message is set iff Valid is
// false.
type SyntaxResult struct {
	Valid       bool
	Message     string
	Suggestions []string
}

func syntaxError(msg string, suggestions ...string) SyntaxResult {
	return SyntaxResult{Message: msg, Suggestions: suggestions}
}

func allowedChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == ' ', r == '{', r == '}', r == '=':
		return true
	}
	return false
}

// CheckSyntax applies the structural rules in fixed order; the first failing
// rule wins. It does no I/O.
func CheckSyntax(input string) SyntaxResult {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return syntaxError("input is empty")
	}

	n := len([]rune(input))
	if n < MinInputLen || n > MaxInputLen {
		return syntaxError(fmt.Sprintf("input must be %d-%d characters, got %d", MinInputLen, MaxInputLen, n))
	}

	for i, r := range input {
		if allowedChar(r) {
			continue
		}
		if lower := strings.ToLower(input); lower != input && onlyAllowed(lower) {
			return syntaxError("input must be lowercase", collapseSpaces(lower))
		}
		return syntaxError(fmt.Sprintf("character %q at position %d is not allowed", r, i))
	}

	if msg := checkPlaceholders(input); msg != "" {
		return syntaxError(msg)
	}

	if collapsed := collapseSpaces(input); collapsed != input {
		return syntaxError("input has leading, trailing or repeated spaces", collapsed)
	}
	return SyntaxResult{Valid: true}
}

func onlyAllowed(s string) bool {
	for _, r := range s {
		if !allowedChar(r) {
			return false
		}
	}
	return true
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// checkPlaceholders accepts `{` name digits* `}` with a lowercase name and no
// nesting.
func checkPlaceholders(s string) string {
	open := -1
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '{':
			if open >= 0 {
				return "nested placeholder"
			}
			open = i
		case '}':
			if open < 0 {
				return "unbalanced '}'"
			}
			if !validPlaceholderName(s[open+1 : i]) {
				return fmt.Sprintf("malformed placeholder %q", s[open:i+1])
			}
			open = -1
		}
	}
	if open >= 0 {
		return "unbalanced '{'"
	}
	return ""
}

func validPlaceholderName(name string) bool {
	i := 0
	for i < len(name) && name[i] >= 'a' && name[i] <= 'z' {
		i++
	}
	if i == 0 {
		return false
	}
	for ; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}
