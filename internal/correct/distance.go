// Package correct implements Layer 4: approximate matching of suspicious
// input against the department's known corrections.
package correct

import (
	"fmt"
	"math"
)

// DistanceFunc measures how far apart two inputs are.
type DistanceFunc func(a, b string) int

const (
	DistanceLevenshtein = "levenshtein"
	DistanceApprox      = "approx"
)

func DistanceByName(name string) (DistanceFunc, error) {
	switch name {
	case "", DistanceLevenshtein:
		return OSA, nil
	case DistanceApprox:
		return Approx, nil
	default:
		return nil, fmt.Errorf("unknown distance %q", name)
	}
}

// OSA is the optimal string alignment distance: Levenshtein plus adjacent
// transpositions, no substring edited twice.
func OSA(a, b string) int {
	s1, s2 := []rune(a), []rune(b)
	len1, len2 := len(s1), len(s2)
	if len1 == 0 {
		return len2
	}
	if len2 == 0 {
		return len1
	}

	matrix := make([][]int, len1+1)
	for i := range matrix {
		matrix[i] = make([]int, len2+1)
		matrix[i][0] = i
	}
	for j := 0; j <= len2; j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len1; i++ {
		for j := 1; j <= len2; j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
			if i > 1 && j > 1 && s1[i-1] == s2[j-2] && s1[i-2] == s2[j-1] {
				matrix[i][j] = min(matrix[i][j], matrix[i-2][j-2]+1)
			}
		}
	}
	return matrix[len1][len2]
}

// Approx is the legacy length and shared-character estimate, clamped to
// [1,20]. It preserves ranking order on short inputs but is not a metric.
func Approx(a, b string) int {
	la, lb := len([]rune(a)), len([]rune(b))
	seen := make(map[rune]bool)
	for _, r := range a {
		seen[r] = true
	}
	shared := make(map[rune]bool)
	for _, r := range b {
		if seen[r] {
			shared[r] = true
		}
	}
	d := 0.3*math.Abs(float64(la-lb)) + 0.7*float64(max(la, lb)-len(shared))
	return min(max(int(math.Round(d)), 1), 20)
}

// Threshold is the length-scaled distance limit
// clamp(round(0.3*len), 1, maxDistance).
func Threshold(inputLen, maxDistance int) int {
	if maxDistance < 1 {
		maxDistance = 1
	}
	t := int(math.Round(0.3 * float64(inputLen)))
	return min(max(t, 1), maxDistance)
}
