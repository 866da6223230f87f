package domain

import "errors"

var (
	// ErrUnavailable marks a failed dependency (store, cache, predictor) as
	// opposed to a valid empty result.
	ErrUnavailable = errors.New("upstream unavailable")

	ErrNotFound = errors.New("not found")

	// ErrRunInProgress is returned when a learner trigger overlaps an active run.
	ErrRunInProgress = errors.New("learner run already in progress")
)
