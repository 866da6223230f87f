package learner

import "time"

// RankWeights weight the learning-potential terms. Usage, unique users and
// age are normalised against their caps.
type RankWeights struct {
	Usage       float64
	SuccessRate float64
	UniqueUsers float64
	Confidence  float64
	Age         float64

	UsageCap       int
	UniqueUsersCap int
	AgeCapDays     int
}

// ReweighWeights blend a pattern's old priority with recent telemetry.
type ReweighWeights struct {
	Old         float64
	Confidence  float64
	SuccessRate float64
}

type Config struct {
	Departments []string

	Lookback         time.Duration
	MinUsage         int
	MinConfidence    float64
	MinSuccessRate   float64
	PromoteThreshold float64
	BatchSize        int
	// LeaseTTL bounds how long a crashed run blocks other processes. Each
	// state renews it.
	LeaseTTL time.Duration

	ReweighWindow time.Duration

	PruneMaxUsage    int
	PruneMaxPriority float64
	StaleAfter       time.Duration

	// Correction discovery: a failed input followed by a successful one from
	// the same user within CorrectionWindow and CorrectionMaxDistance edits.
	CorrectionWindow      time.Duration
	CorrectionMaxDistance int
	CorrectionMinPairs    int
	// FeedbackAlpha is the smoothing factor of the rolling correction
	// confidence.
	FeedbackAlpha float64

	Rank    RankWeights
	Reweigh ReweighWeights
}

func DefaultConfig() Config {
	return Config{
		Lookback:              30 * 24 * time.Hour,
		MinUsage:              3,
		MinConfidence:         0.6,
		MinSuccessRate:        0.7,
		PromoteThreshold:      0.7,
		BatchSize:             50,
		LeaseTTL:              30 * time.Minute,
		ReweighWindow:         30 * 24 * time.Hour,
		PruneMaxUsage:         3,
		PruneMaxPriority:      0.3,
		StaleAfter:            90 * 24 * time.Hour,
		CorrectionWindow:      2 * time.Minute,
		CorrectionMaxDistance: 3,
		CorrectionMinPairs:    2,
		FeedbackAlpha:         0.2,
		Rank: RankWeights{
			Usage:          0.3,
			SuccessRate:    0.25,
			UniqueUsers:    0.2,
			Confidence:     0.15,
			Age:            0.1,
			UsageCap:       100,
			UniqueUsersCap: 20,
			AgeCapDays:     30,
		},
		Reweigh: ReweighWeights{Old: 0.7, Confidence: 0.2, SuccessRate: 0.1},
	}
}
