package heuristic

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"querybot/internal/cache"
	"querybot/internal/domain"
)

// SuspicionThreshold is the score above which input is treated as suspicious.
const SuspicionThreshold = 0.3

type Request struct {
	UserID         string
	Department     string
	Input          string
	PatternMatched bool
	History        []domain.InteractionEvent // newest first
}

type Result struct {
	Suspicious      bool
	SuspicionScore  float64
	ConfidenceScore float64
	Recommendations []string
	Cached          bool
	// Degraded is set when the predictor failed and the conservative
	// fallback was returned.
	Degraded bool
}

type Checker struct {
	predictor Predictor
	cache     cache.Cache
	ttl       time.Duration
	timeout   time.Duration
	threshold float64
	group     singleflight.Group
	logger    *zap.Logger
}

type Option func(*Checker)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(ch *Checker) {
		ch.cache = c
		ch.ttl = ttl
	}
}

func WithTimeout(d time.Duration) Option {
	return func(ch *Checker) { ch.timeout = d }
}

func WithThreshold(v float64) Option {
	return func(ch *Checker) { ch.threshold = v }
}

func NewChecker(p Predictor, logger *zap.Logger, opts ...Option) *Checker {
	ch := &Checker{
		predictor: p,
		ttl:       time.Hour,
		timeout:   2 * time.Second,
		threshold: SuspicionThreshold,
		logger:    logger,
	}
	for _, o := range opts {
		o(ch)
	}
	return ch
}

// Check scores a request. It never fails: cache errors fall through to the
// predictor and predictor errors return {suspicious:false, confidence:0}.
func (c *Checker) Check(ctx context.Context, req Request) Result {
	key := cache.HeuristicKey(req.UserID, req.Input)
	if c.cache != nil {
		pred, ok, err := cache.GetJSON[domain.Prediction](ctx, c.cache, key)
		if err != nil {
			c.logger.Warn("heuristic cache read failed", zap.Error(err))
		} else if ok {
			res := c.result(pred)
			res.Cached = true
			return res
		}
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		pred, err := c.predictor.Predict(callCtx, Extract(req.Department, req.Input, req.PatternMatched, req.History))
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := cache.PutJSON(callCtx, c.cache, key, pred, c.ttl); err != nil {
				c.logger.Warn("heuristic cache write failed", zap.Error(err))
			}
		}
		return pred, nil
	})
	if err != nil {
		c.logger.Warn("predictor unavailable, treating input as not suspicious",
			zap.String("department", req.Department),
			zap.Error(err))
		return Result{Degraded: true}
	}
	return c.result(v.(domain.Prediction))
}

func (c *Checker) result(p domain.Prediction) Result {
	res := Result{
		SuspicionScore:  domain.Clamp01(p.SuspicionScore),
		ConfidenceScore: domain.Clamp01(p.ConfidenceScore),
	}
	res.Suspicious = res.SuspicionScore > c.threshold
	if res.Suspicious {
		switch p.RecommendedAction {
		case domain.ActionCorrect:
			res.Recommendations = []string{"check the input for a typo"}
		default:
			res.Recommendations = []string{"confirm the interpretation before acting on it"}
		}
	}
	return res
}
