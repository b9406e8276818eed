package limiter

import (
	"context"
	"math"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// TokenBucket implements the token bucket algorithm.
//
// The bucket starts full and refills continuously at RefillRate tokens per
// second up to Capacity. A call of cost c is admitted iff at least c tokens
// are available, and then consumes them. A cost above Capacity is an ordinary
// denial. The quota is global across client IDs.
type TokenBucket struct {
	*base
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(cfg Config, st store.Store, opts ...Option) (*TokenBucket, error) {
	b, err := newBase(AlgorithmTokenBucket, cfg, st, opts)
	if err != nil {
		return nil, err
	}
	return &TokenBucket{base: b}, nil
}

func (tb *TokenBucket) stateKey() string {
	return tb.key("state")
}

func tokenAccumulator(cfg Config) accumulator {
	return accumulator{capacity: float64(cfg.Capacity), rate: cfg.RefillRate, fill: true}
}

func (tb *TokenBucket) Decide(ctx context.Context, clientID string, cost int) (Decision, error) {
	return tb.decide(ctx, clientID, cost, tb.evaluate)
}

func (tb *TokenBucket) evaluate(ctx context.Context, cfg Config, now time.Time, cost int) (Decision, error) {
	c := float64(cost)
	acc := tokenAccumulator(cfg)

	var before float64
	level, allowed, err := acc.apply(ctx, tb.store, tb.stateKey(), now, func(tokens float64) (float64, bool) {
		before = tokens
		if tokens+levelEpsilon >= c {
			return tokens - c, true
		}
		return tokens, false
	})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed,
		Level:     level,
		Limit:     cfg.Capacity,
		Remaining: int(math.Floor(level + levelEpsilon)),
		Info: Info{
			TokensRemaining: floatPtr(level),
		},
	}
	if !allowed && cfg.RefillRate > 0 && cost <= cfg.Capacity {
		d.RetryAfter = time.Duration((c - before) / cfg.RefillRate * float64(time.Second))
	}
	return d, nil
}

func (tb *TokenBucket) Status(ctx context.Context) Status {
	return tb.status(ctx, func(ctx context.Context, cfg Config, now time.Time) (Status, error) {
		tokens, err := tokenAccumulator(cfg).peek(ctx, tb.store, tb.stateKey(), now)
		if err != nil {
			return Status{}, err
		}

		s := initialStatus(AlgorithmTokenBucket, cfg)
		s.Level = tokens
		s.Remaining = tokens
		if cfg.RefillRate > 0 {
			s.TimeToFill = (float64(cfg.Capacity) - tokens) / cfg.RefillRate
		}
		return s, nil
	})
}

// Reset refills the bucket and clears the history.
func (tb *TokenBucket) Reset(ctx context.Context) error {
	return tb.reset(ctx, func(ctx context.Context) error {
		if err := tb.store.Delete(ctx, tb.stateKey()); err != nil {
			return storeErr("delete", err)
		}
		return nil
	})
}
