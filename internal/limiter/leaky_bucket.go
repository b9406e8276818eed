package limiter

import (
	"context"
	"math"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// LeakyBucket implements the leaky bucket algorithm as a meter.
//
// The bucket holds a backlog that drains at LeakRate units per second. A call
// of cost c is admitted iff the backlog plus c fits within Capacity, and then
// adds c to the backlog. It mirrors TokenBucket on the same accumulator: one
// tracks backlog that drains, the other permission that fills.
type LeakyBucket struct {
	*base
}

// NewLeakyBucket creates a leaky bucket limiter.
func NewLeakyBucket(cfg Config, st store.Store, opts ...Option) (*LeakyBucket, error) {
	b, err := newBase(AlgorithmLeakyBucket, cfg, st, opts)
	if err != nil {
		return nil, err
	}
	return &LeakyBucket{base: b}, nil
}

func (lb *LeakyBucket) stateKey() string {
	return lb.key("state")
}

func queueAccumulator(cfg Config) accumulator {
	return accumulator{capacity: float64(cfg.Capacity), rate: cfg.LeakRate}
}

func (lb *LeakyBucket) Decide(ctx context.Context, clientID string, cost int) (Decision, error) {
	return lb.decide(ctx, clientID, cost, lb.evaluate)
}

func (lb *LeakyBucket) evaluate(ctx context.Context, cfg Config, now time.Time, cost int) (Decision, error) {
	c := float64(cost)
	capacity := float64(cfg.Capacity)

	var before float64
	level, allowed, err := queueAccumulator(cfg).apply(ctx, lb.store, lb.stateKey(), now, func(queue float64) (float64, bool) {
		before = queue
		if queue+c <= capacity+levelEpsilon {
			return queue + c, true
		}
		return queue, false
	})
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed,
		Level:     level,
		Limit:     cfg.Capacity,
		Remaining: int(math.Floor(capacity - level + levelEpsilon)),
	}
	if allowed {
		d.Info.QueuePosition = floatPtr(level)
	} else if cfg.LeakRate > 0 && cost <= cfg.Capacity {
		d.RetryAfter = time.Duration((before + c - capacity) / cfg.LeakRate * float64(time.Second))
	}
	return d, nil
}

func (lb *LeakyBucket) Status(ctx context.Context) Status {
	return lb.status(ctx, func(ctx context.Context, cfg Config, now time.Time) (Status, error) {
		queue, err := queueAccumulator(cfg).peek(ctx, lb.store, lb.stateKey(), now)
		if err != nil {
			return Status{}, err
		}

		s := initialStatus(AlgorithmLeakyBucket, cfg)
		s.Level = queue
		s.Remaining = float64(cfg.Capacity) - queue
		if cfg.LeakRate > 0 {
			s.TimeToEmpty = queue / cfg.LeakRate
		}
		return s, nil
	})
}

// Reset empties the queue and clears the history.
func (lb *LeakyBucket) Reset(ctx context.Context) error {
	return lb.reset(ctx, func(ctx context.Context) error {
		if err := lb.store.Delete(ctx, lb.stateKey()); err != nil {
			return storeErr("delete", err)
		}
		return nil
	})
}
