package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// SlidingWindow implements the sliding window log algorithm.
//
// Each admission stores its instant in an ordered set. A call prunes every
// entry at or before now - WindowSize, then is admitted iff the remaining
// entries plus its cost fit within MaxRequests. Denied calls insert nothing.
// The quota is global: the client ID is only recorded in history.
type SlidingWindow struct {
	*base
}

// NewSlidingWindow creates a sliding window limiter.
func NewSlidingWindow(cfg Config, st store.Store, opts ...Option) (*SlidingWindow, error) {
	b, err := newBase(AlgorithmSlidingWindow, cfg, st, opts)
	if err != nil {
		return nil, err
	}
	return &SlidingWindow{base: b}, nil
}

func (sw *SlidingWindow) logKey() string {
	return sw.key("log")
}

// cutoff returns the score at or below which entries have left the window.
// Scores are Unix microseconds so they stay exact as float64.
func cutoff(now time.Time, size time.Duration) float64 {
	return float64(now.UnixMicro() - size.Microseconds())
}

func (sw *SlidingWindow) Decide(ctx context.Context, clientID string, cost int) (Decision, error) {
	return sw.decide(ctx, clientID, cost, sw.evaluate)
}

func (sw *SlidingWindow) evaluate(ctx context.Context, cfg Config, now time.Time, cost int) (Decision, error) {
	micros := now.UnixMicro()
	entries := make([]store.Entry, cost)
	for i := range entries {
		// Admissions can share an instant, so each member carries a UUID.
		entries[i] = store.Entry{
			Score:  float64(micros),
			Member: fmt.Sprintf("%d-%s", micros, uuid.NewString()),
		}
	}

	added, count, err := sw.store.PruneAndAdd(ctx, sw.logKey(), cutoff(now, cfg.WindowSize), entries, cfg.MaxRequests, 2*cfg.WindowSize)
	if err != nil {
		return Decision{}, storeErr("prune_add", err)
	}

	return Decision{
		Allowed:   added,
		Level:     float64(count),
		Limit:     cfg.MaxRequests,
		Remaining: max(0, cfg.MaxRequests-count),
		Info: Info{
			WindowRequests: intPtr(count),
		},
	}, nil
}

func (sw *SlidingWindow) Status(ctx context.Context) Status {
	return sw.status(ctx, func(ctx context.Context, cfg Config, now time.Time) (Status, error) {
		count, err := sw.store.PruneAndCount(ctx, sw.logKey(), cutoff(now, cfg.WindowSize))
		if err != nil {
			return Status{}, storeErr("prune_count", err)
		}

		s := initialStatus(AlgorithmSlidingWindow, cfg)
		s.Level = float64(count)
		s.Remaining = float64(max(0, cfg.MaxRequests-count))
		return s, nil
	})
}

// Reset empties the timestamp set and the history.
func (sw *SlidingWindow) Reset(ctx context.Context) error {
	return sw.reset(ctx, func(ctx context.Context) error {
		if err := sw.store.Delete(ctx, sw.logKey()); err != nil {
			return storeErr("delete", err)
		}
		return nil
	})
}
