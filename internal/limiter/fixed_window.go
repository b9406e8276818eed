package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// FixedWindow implements the fixed window counter algorithm.
//
// Time is divided into windows aligned to absolute time. Every call increments
// the current window's counter, including calls that end up denied; a call is
// admitted iff the count after its increment is within MaxRequests. A burst
// straddling a window boundary can admit up to 2x MaxRequests in a short span.
type FixedWindow struct {
	*base
}

// NewFixedWindow creates a fixed window limiter.
func NewFixedWindow(cfg Config, st store.Store, opts ...Option) (*FixedWindow, error) {
	b, err := newBase(AlgorithmFixedWindow, cfg, st, opts)
	if err != nil {
		return nil, err
	}
	return &FixedWindow{base: b}, nil
}

// windowStart returns the Unix nanosecond start of the window containing t.
func windowStart(t time.Time, size time.Duration) int64 {
	n := t.UnixNano()
	start := n - n%int64(size)
	if n < 0 && n%int64(size) != 0 {
		start -= int64(size)
	}
	return start
}

func (fw *FixedWindow) windowKey(start int64) string {
	return fw.key("window", strconv.FormatInt(start, 10))
}

func (fw *FixedWindow) Decide(ctx context.Context, clientID string, cost int) (Decision, error) {
	return fw.decide(ctx, clientID, cost, fw.evaluate)
}

func (fw *FixedWindow) evaluate(ctx context.Context, cfg Config, now time.Time, cost int) (Decision, error) {
	start := windowStart(now, cfg.WindowSize)

	// The extra second keeps the key alive past the window end so a late
	// status read still sees the final count.
	count, err := fw.store.IncrWithTTL(ctx, fw.windowKey(start), int64(cost), cfg.WindowSize+time.Second)
	if err != nil {
		return Decision{}, storeErr("incr", err)
	}

	n := int(count)
	d := Decision{
		Allowed:   n <= cfg.MaxRequests,
		Level:     float64(n),
		Limit:     cfg.MaxRequests,
		Remaining: max(0, cfg.MaxRequests-n),
		Info: Info{
			WindowReset:    boolPtr(count == int64(cost)),
			WindowRequests: intPtr(n),
		},
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(start + int64(cfg.WindowSize) - now.UnixNano())
	}
	return d, nil
}

func (fw *FixedWindow) Status(ctx context.Context) Status {
	return fw.status(ctx, func(ctx context.Context, cfg Config, now time.Time) (Status, error) {
		start := windowStart(now, cfg.WindowSize)
		count, _, err := fw.store.GetInt(ctx, fw.windowKey(start))
		if err != nil {
			return Status{}, storeErr("get", err)
		}

		s := initialStatus(AlgorithmFixedWindow, cfg)
		s.Level = float64(count)
		s.Remaining = float64(max(0, int64(cfg.MaxRequests)-count))
		s.TimeRemaining = time.Duration(start + int64(cfg.WindowSize) - now.UnixNano()).Seconds()
		return s, nil
	})
}

// Reset removes every window counter and the history.
func (fw *FixedWindow) Reset(ctx context.Context) error {
	return fw.reset(ctx, func(ctx context.Context) error {
		if _, err := fw.store.DeletePrefix(ctx, fw.key("window")+":"); err != nil {
			return storeErr("delete", err)
		}
		return nil
	})
}
