package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

const (
	// maxSwapAttempts bounds the compare-and-swap loop. Every failed swap
	// means another caller's swap succeeded, so exhaustion needs that many
	// concurrent writers on one register.
	maxSwapAttempts = 64
	// levelEpsilon absorbs float rounding in admit comparisons, so a bucket
	// refilled for exactly 1/rate seconds holds a whole token.
	levelEpsilon = 1e-9
)

var errSwapContention = errors.New("register swap attempts exhausted")

// accumulator is the decaying level shared by the token bucket (fill) and
// the leaky bucket (drain). The level is recomputed from UpdatedAt on every
// access and clamped to [0, capacity].
type accumulator struct {
	capacity float64
	rate     float64 // units per second
	fill     bool
}

func (a accumulator) initial(now time.Time) store.Register {
	r := store.Register{UpdatedAt: now.UnixNano()}
	if a.fill {
		r.Level = a.capacity
	}
	return r
}

func (a accumulator) clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > a.capacity:
		return a.capacity
	default:
		return v
	}
}

// catchUp advances reg to now. A timestamp behind the register (clock skew
// between processes) adds no time.
func (a accumulator) catchUp(reg store.Register, now time.Time) store.Register {
	ts := now.UnixNano()
	if ts <= reg.UpdatedAt {
		return store.Register{Level: a.clamp(reg.Level), UpdatedAt: reg.UpdatedAt}
	}

	dt := float64(ts-reg.UpdatedAt) / float64(time.Second)
	level := reg.Level
	if a.fill {
		level += dt * a.rate
	} else {
		level -= dt * a.rate
	}
	return store.Register{Level: a.clamp(level), UpdatedAt: ts}
}

// peek returns the caught-up level without writing it.
func (a accumulator) peek(ctx context.Context, st store.Store, key string, now time.Time) (float64, error) {
	reg, found, err := st.LoadRegister(ctx, key)
	if err != nil {
		return 0, storeErr("load", err)
	}
	if !found {
		return a.initial(now).Level, nil
	}
	return a.catchUp(reg, now).Level, nil
}

// apply catches the register up, lets op compute the new level and whether
// the request is admitted, and writes the result with compare-and-swap,
// retrying on conflict. The caught-up state is written even on denial.
func (a accumulator) apply(ctx context.Context, st store.Store, key string, now time.Time,
	op func(level float64) (float64, bool)) (float64, bool, error) {

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		reg, found, err := st.LoadRegister(ctx, key)
		if err != nil {
			return 0, false, storeErr("load", err)
		}

		var old *store.Register
		if found {
			prev := reg
			old = &prev
		} else {
			reg = a.initial(now)
		}

		cur := a.catchUp(reg, now)
		level, admitted := op(cur.Level)
		next := store.Register{Level: a.clamp(level), UpdatedAt: cur.UpdatedAt}
		if found && next == *old {
			return next.Level, admitted, nil
		}

		swapped, err := st.CompareAndSwapRegister(ctx, key, old, next)
		if err != nil {
			return 0, false, storeErr("swap", err)
		}
		if swapped {
			return next.Level, admitted, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, false, storeErr("swap", err)
		}
	}
	return 0, false, storeErr("swap", errSwapContention)
}
