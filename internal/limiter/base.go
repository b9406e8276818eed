package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/history"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// base holds what every algorithm shares: the store handle, options, the
// swappable config and the history log.
type base struct {
	algo    Algorithm
	store   store.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Recorder
	prefix  string
	timeout time.Duration
	policy  FailurePolicy
	history *history.Log
	cfg     atomic.Pointer[Config]
}

func newBase(algo Algorithm, cfg Config, st store.Store, opts []Option) (*base, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidParameter)
	}
	if err := cfg.Validate(algo); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &base{
		algo:    algo,
		store:   st,
		clock:   o.clock,
		logger:  o.logger.With("algorithm", string(algo)),
		metrics: o.metrics,
		prefix:  o.prefix,
		timeout: o.timeout,
		policy:  o.policy,
	}
	b.history = history.New(st, b.key("history"), b.logger)
	b.cfg.Store(&cfg)
	return b, nil
}

// key builds "{prefix}:{algorithm}:{parts...}".
func (b *base) key(parts ...string) string {
	return b.prefix + ":" + string(b.algo) + ":" + strings.Join(parts, ":")
}

func (b *base) Algorithm() Algorithm { return b.algo }
func (b *base) History() *history.Log { return b.history }
func (b *base) Config() Config { return *b.cfg.Load() }

// SetConfig replaces the parameters. The change applies from the next
// evaluation; stored state is reinterpreted, never rewritten.
func (b *base) SetConfig(cfg Config) error {
	if err := cfg.Validate(b.algo); err != nil {
		return err
	}
	b.cfg.Store(&cfg)
	b.logger.Info("limiter config updated", "config", cfg)
	return nil
}

func (b *base) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

// opError tags a store failure with the operation that failed.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func storeErr(op string, err error) error {
	return &opError{op: op, err: err}
}

func (b *base) storeFailure(err error) error {
	op := "unknown"
	var oe *opError
	if errors.As(err, &oe) {
		op = oe.op
	}
	b.metrics.ObserveStoreError(string(b.algo), op)
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

type evalFunc func(ctx context.Context, cfg Config, now time.Time, cost int) (Decision, error)

// decide validates input, runs eval under the store timeout, applies the
// failure policy and appends history.
func (b *base) decide(ctx context.Context, clientID string, cost int, eval evalFunc) (Decision, error) {
	if clientID == "" {
		return Decision{}, fmt.Errorf("%w: client id must not be empty", ErrInvalidParameter)
	}
	if cost <= 0 {
		return Decision{}, fmt.Errorf("%w: cost must be positive, got %d", ErrInvalidParameter, cost)
	}

	started := time.Now()
	cfg := b.Config()
	now := b.clock.Now()

	opCtx, cancel := b.opContext(ctx)
	d, err := eval(opCtx, cfg, now, cost)
	cancel()

	if err != nil {
		err = b.storeFailure(err)
		d = Decision{
			Allowed:  b.policy == FailOpen,
			Limit:    limitOf(b.algo, cfg),
			Degraded: true,
			Err:      err,
		}
		b.logger.Warn("decision degraded",
			"client_id", clientID, "policy", string(b.policy), "allowed", d.Allowed, "error", err)
	}
	d.Algorithm = b.algo
	d.ClientID = clientID
	d.Cost = cost
	d.At = now

	b.appendHistory(ctx, d)

	if !d.Degraded {
		b.metrics.ObserveLevel(string(b.algo), d.Level)
	}
	b.metrics.ObserveDecision(string(b.algo), d.Allowed, d.Degraded, time.Since(started))
	return d, nil
}

func (b *base) appendHistory(ctx context.Context, d Decision) {
	rec := history.NewRecord(d.At, string(b.algo), d.ClientID, d.Allowed, d.Level, d.Cost)
	if d.Info.WindowReset != nil {
		rec.WindowReset = *d.Info.WindowReset
	}

	opCtx, cancel := b.opContext(ctx)
	defer cancel()
	if err := b.history.Append(opCtx, rec); err != nil {
		b.metrics.ObserveStoreError(string(b.algo), "history")
		b.logger.Warn("history append failed", "client_id", d.ClientID, "error", err)
	}
}

type statusFunc func(ctx context.Context, cfg Config, now time.Time) (Status, error)

// status runs eval and falls back to the initial snapshot, tagged as
// degraded, when the store fails.
func (b *base) status(ctx context.Context, eval statusFunc) Status {
	cfg := b.Config()
	now := b.clock.Now()

	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	s, err := eval(opCtx, cfg, now)
	if err != nil {
		err = b.storeFailure(err)
		b.logger.Warn("status degraded", "error", err)
		s = initialStatus(b.algo, cfg)
		s.Degraded = true
		s.Error = err.Error()
	}
	s.Algorithm = b.algo
	s.Name = b.algo.DisplayName()
	return s
}

// reset deletes the algorithm state via clear, then the history.
func (b *base) reset(ctx context.Context, clear func(ctx context.Context) error) error {
	opCtx, cancel := b.opContext(ctx)
	defer cancel()

	if err := clear(opCtx); err != nil {
		return b.storeFailure(err)
	}
	if err := b.history.Clear(opCtx); err != nil {
		return b.storeFailure(storeErr("history", err))
	}
	b.logger.Info("limiter reset")
	return nil
}

func limitOf(algo Algorithm, cfg Config) int {
	switch algo {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		return cfg.MaxRequests
	default:
		return cfg.Capacity
	}
}

// initialStatus is the snapshot right after construction or Reset.
func initialStatus(algo Algorithm, cfg Config) Status {
	s := Status{Algorithm: algo, Name: algo.DisplayName(), Limit: limitOf(algo, cfg)}
	switch algo {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		s.Remaining = float64(cfg.MaxRequests)
		s.WindowSize = cfg.WindowSize.Seconds()
	case AlgorithmTokenBucket:
		s.Level = float64(cfg.Capacity)
		s.Remaining = float64(cfg.Capacity)
		s.Rate = cfg.RefillRate
	case AlgorithmLeakyBucket:
		s.Remaining = float64(cfg.Capacity)
		s.Rate = cfg.LeakRate
	}
	return s
}
