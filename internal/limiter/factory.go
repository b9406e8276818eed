package limiter

import (
	"fmt"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// New creates the limiter for algo.
func New(algo Algorithm, cfg Config, st store.Store, opts ...Option) (Instance, error) {
	var (
		lim Instance
		err error
	)
	switch algo {
	case AlgorithmFixedWindow:
		lim, err = unwrap(NewFixedWindow(cfg, st, opts...))
	case AlgorithmSlidingWindow:
		lim, err = unwrap(NewSlidingWindow(cfg, st, opts...))
	case AlgorithmTokenBucket:
		lim, err = unwrap(NewTokenBucket(cfg, st, opts...))
	case AlgorithmLeakyBucket:
		lim, err = unwrap(NewLeakyBucket(cfg, st, opts...))
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParameter, algo)
	}
	if err != nil {
		return nil, err
	}
	return lim, nil
}

// unwrap keeps a typed nil out of the Instance interface.
func unwrap[T Instance](lim T, err error) (Instance, error) {
	if err != nil {
		return nil, err
	}
	return lim, nil
}

// Set holds one limiter per algorithm over a shared store.
type Set map[Algorithm]Instance

// NewSet creates a limiter for every entry of configs.
func NewSet(configs map[Algorithm]Config, st store.Store, opts ...Option) (Set, error) {
	set := make(Set, len(configs))
	for _, algo := range Algorithms() {
		cfg, ok := configs[algo]
		if !ok {
			continue
		}
		lim, err := New(algo, cfg, st, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s limiter: %w", algo, err)
		}
		set[algo] = lim
	}
	return set, nil
}
