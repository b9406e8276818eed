package limiter

import (
	"fmt"
	"math"
	"time"
)

// Config holds the parameters for a limiter. Only the fields relevant to the
// algorithm are read: MaxRequests and WindowSize for the window algorithms,
// Capacity with RefillRate or LeakRate for the buckets.
type Config struct {
	MaxRequests int           `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	WindowSize  time.Duration `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	Capacity    int           `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	RefillRate  float64       `json:"refill_rate,omitempty" yaml:"refill_rate,omitempty"` // tokens per second
	LeakRate    float64       `json:"leak_rate,omitempty" yaml:"leak_rate,omitempty"`     // units per second
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig(algo Algorithm) Config {
	switch algo {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		return Config{MaxRequests: 10, WindowSize: 60 * time.Second}
	case AlgorithmTokenBucket:
		return Config{Capacity: 10, RefillRate: 1}
	case AlgorithmLeakyBucket:
		return Config{Capacity: 10, LeakRate: 1}
	default:
		return Config{}
	}
}

// Validate checks the fields algo reads. A zero rate is valid and means the
// bucket never refills or never drains.
func (c Config) Validate(algo Algorithm) error {
	switch algo {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		if c.MaxRequests <= 0 {
			return fmt.Errorf("%w: max_requests must be positive, got %d", ErrInvalidParameter, c.MaxRequests)
		}
		if c.WindowSize <= 0 {
			return fmt.Errorf("%w: window_size must be positive, got %s", ErrInvalidParameter, c.WindowSize)
		}
		if algo == AlgorithmSlidingWindow && c.WindowSize < time.Microsecond {
			return fmt.Errorf("%w: window_size must be at least 1µs, got %s", ErrInvalidParameter, c.WindowSize)
		}
	case AlgorithmTokenBucket:
		if c.Capacity <= 0 {
			return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidParameter, c.Capacity)
		}
		if !validRate(c.RefillRate) {
			return fmt.Errorf("%w: refill_rate must be a non-negative number, got %v", ErrInvalidParameter, c.RefillRate)
		}
	case AlgorithmLeakyBucket:
		if c.Capacity <= 0 {
			return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidParameter, c.Capacity)
		}
		if !validRate(c.LeakRate) {
			return fmt.Errorf("%w: leak_rate must be a non-negative number, got %v", ErrInvalidParameter, c.LeakRate)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParameter, algo)
	}
	return nil
}

func validRate(r float64) bool {
	return r >= 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}
