// Package limiter implements admission control against one shared quota using
// fixed window, sliding window, token bucket and leaky bucket algorithms.
//
// Every limiter keeps its state in a store.Store so that several processes can
// enforce the same quota, and takes a clock.Clock so tests can travel in time.
package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/history"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
)

// Algorithms lists every supported algorithm in display order.
func Algorithms() []Algorithm {
	return []Algorithm{
		AlgorithmFixedWindow,
		AlgorithmSlidingWindow,
		AlgorithmTokenBucket,
		AlgorithmLeakyBucket,
	}
}

// ParseAlgorithm accepts an algorithm name in snake or kebab case.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Algorithms() {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParameter, s)
}

// DisplayName returns the human-readable algorithm name.
func (a Algorithm) DisplayName() string {
	switch a {
	case AlgorithmFixedWindow:
		return "Fixed Window"
	case AlgorithmSlidingWindow:
		return "Sliding Window"
	case AlgorithmTokenBucket:
		return "Token Bucket"
	case AlgorithmLeakyBucket:
		return "Leaky Bucket"
	default:
		return string(a)
	}
}

var (
	// ErrInvalidParameter rejects bad configuration values, costs or client IDs
	// before any state is touched.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrStoreUnavailable marks a decision or status computed without the
	// shared state store.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// Limiter is the core admission interface shared by all four algorithms.
type Limiter interface {
	// Decide admits or denies one unit of work of the given cost. The error is
	// non-nil only for invalid input; store failures yield a degraded Decision.
	Decide(ctx context.Context, clientID string, cost int) (Decision, error)
	// Status reports the time-decayed state without changing it.
	Status(ctx context.Context) Status
	// Reset restores the initial state and clears history.
	Reset(ctx context.Context) error
}

// Instance is a Limiter with its configuration and history exposed.
type Instance interface {
	Limiter
	Algorithm() Algorithm
	Config() Config
	SetConfig(cfg Config) error
	History() *history.Log
}

// Decision captures the result of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Algorithm  Algorithm     `json:"algorithm"`
	ClientID   string        `json:"client_id"`
	Cost       int           `json:"cost"`
	Level      float64       `json:"level"`     // count, tokens or queue depth after the check
	Limit      int           `json:"limit"`     // max requests or capacity
	Remaining  int           `json:"remaining"` // whole units still admissible
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	At         time.Time     `json:"at"`
	Info       Info          `json:"info"`
	Degraded   bool          `json:"degraded,omitempty"`
	Err        error         `json:"-"`
}

// Error returns the degradation cause, or "" for a normal decision.
func (d Decision) Error() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// Info carries algorithm-specific metadata. Nil fields do not apply.
type Info struct {
	WindowReset     *bool    `json:"window_reset,omitempty"`
	WindowRequests  *int     `json:"window_requests,omitempty"`
	TokensRemaining *float64 `json:"tokens_remaining,omitempty"`
	QueuePosition   *float64 `json:"queue_position,omitempty"`
}

// Status is a point-in-time snapshot of a limiter. Durations are in seconds.
type Status struct {
	Algorithm     Algorithm `json:"algorithm"`
	Name          string    `json:"name"`
	Level         float64   `json:"level"`
	Limit         int       `json:"limit"`
	Remaining     float64   `json:"remaining"`
	WindowSize    float64   `json:"window_size,omitempty"`
	Rate          float64   `json:"rate,omitempty"`
	TimeRemaining float64   `json:"time_remaining,omitempty"`
	TimeToFill    float64   `json:"time_to_fill,omitempty"`
	TimeToEmpty   float64   `json:"time_to_empty,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// MarshalJSON always emits the timing fields of s.Algorithm, zero or not, so
// a full token bucket still reports time_to_fill.
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	out := struct {
		plain
		WindowSize    *float64 `json:"window_size,omitempty"`
		Rate          *float64 `json:"rate,omitempty"`
		TimeRemaining *float64 `json:"time_remaining,omitempty"`
		TimeToFill    *float64 `json:"time_to_fill,omitempty"`
		TimeToEmpty   *float64 `json:"time_to_empty,omitempty"`
	}{plain: plain(s)}

	switch s.Algorithm {
	case AlgorithmFixedWindow:
		out.WindowSize = floatPtr(s.WindowSize)
		out.TimeRemaining = floatPtr(s.TimeRemaining)
	case AlgorithmSlidingWindow:
		out.WindowSize = floatPtr(s.WindowSize)
	case AlgorithmTokenBucket:
		out.Rate = floatPtr(s.Rate)
		out.TimeToFill = floatPtr(s.TimeToFill)
	case AlgorithmLeakyBucket:
		out.Rate = floatPtr(s.Rate)
		out.TimeToEmpty = floatPtr(s.TimeToEmpty)
	}
	return json.Marshal(out)
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }
