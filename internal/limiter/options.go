package limiter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
)

const (
	// DefaultPrefix namespaces every store key.
	DefaultPrefix = "turnstile"
	// DefaultTimeout bounds each store interaction.
	DefaultTimeout = 2 * time.Second
)

// FailurePolicy decides what a limiter answers when the store is unreachable.
type FailurePolicy string

const (
	// FailOpen admits and tags the decision as degraded.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed denies and tags the decision as degraded.
	FailClosed FailurePolicy = "fail_closed"
)

// ParseFailurePolicy accepts fail_open or fail_closed, in snake or kebab case.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); p {
	case FailOpen, FailClosed:
		return p, nil
	case "":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidParameter, s)
	}
}

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Recorder
	prefix  string
	timeout time.Duration
	policy  FailurePolicy
}

func defaultOptions() options {
	return options{
		clock:   clock.NewRealClock(),
		logger:  slog.Default(),
		metrics: metrics.Noop{},
		prefix:  DefaultPrefix,
		timeout: DefaultTimeout,
		policy:  FailOpen,
	}
}

// Option configures a limiter.
type Option func(*options)

// WithClock sets the time source. Nil keeps the real clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if p := strings.TrimSuffix(prefix, ":"); p != "" {
			o.prefix = p
		}
	}
}

// WithTimeout bounds each store interaction. Zero or negative disables the
// per-operation deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithFailurePolicy sets the answer given while the store is unavailable.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *options) {
		if p == FailOpen || p == FailClosed {
			o.policy = p
		}
	}
}
