package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
)

// limitOptions override the parameters of a single algorithm.
type limitOptions struct {
	algorithm   string
	maxRequests int
	window      time.Duration
	capacity    int
	refillRate  float64
	leakRate    float64
}

func (o *limitOptions) addFlags(cmd *cobra.Command, defaultAlgorithm limiter.Algorithm) {
	cmd.Flags().StringVar(&o.algorithm, "algorithm", string(defaultAlgorithm), "algorithm (fixed_window, sliding_window, token_bucket, leaky_bucket)")
	cmd.Flags().IntVar(&o.maxRequests, "max-requests", 0, "requests admitted per window (window algorithms)")
	cmd.Flags().DurationVar(&o.window, "window", 0, "window length (window algorithms)")
	cmd.Flags().IntVar(&o.capacity, "capacity", 0, "bucket capacity (bucket algorithms)")
	cmd.Flags().Float64Var(&o.refillRate, "refill-rate", 0, "tokens added per second (token_bucket)")
	cmd.Flags().Float64Var(&o.leakRate, "leak-rate", 0, "units drained per second (leaky_bucket)")
}

// resolve parses --algorithm and returns its parameters from limits with
// every explicitly set flag applied.
func (o *limitOptions) resolve(cmd *cobra.Command, limits config.Limits) (limiter.Algorithm, limiter.Config, error) {
	algo, err := limiter.ParseAlgorithm(o.algorithm)
	if err != nil {
		return "", limiter.Config{}, err
	}

	cfg := limits.ByAlgorithm()[algo]
	changed := cmd.Flags().Changed
	if changed("max-requests") {
		cfg.MaxRequests = o.maxRequests
	}
	if changed("window") {
		cfg.WindowSize = o.window
	}
	if changed("capacity") {
		cfg.Capacity = o.capacity
	}
	if changed("refill-rate") {
		cfg.RefillRate = o.refillRate
	}
	if changed("leak-rate") {
		cfg.LeakRate = o.leakRate
	}

	if err := cfg.Validate(algo); err != nil {
		return "", limiter.Config{}, err
	}
	return algo, cfg, nil
}

// limiterOptions translates the shared limiter settings into options.
func limiterOptions(cfg config.LimiterConfig, clk clock.Clock, logger *slog.Logger, rec metrics.Recorder) ([]limiter.Option, error) {
	policy, err := limiter.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	opts := []limiter.Option{
		limiter.WithClock(clk),
		limiter.WithLogger(logger),
		limiter.WithPrefix(cfg.Prefix),
		limiter.WithTimeout(cfg.Timeout),
		limiter.WithFailurePolicy(policy),
	}
	if rec != nil {
		opts = append(opts, limiter.WithMetrics(rec))
	}
	return opts, nil
}

// applyLimits pushes reloaded parameters into running limiters.
func applyLimits(set limiter.Set, limits config.Limits) error {
	var errs []error
	for algo, cfg := range limits.ByAlgorithm() {
		lim, ok := set[algo]
		if !ok {
			continue
		}
		if lim.Config() == cfg {
			continue
		}
		if err := lim.SetConfig(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", algo, err))
		}
	}
	return errors.Join(errs...)
}
