package cli

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
)

func limitCmd(t *testing.T, args ...string) (*cobra.Command, *limitOptions) {
	t.Helper()
	var opts limitOptions
	cmd := &cobra.Command{Use: "test"}
	opts.addFlags(cmd, limiter.AlgorithmTokenBucket)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd, &opts
}

func TestLimitOptions_Defaults(t *testing.T) {
	cmd, opts := limitCmd(t)
	algo, cfg, err := opts.resolve(cmd, config.Default().Limits)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if algo != limiter.AlgorithmTokenBucket {
		t.Errorf("algo = %q, want token_bucket", algo)
	}
	if cfg != limiter.DefaultConfig(limiter.AlgorithmTokenBucket) {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLimitOptions_Overrides(t *testing.T) {
	cmd, opts := limitCmd(t, "--algorithm", "sliding-window", "--max-requests", "3", "--window", "10s")
	algo, cfg, err := opts.resolve(cmd, config.Default().Limits)
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if algo != limiter.AlgorithmSlidingWindow || cfg.MaxRequests != 3 || cfg.WindowSize != 10*time.Second {
		t.Errorf("resolve() = %s %+v", algo, cfg)
	}
}

func TestLimitOptions_ZeroRateAllowed(t *testing.T) {
	cmd, opts := limitCmd(t, "--algorithm", "leaky_bucket", "--leak-rate", "0")
	if _, cfg, err := opts.resolve(cmd, config.Default().Limits); err != nil || cfg.LeakRate != 0 {
		t.Fatalf("resolve() = %+v, %v", cfg, err)
	}
}

func TestLimitOptions_Invalid(t *testing.T) {
	cmd, opts := limitCmd(t, "--capacity", "-1")
	if _, _, err := opts.resolve(cmd, config.Default().Limits); !errors.Is(err, limiter.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestLimiterOptions_InvalidPolicy(t *testing.T) {
	cfg := config.Default().Limiter
	cfg.FailurePolicy = "fail_sideways"
	if _, err := limiterOptions(cfg, nil, nil, nil); err == nil {
		t.Fatal("expected error for unknown failure policy")
	}
}
