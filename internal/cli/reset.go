package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
)

func newResetCmd(g *globalOptions) *cobra.Command {
	var (
		storage storageOptions
		algos   []string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore limiters in the configured store to their initial state",
		Long: `Clears the shared state and history of one or more limiters in the
configured store. Every process sharing the store sees the reset.

Without --algorithm every algorithm is reset.`,
		Example: `  turnstile reset --storage redis --redis-url redis://localhost:6379/0
  turnstile reset --config turnstile.yaml --algorithm token_bucket,leaky_bucket`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			targets := limiter.Algorithms()
			if len(algos) > 0 {
				targets = nil
				for _, a := range algos {
					algo, err := limiter.ParseAlgorithm(a)
					if err != nil {
						return err
					}
					targets = append(targets, algo)
				}
			}

			ctx := cmd.Context()
			clk := clock.NewRealClock()
			st, err := openStore(ctx, cfg.Storage, clk, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			opts, err := limiterOptions(cfg.Limiter, clk, logger, nil)
			if err != nil {
				return err
			}
			set, err := limiter.NewSet(cfg.Limits.ByAlgorithm(), st, opts...)
			if err != nil {
				return err
			}

			var errs []error
			for _, algo := range targets {
				if err := set[algo].Reset(ctx); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", algo, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", algo)
			}
			if len(errs) > 0 {
				return errors.Join(errs...)
			}

			// Persist the cleared state so a restart does not restore it.
			st.saveSnapshot(ctx, cfg.Storage.Memory.SnapshotPath, logger)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&algos, "algorithm", nil, "algorithms to reset (default all)")
	storage.addFlags(cmd)

	return cmd
}
