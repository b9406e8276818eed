package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

func newSimulateCmd(g *globalOptions) *cobra.Command {
	var (
		limits      limitOptions
		requests    int
		clients     []string
		cost        int
		batches     int
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run admission scenarios on a virtual clock",
		Long: `Sends batches of requests through one algorithm on a virtual clock,
fast-forwarding between batches, so behavior over hours can be checked in
milliseconds.

All clients draw from the same quota. State is kept in memory and
discarded when the command exits.`,
		Example: `  turnstile simulate --requests 20 --max-requests 10 --window 1m
  turnstile simulate --algorithm sliding_window --window 30s --fast-forward 1m
  turnstile simulate --algorithm leaky_bucket --capacity 5 --leak-rate 0.5 --batches 3 --fast-forward 4s
  turnstile simulate --clients alice,bob --requests 15 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			algo, limCfg, err := limits.resolve(cmd, cfg.Limits)
			if err != nil {
				return err
			}
			if len(clients) == 0 {
				clients = []string{"client-1"}
			}
			if batches < 1 {
				return fmt.Errorf("--batches must be at least 1, got %d", batches)
			}

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			vc := clock.NewVirtualClock(time.Now().UTC().Truncate(time.Second))
			st, err := store.NewMemoryStore(&store.MemoryConfig{Clock: vc, Logger: logger})
			if err != nil {
				return err
			}
			defer st.Close()

			lim, err := newSimulationLimiter(algo, limCfg, st, vc, logger)
			if err != nil {
				return err
			}

			result, err := runSimulation(cmd.Context(), vc, lim, simulation{
				Clients:     clients,
				Requests:    requests,
				Cost:        cost,
				Batches:     batches,
				FastForward: fastForward,
			})
			if err != nil {
				return err
			}
			result.Config = limCfg

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printSimulation(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	limits.addFlags(cmd, limiter.AlgorithmTokenBucket)
	cmd.Flags().IntVar(&requests, "requests", 15, "requests per client in each batch")
	cmd.Flags().StringSliceVar(&clients, "clients", nil, "comma-separated client IDs (default client-1)")
	cmd.Flags().IntVar(&cost, "cost", 1, "units each request consumes")
	cmd.Flags().IntVar(&batches, "batches", 2, "number of batches")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", time.Minute, "virtual time skipped between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

func newSimulationLimiter(algo limiter.Algorithm, cfg limiter.Config, st store.Store, vc *clock.VirtualClock, logger *slog.Logger) (limiter.Instance, error) {
	return limiter.New(algo, cfg, st,
		limiter.WithClock(vc),
		limiter.WithLogger(logger),
		limiter.WithTimeout(0),
	)
}

// simulation describes the traffic to send.
type simulation struct {
	Clients     []string
	Requests    int
	Cost        int
	Batches     int
	FastForward time.Duration
}

// SimulationResult captures the full output of a simulation.
type SimulationResult struct {
	Algorithm   limiter.Algorithm `json:"algorithm"`
	Config      limiter.Config    `json:"config"`
	FastForward string            `json:"fast_forward,omitempty"`
	Batches     []BatchResult     `json:"batches"`
	Summary     map[string]Tally  `json:"summary"`
	Final       limiter.Status    `json:"final"`
}

// BatchResult captures one batch of requests.
type BatchResult struct {
	Label     string             `json:"label"`
	Time      time.Time          `json:"time"`
	Decisions []limiter.Decision `json:"decisions"`
}

// Tally counts outcomes for one client.
type Tally struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// runSimulation sends sim.Batches batches, advancing vc by sim.FastForward
// before every batch after the first. Clients are interleaved request by
// request.
func runSimulation(ctx context.Context, vc *clock.VirtualClock, lim limiter.Limiter, sim simulation) (SimulationResult, error) {
	result := SimulationResult{Summary: make(map[string]Tally)}
	if sim.FastForward > 0 && sim.Batches > 1 {
		result.FastForward = sim.FastForward.String()
	}

	for b := 0; b < sim.Batches; b++ {
		label := "Initial requests"
		if b > 0 {
			if sim.FastForward > 0 {
				vc.Advance(sim.FastForward)
				label = fmt.Sprintf("After fast-forward %s", sim.FastForward)
			} else {
				label = fmt.Sprintf("Batch %d", b+1)
			}
		}

		batch := BatchResult{Label: label, Time: vc.Now()}
		for i := 0; i < sim.Requests; i++ {
			for _, id := range sim.Clients {
				d, err := lim.Decide(ctx, id, sim.Cost)
				if err != nil {
					return result, err
				}
				batch.Decisions = append(batch.Decisions, d)

				t := result.Summary[id]
				t.Total++
				if d.Allowed {
					t.Allowed++
				} else {
					t.Denied++
				}
				result.Summary[id] = t
			}
		}
		result.Batches = append(result.Batches, batch)
	}

	result.Final = lim.Status(ctx)
	result.Algorithm = result.Final.Algorithm
	return result, nil
}

func printSimulation(w io.Writer, r *SimulationResult) {
	fmt.Fprintf(w, "=== Turnstile Simulation: %s ===\n\n", r.Algorithm.DisplayName())

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time.Format(time.RFC3339))
		for i, d := range batch.Decisions {
			status := "ALLOW"
			if !d.Allowed {
				status = "DENY "
			}
			line := fmt.Sprintf("  #%03d [%s] client=%s level=%.2f remaining=%d/%d",
				i+1, status, d.ClientID, d.Level, d.Remaining, d.Limit)
			if d.RetryAfter > 0 {
				line += fmt.Sprintf(" retry_after=%s", d.RetryAfter.Round(time.Millisecond))
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	ids := make([]string, 0, len(r.Summary))
	for id := range r.Summary {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := r.Summary[id]
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d denied\n", id, t.Total, t.Allowed, t.Denied)
	}
	fmt.Fprintf(w, "\nFinal level %.2f of %d\n", r.Final.Level, r.Final.Limit)

	if recovered(r) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintln(w, "Requests were denied, then admitted again after")
		fmt.Fprintln(w, "fast-forwarding the clock.")
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

// recovered reports whether a denial was followed by an admission in a
// later batch.
func recovered(r *SimulationResult) bool {
	denied := false
	for i, batch := range r.Batches {
		for _, d := range batch.Decisions {
			if !d.Allowed {
				denied = true
			} else if denied && i > 0 && r.FastForward != "" {
				return true
			}
		}
	}
	return false
}
