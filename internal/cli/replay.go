package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/Turnstile/internal/replay"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

func newReplayCmd(g *globalOptions) *cobra.Command {
	var (
		file       string
		limits     limitOptions
		speed      float64
		clients    []string
		algorithms []string
		after      string
		before     string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded traffic through one algorithm",
		Long: `Replays recorded traffic through a limiter with speed control.

Records are replayed in timestamp order. The virtual clock starts at the
first record and advances by the gaps between records, so decisions match
what the limiter would have answered live, at any speed.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  turnstile replay --file traffic.json
  turnstile replay --file traffic.json --speed 100 --algorithm sliding_window
  turnstile replay --file traffic.json --clients alice,bob --algorithms token_bucket
  turnstile replay --file traffic.ndjson --after 2024-01-01T00:00:00Z --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			algo, limCfg, err := limits.resolve(cmd, cfg.Limits)
			if err != nil {
				return err
			}
			filter, err := buildFilter(clients, algorithms, after, before)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			records, err := readRecords(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("%s: %w", file, replay.ErrNoRecords)
			}

			vc := clock.NewVirtualClock(earliest(records))
			st, err := store.NewMemoryStore(&store.MemoryConfig{Clock: vc, Logger: logger})
			if err != nil {
				return err
			}
			defer st.Close()

			lim, err := newSimulationLimiter(algo, limCfg, st, vc, logger)
			if err != nil {
				return err
			}

			r := replay.New(lim, vc, speed, filter)
			r.LoadRecords(records)

			out := cmd.OutOrStdout()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %s through %s at %gx speed...\n\n", file, algo.DisplayName(), speed)
			}

			var results []replay.Result
			summary, err := r.Run(cmd.Context(), func(res replay.Result) {
				if outputJSON {
					results = append(results, res)
					return
				}
				printReplayResult(out, res)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Algorithm limiter.Algorithm `json:"algorithm"`
					Config    limiter.Config    `json:"config"`
					Results   []replay.Result   `json:"results"`
					Summary   *replay.Summary   `json:"summary"`
				}{algo, limCfg, results, summary})
			}
			printReplaySummary(out, summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "recorded traffic, JSON array or newline-delimited, - for stdin (required)")
	limits.addFlags(cmd, limiter.AlgorithmTokenBucket)
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&clients, "clients", nil, "only replay these client IDs")
	cmd.Flags().StringSliceVar(&algorithms, "algorithms", nil, "only replay records tagged with these algorithms")
	cmd.Flags().StringVar(&after, "after", "", "only replay records after this RFC 3339 time")
	cmd.Flags().StringVar(&before, "before", "", "only replay records before this RFC 3339 time")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

func buildFilter(clients, algorithms []string, after, before string) (replay.Filter, error) {
	f := replay.Filter{ClientIDs: clients}
	for _, a := range algorithms {
		algo, err := limiter.ParseAlgorithm(a)
		if err != nil {
			return f, err
		}
		f.Algorithms = append(f.Algorithms, string(algo))
	}

	var err error
	if after != "" {
		if f.After, err = time.Parse(time.RFC3339, after); err != nil {
			return f, fmt.Errorf("invalid --after: %w", err)
		}
	}
	if before != "" {
		if f.Before, err = time.Parse(time.RFC3339, before); err != nil {
			return f, fmt.Errorf("invalid --before: %w", err)
		}
	}
	return f, nil
}

func earliest(records []recorder.TrafficRecord) time.Time {
	first := records[0].Timestamp
	for _, rec := range records[1:] {
		if rec.Timestamp.Before(first) {
			first = rec.Timestamp
		}
	}
	return first
}

func printReplayResult(w io.Writer, res replay.Result) {
	if res.Error != "" {
		fmt.Fprintf(w, "  [SKIP ] %s client=%q %s\n",
			res.Record.Timestamp.Format("15:04:05"), res.Record.ClientID, res.Error)
		return
	}
	status := "ALLOW"
	if !res.Decision.Allowed {
		status = "DENY "
	}
	fmt.Fprintf(w, "  [%s] %s client=%s cost=%d remaining=%d/%d\n",
		status,
		res.Record.Timestamp.Format("15:04:05"),
		res.Record.ClientID,
		res.Decision.Cost,
		res.Decision.Remaining,
		res.Decision.Limit)
}

func printReplaySummary(w io.Writer, s *replay.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "--- Replay Summary ---")
	fmt.Fprintf(w, "  Total records:  %d\n", s.TotalRecords)
	fmt.Fprintf(w, "  Filtered:       %d\n", s.Filtered)
	fmt.Fprintf(w, "  Replayed:       %d\n", s.Replayed)
	fmt.Fprintf(w, "  Allowed:        %d\n", s.Allowed)
	fmt.Fprintf(w, "  Denied:         %d\n", s.Denied)
	if s.Rejected > 0 {
		fmt.Fprintf(w, "  Rejected:       %d\n", s.Rejected)
	}
	if s.Degraded > 0 {
		fmt.Fprintf(w, "  Degraded:       %d\n", s.Degraded)
	}
	fmt.Fprintf(w, "  Virtual time:   %s\n", s.Duration)
	fmt.Fprintf(w, "  Wall time:      %s\n", s.WallDuration.Round(time.Millisecond))

	if len(s.PerClient) > 1 {
		ids := make([]string, 0, len(s.PerClient))
		for id := range s.PerClient {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Per client:")
		for _, id := range ids {
			cs := s.PerClient[id]
			fmt.Fprintf(w, "    %s: %d allowed, %d denied\n", id, cs.Allowed, cs.Denied)
		}
	}

	if s.Denied > 0 && s.Allowed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		denyRate := float64(s.Denied) / float64(s.Replayed) * 100
		fmt.Fprintf(w, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, s.Denied, s.Replayed)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

// readRecords loads path, or r when path is "-".
func readRecords(path string, r io.Reader) ([]recorder.TrafficRecord, error) {
	if path == "-" {
		return recorder.LoadJSON(r)
	}
	return recorder.LoadFile(path)
}
