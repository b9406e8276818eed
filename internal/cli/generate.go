package cli

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// trafficSpec describes the traffic generateTraffic produces.
type trafficSpec struct {
	Count     int
	Clients   int
	Duration  time.Duration
	Pattern   string
	Algorithm string
	MaxCost   int
	Seed      int64
	Start     time.Time
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample traffic files and config",
		Long: `Generates sample data for testing and experimentation.

Use "generate traffic" to create a traffic file for replay.
Use "generate config" to create an example YAML config file.`,
	}
	cmd.AddCommand(newGenerateTrafficCmd(), newGenerateConfigCmd())
	return cmd
}

func newGenerateTrafficCmd() *cobra.Command {
	var (
		output    string
		spec      trafficSpec
		algorithm string
		anonymous bool
	)

	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Generate a sample traffic JSON file",
		Long: `Creates a traffic file with configurable parameters.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate`,
		Example: `  turnstile generate traffic --output traffic.json --count 100 --clients 5
  turnstile generate traffic --output burst.json --count 200 --pattern burst --duration 10m
  turnstile generate traffic --algorithm leaky_bucket --max-cost 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if algorithm != "" {
				algo, err := limiter.ParseAlgorithm(algorithm)
				if err != nil {
					return err
				}
				spec.Algorithm = string(algo)
			}
			if spec.Count < 1 || spec.Clients < 1 {
				return fmt.Errorf("--count and --clients must be at least 1")
			}
			if spec.Duration <= 0 {
				return fmt.Errorf("--duration must be positive")
			}
			switch spec.Pattern {
			case "steady", "burst", "ramp":
			default:
				return fmt.Errorf("unknown pattern %q (steady, burst, ramp)", spec.Pattern)
			}
			if !cmd.Flags().Changed("seed") {
				spec.Seed = time.Now().UnixNano()
			}
			spec.Start = time.Now().UTC().Truncate(time.Second)

			records := generateTraffic(spec, clientIDs(spec.Clients, anonymous))

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating file: %w", err)
			}
			defer f.Close()

			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			if err := enc.Encode(records); err != nil {
				return fmt.Errorf("writing records: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d traffic records to %s\n", len(records), output)
			fmt.Fprintf(out, "  Clients:  %d\n", spec.Clients)
			fmt.Fprintf(out, "  Duration: %s\n", spec.Duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", spec.Pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "traffic.json", "output file path")
	cmd.Flags().IntVar(&spec.Count, "count", 100, "number of records to generate")
	cmd.Flags().IntVar(&spec.Clients, "clients", 3, "number of distinct client IDs")
	cmd.Flags().DurationVar(&spec.Duration, "duration", 5*time.Minute, "time span for generated traffic")
	cmd.Flags().StringVar(&spec.Pattern, "pattern", "steady", "traffic pattern (steady, burst, ramp)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "tag every record with this algorithm")
	cmd.Flags().IntVar(&spec.MaxCost, "max-cost", 1, "upper bound of the random per-request cost")
	cmd.Flags().Int64Var(&spec.Seed, "seed", 0, "random seed (default: current time)")
	cmd.Flags().BoolVar(&anonymous, "uuid-clients", false, "use random UUIDs as client IDs")

	return cmd
}

func newGenerateConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Generate an example YAML config file",
		Example: `  turnstile generate config --output turnstile.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeExampleConfig(cmd, output)
		},
	}

	cmd.Flags().StringVar(&output, "output", "turnstile.yaml", "output file path")
	return cmd
}

func writeExampleConfig(cmd *cobra.Command, path string) error {
	if err := config.WriteExample(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Generated example config at %s\n", path)
	return nil
}

func clientIDs(n int, anonymous bool) []string {
	ids := make([]string, n)
	for i := range ids {
		if anonymous {
			ids[i] = uuid.NewString()
		} else {
			ids[i] = fmt.Sprintf("client-%d", i+1)
		}
	}
	return ids
}

func generateTraffic(spec trafficSpec, clients []string) []recorder.TrafficRecord {
	rng := rand.New(rand.NewSource(spec.Seed))

	var offsets []time.Duration
	switch spec.Pattern {
	case "burst":
		offsets = burstOffsets(rng, spec.Count, spec.Duration)
	case "ramp":
		offsets = rampOffsets(spec.Count, spec.Duration)
	default:
		offsets = steadyOffsets(spec.Count, spec.Duration)
	}

	records := make([]recorder.TrafficRecord, len(offsets))
	for i, off := range offsets {
		cost := 1
		if spec.MaxCost > 1 {
			cost = 1 + rng.Intn(spec.MaxCost)
		}
		records[i] = recorder.TrafficRecord{
			Timestamp: spec.Start.Add(off),
			ClientID:  clients[rng.Intn(len(clients))],
			Algorithm: spec.Algorithm,
			Cost:      cost,
		}
	}
	return records
}

func steadyOffsets(count int, dur time.Duration) []time.Duration {
	interval := dur / time.Duration(count)
	offsets := make([]time.Duration, count)
	for i := range offsets {
		offsets[i] = time.Duration(i) * interval
	}
	return offsets
}

func burstOffsets(rng *rand.Rand, count int, dur time.Duration) []time.Duration {
	const numBursts = 4
	offsets := make([]time.Duration, 0, count)
	burstSize := count / numBursts
	burstGap := dur / numBursts

	for b := 0; b < numBursts; b++ {
		burstStart := time.Duration(b) * burstGap
		for i := 0; i < burstSize; i++ {
			// Requests within a burst land in the same second.
			offsets = append(offsets, burstStart+time.Duration(rng.Intn(1000))*time.Millisecond)
		}
	}
	for len(offsets) < count {
		offsets = append(offsets, time.Duration(rng.Int63n(int64(dur))))
	}
	return offsets
}

// rampOffsets places request i at sqrt(i/count) of the span, so the gaps
// shrink and the rate climbs toward the end.
func rampOffsets(count int, dur time.Duration) []time.Duration {
	offsets := make([]time.Duration, count)
	for i := range offsets {
		frac := float64(i) / float64(count)
		offsets[i] = time.Duration(math.Sqrt(frac) * float64(dur))
	}
	return offsets
}
