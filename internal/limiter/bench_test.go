package limiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
)

// benchConfigs keep every algorithm admitting: the clock advances 1ms per
// call, so windows hold at most 1000 entries and buckets refill faster than
// they are spent.
func benchConfigs() map[Algorithm]Config {
	return map[Algorithm]Config{
		AlgorithmFixedWindow:   {MaxRequests: 1_000_000, WindowSize: time.Second},
		AlgorithmSlidingWindow: {MaxRequests: 1_000_000, WindowSize: time.Second},
		AlgorithmTokenBucket:   {Capacity: 10_000, RefillRate: 10_000},
		AlgorithmLeakyBucket:   {Capacity: 10_000, LeakRate: 10_000},
	}
}

// BenchmarkDecide runs all four algorithms side by side on the memory store.
func BenchmarkDecide(b *testing.B) {
	for _, algo := range Algorithms() {
		cfg := benchConfigs()[algo]

		b.Run(string(algo)+"/serial", func(b *testing.B) {
			lim, vc := newTestLimiter(b, algo, cfg)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				vc.Advance(time.Millisecond)
				if _, err := lim.Decide(ctx, "user1", 1); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(string(algo)+"/parallel_100clients", func(b *testing.B) {
			lim, vc := newTestLimiter(b, algo, cfg)
			ctx := context.Background()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					vc.Advance(time.Millisecond)
					_, _ = lim.Decide(ctx, fmt.Sprintf("user-%d", i%100), 1)
					i++
				}
			})
		})
	}
}

// BenchmarkStatus measures the read-only path.
func BenchmarkStatus(b *testing.B) {
	for _, algo := range Algorithms() {
		b.Run(string(algo), func(b *testing.B) {
			lim, _ := newTestLimiter(b, algo, benchConfigs()[algo])
			mustDecide(b, lim, "user1", 1)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				lim.Status(ctx)
			}
		})
	}
}

// BenchmarkAccumulator_CatchUp isolates the lazy refill arithmetic.
func BenchmarkAccumulator_CatchUp(b *testing.B) {
	acc := tokenAccumulator(Config{Capacity: 100, RefillRate: 3.7})
	reg := acc.initial(epoch)
	now := epoch
	for i := 0; i < b.N; i++ {
		now = now.Add(time.Microsecond)
		reg = acc.catchUp(reg, now)
	}
}

// BenchmarkDecide_PrometheusRecorder shows the cost of live metrics.
func BenchmarkDecide_PrometheusRecorder(b *testing.B) {
	rec := metrics.NewPrometheus(prometheus.NewRegistry())
	vc := clock.NewVirtualClock(epoch)
	lim, err := NewTokenBucket(benchConfigs()[AlgorithmTokenBucket], newMemStore(b, vc), WithClock(vc), WithMetrics(rec))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		vc.Advance(time.Millisecond)
		_, _ = lim.Decide(ctx, "user1", 1)
	}
}
