package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func newMemStore(tb testing.TB, c clock.Clock) *store.MemoryStore {
	tb.Helper()
	st, err := store.NewMemoryStore(&store.MemoryConfig{Clock: c})
	if err != nil {
		tb.Fatalf("NewMemoryStore() error = %v", err)
	}
	tb.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestLimiter(tb testing.TB, algo Algorithm, cfg Config, opts ...Option) (Instance, *clock.VirtualClock) {
	tb.Helper()
	vc := clock.NewVirtualClock(epoch)
	lim, err := New(algo, cfg, newMemStore(tb, vc), append([]Option{WithClock(vc)}, opts...)...)
	if err != nil {
		tb.Fatalf("New(%s) error = %v", algo, err)
	}
	return lim, vc
}

func mustDecide(tb testing.TB, lim Limiter, clientID string, cost int) Decision {
	tb.Helper()
	d, err := lim.Decide(ctx, clientID, cost)
	if err != nil {
		tb.Fatalf("Decide(%q, %d) error = %v", clientID, cost, err)
	}
	return d
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

var errBroken = errors.New("connection refused")

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) IncrWithTTL(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errBroken
}
func (brokenStore) GetInt(context.Context, string) (int64, bool, error) { return 0, false, errBroken }
func (brokenStore) LoadRegister(context.Context, string) (store.Register, bool, error) {
	return store.Register{}, false, errBroken
}
func (brokenStore) CompareAndSwapRegister(context.Context, string, *store.Register, store.Register) (bool, error) {
	return false, errBroken
}
func (brokenStore) PruneAndAdd(context.Context, string, float64, []store.Entry, int, time.Duration) (bool, int, error) {
	return false, 0, errBroken
}
func (brokenStore) PruneAndCount(context.Context, string, float64) (int, error) { return 0, errBroken }
func (brokenStore) PushTrim(context.Context, string, []byte, int) error { return errBroken }
func (brokenStore) Range(context.Context, string, int, int) ([][]byte, error) { return nil, errBroken }
func (brokenStore) Delete(context.Context, ...string) error { return errBroken }
func (brokenStore) DeletePrefix(context.Context, string) (int, error) { return 0, errBroken }
func (brokenStore) Close() error { return nil }

// historyFailStore fails only history writes.
type historyFailStore struct {
	store.Store
}

func (historyFailStore) PushTrim(context.Context, string, []byte, int) error { return errBroken }

// stallingStore never answers counter increments before the deadline.
type stallingStore struct {
	store.Store
}

func (stallingStore) IncrWithTTL(ctx context.Context, _ string, _ int64, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

// fakeRecorder counts metric observations.
type fakeRecorder struct {
	mu          sync.Mutex
	decisions   map[string]int
	storeErrors map[string]int
	level       float64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{decisions: map[string]int{}, storeErrors: map[string]int{}}
}

func (r *fakeRecorder) ObserveDecision(algorithm string, allowed, degraded bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := algorithm + "/allowed"
	if !allowed {
		key = algorithm + "/denied"
	}
	if degraded {
		key += "/degraded"
	}
	r.decisions[key]++
}

func (r *fakeRecorder) ObserveStoreError(algorithm, op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeErrors[algorithm+"/"+op]++
}

func (r *fakeRecorder) ObserveLevel(_ string, level float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}
