package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMemoryForTest(t *testing.T) (*MemoryStore, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	s, err := NewMemoryStore(&MemoryConfig{Clock: vc})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, vc
}

func TestMemoryStore_CounterExpires(t *testing.T) {
	s, vc := newMemoryForTest(t)
	ctx := context.Background()

	_, err := s.IncrWithTTL(ctx, "w", 1, 61*time.Second)
	require.NoError(t, err)

	vc.Advance(60 * time.Second)
	v, found, err := s.GetInt(ctx, "w")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), v)

	vc.Advance(time.Second)
	_, found, err = s.GetInt(ctx, "w")
	require.NoError(t, err)
	assert.False(t, found, "counter should expire exactly at its TTL")

	v, err = s.IncrWithTTL(ctx, "w", 1, 61*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "expired counter restarts from zero")
}

func TestMemoryStore_IncrRefreshesTTL(t *testing.T) {
	s, vc := newMemoryForTest(t)
	ctx := context.Background()

	_, err := s.IncrWithTTL(ctx, "w", 1, 10*time.Second)
	require.NoError(t, err)
	vc.Advance(8 * time.Second)
	_, err = s.IncrWithTTL(ctx, "w", 1, 10*time.Second)
	require.NoError(t, err)
	vc.Advance(8 * time.Second)

	v, found, err := s.GetInt(ctx, "w")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStore_SetExpiresAfterInactivity(t *testing.T) {
	s, vc := newMemoryForTest(t)
	ctx := context.Background()

	_, _, err := s.PruneAndAdd(ctx, "log", 0, []Entry{{Score: 1, Member: "a"}}, 10, 2*time.Second)
	require.NoError(t, err)

	vc.Advance(2 * time.Second)
	n, err := s.PruneAndCount(ctx, "log", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s, vc := newMemoryForTest(t)
	ctx := context.Background()

	_, err := s.IncrWithTTL(ctx, "short", 1, time.Second)
	require.NoError(t, err)
	_, err = s.IncrWithTTL(ctx, "long", 1, time.Hour)
	require.NoError(t, err)
	_, _, err = s.PruneAndAdd(ctx, "log", 0, []Entry{{Score: 1, Member: "a"}}, 10, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.PushTrim(ctx, "hist", []byte("x"), 50))
	assert.Equal(t, 4, s.Len())

	vc.Advance(2 * time.Second)
	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_InvalidSweepSchedule(t *testing.T) {
	_, err := NewMemoryStore(&MemoryConfig{SweepSchedule: "not a schedule"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestMemoryStore_SweepScheduleStartsAndStops(t *testing.T) {
	s, err := NewMemoryStore(&MemoryConfig{SweepSchedule: DefaultSweepSchedule})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
}

func TestMemoryStore_ClosedAndCancelled(t *testing.T) {
	s, err := NewMemoryStore(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.IncrWithTTL(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Close())
	_, err = s.IncrWithTTL(context.Background(), "k", 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_RangeReturnsCopies(t *testing.T) {
	s, _ := newMemoryForTest(t)
	ctx := context.Background()

	require.NoError(t, s.PushTrim(ctx, "l", []byte("abc"), 5))
	got, err := s.Range(ctx, "l", 0, 0)
	require.NoError(t, err)
	got[0][0] = 'z'

	again, err := s.Range(ctx, "l", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again[0]))
}

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	s, vc := newMemoryForTest(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	_, err := s.IncrWithTTL(ctx, "t:fixed:1", 3, time.Minute)
	require.NoError(t, err)
	_, err = s.IncrWithTTL(ctx, "t:fixed:0", 9, time.Second)
	require.NoError(t, err)
	_, err = s.CompareAndSwapRegister(ctx, "t:token", nil, Register{Level: 4.25, UpdatedAt: epoch.UnixNano()})
	require.NoError(t, err)
	_, _, err = s.PruneAndAdd(ctx, "t:log", 0, []Entry{{Score: 5, Member: "a"}, {Score: 6, Member: "b"}}, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.PushTrim(ctx, "t:hist", []byte(`{"admitted":true}`), 50))

	n, err := s.SaveSnapshot(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// The second counter expires before the restore happens.
	vc.Advance(30 * time.Second)
	restored, err := NewMemoryStore(&MemoryConfig{Clock: vc})
	require.NoError(t, err)
	defer restored.Close()

	n, err = restored.LoadSnapshot(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	v, found, err := restored.GetInt(ctx, "t:fixed:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), v)

	reg, found, err := restored.LoadRegister(ctx, "t:token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4.25, reg.Level)

	count, err := restored.PruneAndCount(ctx, "t:log", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	hist, err := restored.Range(ctx, "t:hist", 0, -1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.JSONEq(t, `{"admitted":true}`, string(hist[0]))
}

func TestMemoryStore_LoadSnapshotMissingFile(t *testing.T) {
	s, _ := newMemoryForTest(t)
	n, err := s.LoadSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.db"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
