package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) (Store, func())
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				s, err := NewMemoryStore(nil)
				require.NoError(t, err)
				return s, func() { _ = s.Close() }
			},
		},
		{
			name: "redis",
			new: func(t *testing.T) (Store, func()) {
				t.Helper()
				return redisStoreForTest(t), func() {}
			},
		},
	}
}

// TestStoreContract runs the same behavioural checks against every backend.
func TestStoreContract(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			s, cleanup := f.new(t)
			defer cleanup()

			t.Run("IncrWithTTL", func(t *testing.T) { contractIncr(t, s) })
			t.Run("RegisterCAS", func(t *testing.T) { contractRegister(t, s) })
			t.Run("PruneAndAdd", func(t *testing.T) { contractOrderedSet(t, s) })
			t.Run("PushTrim", func(t *testing.T) { contractList(t, s) })
			t.Run("DeletePrefix", func(t *testing.T) { contractDeletePrefix(t, s) })
			t.Run("ConcurrentCAS", func(t *testing.T) { contractConcurrentCAS(t, s) })
		})
	}
}

func contractIncr(t *testing.T, s Store) {
	ctx := context.Background()
	key := "contract:incr"

	_, found, err := s.GetInt(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrWithTTL(ctx, key, 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.IncrWithTTL(ctx, key, 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)

	v, found, err := s.GetInt(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(8), v)
}

func contractRegister(t *testing.T, s Store) {
	ctx := context.Background()
	key := "contract:register"

	_, found, err := s.LoadRegister(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	first := Register{Level: 2.5, UpdatedAt: 1_700_000_000_123_456_789}
	ok, err := s.CompareAndSwapRegister(ctx, key, nil, first)
	require.NoError(t, err)
	require.True(t, ok, "create on missing register should succeed")

	ok, err = s.CompareAndSwapRegister(ctx, key, nil, first)
	require.NoError(t, err)
	assert.False(t, ok, "create must fail once the register exists")

	got, found, err := s.LoadRegister(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, got)

	stale := Register{Level: 1, UpdatedAt: first.UpdatedAt}
	ok, err = s.CompareAndSwapRegister(ctx, key, &stale, Register{Level: 0})
	require.NoError(t, err)
	assert.False(t, ok, "swap against a stale value must fail")

	next := Register{Level: 0.1 + 0.2, UpdatedAt: first.UpdatedAt + 1}
	ok, err = s.CompareAndSwapRegister(ctx, key, &got, next)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err = s.LoadRegister(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, next, got, "levels must round-trip exactly")
}

func contractOrderedSet(t *testing.T, s Store) {
	ctx := context.Background()
	key := "contract:set"

	for i := 0; i < 3; i++ {
		added, count, err := s.PruneAndAdd(ctx, key, 0, []Entry{{Score: float64(100 + i), Member: fmt.Sprintf("m%d", i)}}, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, added)
		assert.Equal(t, i+1, count)
	}

	added, count, err := s.PruneAndAdd(ctx, key, 0, []Entry{{Score: 103, Member: "m3"}}, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, added, "set at limit must reject")
	assert.Equal(t, 3, count)

	// Cutoff is inclusive: 100 and 101 go, 102 stays.
	count, err = s.PruneAndCount(ctx, key, 101)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	added, count, err = s.PruneAndAdd(ctx, key, 101, []Entry{{Score: 104, Member: "a"}, {Score: 104, Member: "b"}}, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, added, "entries sharing a score need distinct members")
	assert.Equal(t, 3, count)
}

func contractList(t *testing.T, s Store) {
	ctx := context.Background()
	key := "contract:list"

	for i := 0; i < 7; i++ {
		require.NoError(t, s.PushTrim(ctx, key, []byte(fmt.Sprintf("v%d", i)), 5))
	}

	all, err := s.Range(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "v6", string(all[0]), "newest first")
	assert.Equal(t, "v2", string(all[4]))

	head, err := s.Range(ctx, key, 0, 1)
	require.NoError(t, err)
	assert.Len(t, head, 2)

	empty, err := s.Range(ctx, "contract:missing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func contractDeletePrefix(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.IncrWithTTL(ctx, fmt.Sprintf("contract:del:w:%d", i), 1, time.Minute)
		require.NoError(t, err)
	}
	_, err := s.IncrWithTTL(ctx, "contract:keep", 1, time.Minute)
	require.NoError(t, err)

	n, err := s.DeletePrefix(ctx, "contract:del:")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, found, err := s.GetInt(ctx, "contract:del:w:0")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.GetInt(ctx, "contract:keep")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, s.Delete(ctx, "contract:keep", "contract:never-existed"))
	_, found, err = s.GetInt(ctx, "contract:keep")
	require.NoError(t, err)
	assert.False(t, found)
}

// contractConcurrentCAS spends a register from many goroutines with a
// load/swap loop and checks that no unit is spent twice.
func contractConcurrentCAS(t *testing.T, s Store) {
	ctx := context.Background()
	key := "contract:cas-spend"
	const workers = 40
	const budget = 25

	ok, err := s.CompareAndSwapRegister(ctx, key, nil, Register{Level: budget})
	require.NoError(t, err)
	require.True(t, ok)

	var spent atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 4*workers; attempt++ {
				cur, _, err := s.LoadRegister(ctx, key)
				if err != nil {
					t.Error(err)
					return
				}
				if cur.Level < 1 {
					return
				}
				next := Register{Level: cur.Level - 1, UpdatedAt: cur.UpdatedAt + 1}
				swapped, err := s.CompareAndSwapRegister(ctx, key, &cur, next)
				if err != nil {
					t.Error(err)
					return
				}
				if swapped {
					spent.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(budget), spent.Load())
	final, _, err := s.LoadRegister(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.0, final.Level)
}
