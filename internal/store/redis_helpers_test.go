package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

const redisImage = "redis:7.2-alpine"

// skipWithoutDocker skips t when no container provider answers. The provider
// check panics instead of skipping when it cannot locate a Docker host.
func skipWithoutDocker(t *testing.T) {
	t.Helper()
	skipOnPanic(t, func() { testcontainers.SkipIfProviderIsNotHealthy(t) })
}

func skipOnPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker unavailable: %v", r)
		}
	}()
	fn()
}

// redisStoreForTest starts a throwaway Redis container and returns a store
// connected to it. Both are torn down when t ends.
func redisStoreForTest(t *testing.T) *RedisStore {
	t.Helper()
	skipWithoutDocker(t)

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, redisImage)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err, "container connection string")

	s, err := NewRedisStore(&RedisConfig{URL: url, PoolSize: 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSkipOnPanic(t *testing.T) {
	var inner *testing.T
	t.Run("panicking provider", func(t *testing.T) {
		inner = t
		skipOnPanic(t, func() { panic("rootless Docker not found") })
		t.Error("skipOnPanic should have skipped")
	})
	require.True(t, inner.Skipped(), "a provider panic must skip, not fail")

	ran := false
	t.Run("healthy provider", func(t *testing.T) {
		skipOnPanic(t, func() { ran = true })
	})
	require.True(t, ran)
}
