package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capacityYAML(capacity int) string {
	return fmt.Sprintf("limits:\n  token_bucket:\n    capacity: %d\n", capacity)
}

func startWatcher(t *testing.T, path string) (*sync.Mutex, *[]Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	var mu sync.Mutex
	var reloads []Config
	w := NewWatcher(path, 20*time.Millisecond, nil)
	go func() {
		done <- w.Watch(ctx, func(cfg Config) error {
			mu.Lock()
			reloads = append(reloads, cfg)
			mu.Unlock()
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return &mu, &reloads
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	clearRedisEnv(t)
	path := writeFile(t, "turnstile.yaml", capacityYAML(10))
	mu, reloads := startWatcher(t, path)

	// The watch is registered asynchronously, so keep writing until a reload
	// is observed.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(capacityYAML(25)), 0o644)
		mu.Lock()
		defer mu.Unlock()
		return len(*reloads) > 0
	}, 5*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 25, (*reloads)[len(*reloads)-1].Limits.TokenBucket.Capacity)
}

func TestWatcher_IgnoresInvalidFile(t *testing.T) {
	clearRedisEnv(t)
	path := writeFile(t, "turnstile.yaml", capacityYAML(10))
	mu, reloads := startWatcher(t, path)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(capacityYAML(0)), 0o644))
		time.Sleep(60 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *reloads)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	clearRedisEnv(t)
	path := writeFile(t, "turnstile.yaml", capacityYAML(10))
	mu, reloads := startWatcher(t, path)

	sibling := path + ".bak"
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(sibling, []byte(capacityYAML(30)), 0o644))
		time.Sleep(60 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *reloads)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher("/nonexistent/dir/turnstile.yaml", 0, nil)
	err := w.Watch(context.Background(), func(Config) error { return nil })
	assert.Error(t, err)
}
