package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvRedisURL, EnvRedisURLLegacy, EnvRedisPassword} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, store.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, limiter.DefaultPrefix, cfg.Limiter.Prefix)
	assert.Equal(t, string(limiter.FailOpen), cfg.Limiter.FailurePolicy)
	assert.Equal(t, 10, cfg.Limits.TokenBucket.Capacity)
	assert.Equal(t, 60*time.Second, cfg.Limits.FixedWindow.WindowSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "crdt" }},
		{"bad sweep schedule", func(c *Config) { c.Storage.Memory.SweepSchedule = "whenever" }},
		{"bad snapshot schedule", func(c *Config) { c.Storage.Memory.SnapshotSchedule = "@every nope" }},
		{"redis without endpoint", func(c *Config) { c.Storage.Backend = store.BackendRedis }},
		{"negative timeout", func(c *Config) { c.Limiter.Timeout = -time.Second }},
		{"unknown failure policy", func(c *Config) { c.Limiter.FailurePolicy = "fail_sideways" }},
		{"zero max requests", func(c *Config) { c.Limits.FixedWindow.MaxRequests = 0 }},
		{"zero sliding window", func(c *Config) { c.Limits.SlidingWindow.WindowSize = 0 }},
		{"zero capacity", func(c *Config) { c.Limits.TokenBucket.Capacity = 0 }},
		{"negative leak rate", func(c *Config) { c.Limits.LeakyBucket.LeakRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_LimitErrorsKeepCause(t *testing.T) {
	cfg := Default()
	cfg.Limits.TokenBucket.RefillRate = -0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, limiter.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "limits.token_bucket")
}

func TestValidate_ZeroRatesAllowed(t *testing.T) {
	cfg := Default()
	cfg.Limits.TokenBucket.RefillRate = 0
	cfg.Limits.LeakyBucket.LeakRate = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RedisWithURL(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = store.BackendRedis
	cfg.Storage.Redis.URL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	clearRedisEnv(t)
	path := writeFile(t, "turnstile.yaml", `
server:
  addr: ":9090"
log:
  format: json
storage:
  backend: redis
  redis:
    host: 127.0.0.1
    port: 6380
    db: 2
    dial_timeout: 4s
limiter:
  prefix: staging
  timeout: 500ms
  failure_policy: fail_closed
limits:
  token_bucket:
    capacity: 20
  sliding_window:
    window_size: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level, "unset fields keep defaults")
	assert.Equal(t, store.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, 6380, cfg.Storage.Redis.Port)
	assert.Equal(t, 4*time.Second, cfg.Storage.Redis.DialTimeout)
	assert.Equal(t, "staging", cfg.Limiter.Prefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Limiter.Timeout)
	assert.Equal(t, "fail_closed", cfg.Limiter.FailurePolicy)

	assert.Equal(t, 20, cfg.Limits.TokenBucket.Capacity)
	assert.Equal(t, 1.0, cfg.Limits.TokenBucket.RefillRate, "partial algorithm section merges over defaults")
	assert.Equal(t, 30*time.Second, cfg.Limits.SlidingWindow.WindowSize)
	assert.Equal(t, 10, cfg.Limits.SlidingWindow.MaxRequests)
}

func TestLoad_JSON(t *testing.T) {
	clearRedisEnv(t)
	path := writeFile(t, "turnstile.json", `{
  "server": { "addr": ":7070" },
  "limits": { "leaky_bucket": { "capacity": 3, "leak_rate": 0.5 } }
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Limits.LeakyBucket.Capacity)
	assert.Equal(t, 0.5, cfg.Limits.LeakyBucket.LeakRate)
	assert.Equal(t, store.BackendMemory, cfg.Storage.Backend)
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	clearRedisEnv(t)
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	clearRedisEnv(t)
	tests := map[string]string{
		"malformed":    "server: [",
		"unknown key":  "server:\n  port: 80\n",
		"bad duration": "limits:\n  fixed_window:\n    window_size: soon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv(EnvRedisURLLegacy, "redis://legacy:6379")
	t.Setenv(EnvRedisURL, "redis://primary:6379")
	t.Setenv(EnvRedisPassword, "hunter2")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, store.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis://primary:6379", cfg.Storage.Redis.URL)
	assert.Equal(t, "hunter2", cfg.Storage.Redis.Password)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_LegacyURL(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv(EnvRedisURLLegacy, "redis://legacy:6379")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "redis://legacy:6379", cfg.Storage.Redis.URL)
}

func TestApplyEnv_NothingSet(t *testing.T) {
	clearRedisEnv(t)
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, Default(), cfg)
}

func TestLoadDotEnv(t *testing.T) {
	const fresh = "TURNSTILE_TEST_DOTENV_FRESH"
	const kept = "TURNSTILE_TEST_DOTENV_KEPT"
	t.Cleanup(func() { os.Unsetenv(fresh) })
	t.Setenv(kept, "from-env")

	path := writeFile(t, ".env", fresh+"=from-file\n"+kept+"=from-file\n")
	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))

	assert.Equal(t, "from-file", os.Getenv(fresh))
	assert.Equal(t, "from-env", os.Getenv(kept), "existing variables win")
}

func TestWriteExample(t *testing.T) {
	clearRedisEnv(t)
	path := filepath.Join(t.TempDir(), "turnstile.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Limits, cfg.Limits)
}

func TestLimitsSet(t *testing.T) {
	var l Limits
	want := limiter.Config{Capacity: 4, LeakRate: 2}
	require.NoError(t, l.Set(limiter.AlgorithmLeakyBucket, want))
	assert.Equal(t, want, l.ByAlgorithm()[limiter.AlgorithmLeakyBucket])
	assert.ErrorIs(t, l.Set("bogus", want), ErrInvalidConfig)
}
