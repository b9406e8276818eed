// Package config loads Turnstile settings from a YAML file, the environment
// and an optional .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvRedisURL       = "TURNSTILE_REDIS_URL"
	EnvRedisURLLegacy = "REDIS_URL"
	EnvRedisPassword  = "REDIS_PASSWORD"
)

// Config is the top-level configuration for a Turnstile process.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Limiter LimiterConfig `yaml:"limiter" json:"limiter"`
	Limits  Limits        `yaml:"limits" json:"limits"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// StorageConfig selects and configures the shared state backend.
type StorageConfig struct {
	Backend string            `yaml:"backend" json:"backend"`
	Memory  MemoryConfig      `yaml:"memory" json:"memory"`
	Redis   store.RedisConfig `yaml:"redis" json:"redis"`
}

// MemoryConfig configures the in-process backend and its persistence.
type MemoryConfig struct {
	SweepSchedule    string `yaml:"sweep_schedule" json:"sweep_schedule"`
	SnapshotPath     string `yaml:"snapshot_path" json:"snapshot_path"`
	SnapshotSchedule string `yaml:"snapshot_schedule" json:"snapshot_schedule"`
}

// LimiterConfig holds the options shared by every limiter.
type LimiterConfig struct {
	Prefix        string        `yaml:"prefix" json:"prefix"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	FailurePolicy string        `yaml:"failure_policy" json:"failure_policy"`
}

// Limits holds per-algorithm parameters. Fields omitted from a file keep
// their defaults.
type Limits struct {
	FixedWindow   limiter.Config `yaml:"fixed_window" json:"fixed_window"`
	SlidingWindow limiter.Config `yaml:"sliding_window" json:"sliding_window"`
	TokenBucket   limiter.Config `yaml:"token_bucket" json:"token_bucket"`
	LeakyBucket   limiter.Config `yaml:"leaky_bucket" json:"leaky_bucket"`
}

// ByAlgorithm returns the limits keyed by algorithm.
func (l Limits) ByAlgorithm() map[limiter.Algorithm]limiter.Config {
	return map[limiter.Algorithm]limiter.Config{
		limiter.AlgorithmFixedWindow:   l.FixedWindow,
		limiter.AlgorithmSlidingWindow: l.SlidingWindow,
		limiter.AlgorithmTokenBucket:   l.TokenBucket,
		limiter.AlgorithmLeakyBucket:   l.LeakyBucket,
	}
}

// Set replaces the parameters of one algorithm.
func (l *Limits) Set(algo limiter.Algorithm, cfg limiter.Config) error {
	switch algo {
	case limiter.AlgorithmFixedWindow:
		l.FixedWindow = cfg
	case limiter.AlgorithmSlidingWindow:
		l.SlidingWindow = cfg
	case limiter.AlgorithmTokenBucket:
		l.TokenBucket = cfg
	case limiter.AlgorithmLeakyBucket:
		l.LeakyBucket = cfg
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, algo)
	}
	return nil
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: store.BackendMemory,
			Memory: MemoryConfig{
				SweepSchedule:    store.DefaultSweepSchedule,
				SnapshotSchedule: "@every 30s",
			},
		},
		Limiter: LimiterConfig{
			Prefix:        limiter.DefaultPrefix,
			Timeout:       limiter.DefaultTimeout,
			FailurePolicy: string(limiter.FailOpen),
		},
		Limits: Limits{
			FixedWindow:   limiter.DefaultConfig(limiter.AlgorithmFixedWindow),
			SlidingWindow: limiter.DefaultConfig(limiter.AlgorithmSlidingWindow),
			TokenBucket:   limiter.DefaultConfig(limiter.AlgorithmTokenBucket),
			LeakyBucket:   limiter.DefaultConfig(limiter.AlgorithmLeakyBucket),
		},
	}
}

// Validate checks every section and reports the first problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q must be one of debug, info, warn, error", ErrInvalidConfig, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q must be text or json", ErrInvalidConfig, c.Log.Format)
	}

	switch c.Storage.Backend {
	case store.BackendMemory:
		for name, spec := range map[string]string{
			"storage.memory.sweep_schedule":    c.Storage.Memory.SweepSchedule,
			"storage.memory.snapshot_schedule": c.Storage.Memory.SnapshotSchedule,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, name, spec, err)
			}
		}
	case store.BackendRedis:
		r := c.Storage.Redis
		if r.URL == "" && r.Host == "" && len(r.ClusterNodes) == 0 {
			return fmt.Errorf("%w: storage.redis needs url, host or cluster_nodes", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage.backend %q must be memory or redis", ErrInvalidConfig, c.Storage.Backend)
	}

	if c.Limiter.Timeout < 0 {
		return fmt.Errorf("%w: limiter.timeout must not be negative, got %s", ErrInvalidConfig, c.Limiter.Timeout)
	}
	if _, err := limiter.ParseFailurePolicy(c.Limiter.FailurePolicy); err != nil {
		return fmt.Errorf("%w: limiter.failure_policy: %w", ErrInvalidConfig, err)
	}

	for _, algo := range limiter.Algorithms() {
		if err := c.Limits.ByAlgorithm()[algo].Validate(algo); err != nil {
			return fmt.Errorf("%w: limits.%s: %w", ErrInvalidConfig, algo, err)
		}
	}
	return nil
}

// Load reads a YAML (or JSON) config file and merges it over Default.
// Unknown keys are rejected. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides Redis connection settings from the environment.
// TURNSTILE_REDIS_URL wins over REDIS_URL. Setting either URL also selects
// the redis backend.
func (c *Config) ApplyEnv() {
	url := os.Getenv(EnvRedisURL)
	if url == "" {
		url = os.Getenv(EnvRedisURLLegacy)
	}
	if url != "" {
		c.Storage.Backend = store.BackendRedis
		c.Storage.Redis.URL = url
	}
	if pw := os.Getenv(EnvRedisPassword); pw != "" {
		c.Storage.Redis.Password = pw
	}
}

// LoadDotEnv loads variables from the given files, or from .env.local and
// .env when none are given. Missing files are skipped and variables already
// set in the environment are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

const example = `# Turnstile configuration. Durations use Go syntax (500ms, 10s, 1m).
server:
  addr: ":8080"

log:
  level: info     # debug, info, warn, error
  format: text    # text or json

storage:
  backend: memory # memory or redis
  memory:
    sweep_schedule: "@every 1m"
    snapshot_path: ""            # SQLite file; empty disables persistence
    snapshot_schedule: "@every 30s"
  redis:
    url: ""                      # overridden by TURNSTILE_REDIS_URL or REDIS_URL
    host: localhost
    port: 6379
    db: 0

limiter:
  prefix: turnstile
  timeout: 2s
  failure_policy: fail_open      # fail_open or fail_closed

limits:
  fixed_window:
    max_requests: 10
    window_size: 60s
  sliding_window:
    max_requests: 10
    window_size: 60s
  token_bucket:
    capacity: 10
    refill_rate: 1
  leaky_bucket:
    capacity: 10
    leak_rate: 1
`

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(example), 0o644)
}
