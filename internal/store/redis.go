package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second

	registerLevelField   = "level"
	registerUpdatedField = "updated_at"

	scanBatch = 100
)

// ARGV[1] is "1" when the register is expected to exist, then the expected
// level and updated_at strings, then the replacement pair.
var registerCASScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'level', 'updated_at')
if ARGV[1] == '0' then
  if cur[1] then
    return 0
  end
elseif cur[1] ~= ARGV[2] or cur[2] ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'level', ARGV[4], 'updated_at', ARGV[5])
return 1
`)

// ARGV: cutoff, limit, ttl ms, then score/member pairs.
var pruneAndAddScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
local n = (#ARGV - 3) / 2

local added = 0
if count + n <= limit then
  for i = 4, #ARGV, 2 do
    redis.call('ZADD', key, ARGV[i], ARGV[i + 1])
  end
  count = count + n
  added = 1
end

if ttl > 0 and count > 0 then
  redis.call('PEXPIRE', key, ttl)
end
return {added, count}
`)

var pruneAndCountScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// RedisConfig holds connection settings for RedisStore. URL, when set, takes
// precedence over Host/Port/DB.
type RedisConfig struct {
	URL          string        `json:"url" yaml:"url"`
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	TLS          bool          `json:"tls" yaml:"tls"`
	Cluster      bool          `json:"cluster" yaml:"cluster"`
	ClusterNodes []string      `json:"cluster_nodes" yaml:"cluster_nodes"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// RedisStore implements Store on Redis. Counters are plain integer keys,
// registers are hashes with level and updated_at fields, timestamp sets are
// sorted sets and history is a list. Multi-step primitives run as Lua scripts
// or MULTI transactions so each one is atomic on the server.
type RedisStore struct {
	client redis.UniversalClient

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis and verifies the connection with a bounded
// number of pings.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	client, err := newRedisClient(conf)
	if err != nil {
		return nil, err
	}

	s := NewRedisStoreFromClient(client)
	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes the client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing %q: %w", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading %q: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) LoadRegister(ctx context.Context, key string) (Register, bool, error) {
	vals, err := s.client.HMGet(ctx, key, registerLevelField, registerUpdatedField).Result()
	if err != nil {
		return Register{}, false, fmt.Errorf("reading register %q: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Register{}, false, nil
	}

	levelRaw, _ := vals[0].(string)
	updatedRaw, _ := vals[1].(string)
	level, err := strconv.ParseFloat(levelRaw, 64)
	if err != nil {
		return Register{}, false, fmt.Errorf("parsing register %q level: %w", key, err)
	}
	updated, err := strconv.ParseInt(updatedRaw, 10, 64)
	if err != nil {
		return Register{}, false, fmt.Errorf("parsing register %q updated_at: %w", key, err)
	}
	return Register{Level: level, UpdatedAt: updated}, true, nil
}

func (s *RedisStore) CompareAndSwapRegister(ctx context.Context, key string, old *Register, next Register) (bool, error) {
	args := []interface{}{"0", "", ""}
	if old != nil {
		args = []interface{}{"1", formatLevel(old.Level), strconv.FormatInt(old.UpdatedAt, 10)}
	}
	args = append(args, formatLevel(next.Level), strconv.FormatInt(next.UpdatedAt, 10))

	res, err := registerCASScript.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("swapping register %q: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) PruneAndAdd(ctx context.Context, key string, cutoff float64, entries []Entry, limit int, ttl time.Duration) (bool, int, error) {
	args := make([]interface{}, 0, 3+2*len(entries))
	args = append(args, formatLevel(cutoff), limit, ttl.Milliseconds())
	for _, e := range entries {
		args = append(args, formatLevel(e.Score), e.Member)
	}

	res, err := pruneAndAddScript.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("running prune-and-add on %q: %w", key, err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected prune-and-add result: %T", res)
	}
	added, err := asInt64(values[0])
	if err != nil {
		return false, 0, fmt.Errorf("parsing added result: %w", err)
	}
	count, err := asInt64(values[1])
	if err != nil {
		return false, 0, fmt.Errorf("parsing count result: %w", err)
	}
	return added == 1, int(count), nil
}

func (s *RedisStore) PruneAndCount(ctx context.Context, key string, cutoff float64) (int, error) {
	n, err := pruneAndCountScript.Run(ctx, s.client, []string{key}, formatLevel(cutoff)).Int64()
	if err != nil {
		return 0, fmt.Errorf("running prune-and-count on %q: %w", key, err)
	}
	return int(n), nil
}

func (s *RedisStore) PushTrim(ctx context.Context, key string, value []byte, maxLen int) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, int64(maxLen-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing to %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, int64(start), int64(stop)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading list %q: %w", key, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	// Keys may hash to different slots on a cluster, so delete one at a time there.
	if _, ok := s.client.(*redis.ClusterClient); ok {
		for _, k := range keys {
			if err := s.client.Del(ctx, k).Err(); err != nil {
				return fmt.Errorf("deleting %q: %w", k, err)
			}
		}
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(prefix) + "*"

	if cc, ok := s.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		total := 0
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := deleteMatching(ctx, node, pattern)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
		return total, err
	}
	return deleteMatching(ctx, s.client, pattern)
}

func deleteMatching(ctx context.Context, c redis.Cmdable, pattern string) (int, error) {
	total := 0
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return total, fmt.Errorf("scanning %q: %w", pattern, err)
		}
		for _, k := range keys {
			n, err := c.Del(ctx, k).Result()
			if err != nil {
				return total, fmt.Errorf("deleting %q: %w", k, err)
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}

	switch {
	case conf.URL != "":
	case conf.Cluster:
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("%w: cluster_nodes is required when cluster=true", ErrInvalidConfig)
		}
	default:
		if conf.Host == "" {
			return nil, fmt.Errorf("%w: url or host is required", ErrInvalidConfig)
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("%w: port must be positive, got %d", ErrInvalidConfig, conf.Port)
		}
	}
	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing redis url: %v", ErrInvalidConfig, err)
		}
		if cfg.Password != "" && opts.Password == "" {
			opts.Password = cfg.Password
		}
		if tlsConf != nil && opts.TLSConfig == nil {
			opts.TLSConfig = tlsConf
		}
		opts.PoolSize = cfg.PoolSize
		opts.MaxRetries = cfg.MaxRetries
		opts.DialTimeout = cfg.DialTimeout
		return redis.NewClient(opts), nil
	}

	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
			TLSConfig:   tlsConf,
		}), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
		TLSConfig:   tlsConf,
	}), nil
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
