// Package store holds shared quota state behind a small set of atomic
// read-modify-write primitives. Limiters are written against Store only, so
// the same algorithm code runs on the in-process MemoryStore or on a
// RedisStore shared by many processes.
package store

import (
	"context"
	"errors"
	"time"
)

// Backend names accepted by configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var (
	// ErrInvalidConfig reports missing or malformed connection parameters.
	ErrInvalidConfig = errors.New("invalid store configuration")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Register is a real-valued level paired with the instant it was last
// brought up to date. Token and leaky buckets keep their state in one.
type Register struct {
	Level     float64 `json:"level"`
	UpdatedAt int64   `json:"updated_at"` // Unix nanoseconds
}

// Entry is one member of an ordered set.
type Entry struct {
	Score  float64 `json:"score"`
	Member string  `json:"member"`
}

// Store is the set of atomic primitives the limiters need. Every method is a
// single atomic unit with respect to other callers of the same key.
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrWithTTL adds delta to the integer at key, creating it at zero when
	// missing or expired, and sets its expiry to ttl. It returns the new value.
	IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// GetInt returns the integer at key. found is false when the key is
	// missing or expired.
	GetInt(ctx context.Context, key string) (value int64, found bool, err error)

	// LoadRegister returns the register at key.
	LoadRegister(ctx context.Context, key string) (reg Register, found bool, err error)

	// CompareAndSwapRegister stores next only if the register still equals
	// *old. A nil old means the register must not exist yet.
	CompareAndSwapRegister(ctx context.Context, key string, old *Register, next Register) (bool, error)

	// PruneAndAdd removes every entry scored at or below cutoff, then inserts
	// all entries only if the remaining count plus len(entries) does not
	// exceed limit. The set expires after ttl without further calls. count is
	// the set size after the operation.
	PruneAndAdd(ctx context.Context, key string, cutoff float64, entries []Entry, limit int, ttl time.Duration) (added bool, count int, err error)

	// PruneAndCount removes every entry scored at or below cutoff and returns
	// how many remain.
	PruneAndCount(ctx context.Context, key string, cutoff float64) (int, error)

	// PushTrim prepends value to the list at key and trims it to maxLen.
	PushTrim(ctx context.Context, key string, value []byte, maxLen int) error

	// Range returns list elements start..stop inclusive, newest first.
	// A negative stop counts from the end, -1 being the last element.
	Range(ctx context.Context, key string, start, stop int) ([][]byte, error)

	// Delete removes keys of any kind. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Close releases resources. It is idempotent.
	Close() error
}
