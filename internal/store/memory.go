package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// DefaultSweepSchedule is the cron spec used to drop expired keys.
const DefaultSweepSchedule = "@every 1m"

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	// SweepSchedule is a cron spec for removing expired keys. Empty disables
	// the background sweep; expired keys are still ignored on read.
	SweepSchedule string       `json:"sweep_schedule" yaml:"sweep_schedule"`
	Clock         clock.Clock  `json:"-" yaml:"-"`
	Logger        *slog.Logger `json:"-" yaml:"-"`
}

// MemoryStore keeps all state in maps guarded by one mutex. Holding the lock
// across each primitive is what makes it atomic. Expiry is evaluated against
// the configured Clock so virtual time drives TTLs in tests.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   *slog.Logger
	counters map[string]counterItem
	regs     map[string]Register
	sets     map[string]setItem
	lists    map[string][][]byte

	cron      *cron.Cron
	closed    bool
	closeOnce sync.Once
}

type counterItem struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

type setItem struct {
	entries   []Entry // ascending by score
	expiresAt time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil cfg uses a real clock and no
// background sweep.
func NewMemoryStore(cfg *MemoryConfig) (*MemoryStore, error) {
	var conf MemoryConfig
	if cfg != nil {
		conf = *cfg
	}
	if conf.Logger == nil {
		conf.Logger = slog.Default()
	}

	s := &MemoryStore{
		clock:    clock.OrReal(conf.Clock),
		logger:   conf.Logger,
		counters: make(map[string]counterItem),
		regs:     make(map[string]Register),
		sets:     make(map[string]setItem),
		lists:    make(map[string][][]byte),
	}

	if conf.SweepSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(conf.SweepSchedule, func() {
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("memory store sweep", "removed", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("%w: sweep schedule %q: %v", ErrInvalidConfig, conf.SweepSchedule, err)
		}
		s.cron.Start()
	}
	return s, nil
}

func live(expiresAt, now time.Time) bool {
	return expiresAt.IsZero() || now.Before(expiresAt)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *MemoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	item, ok := s.counters[key]
	if !ok || !live(item.expiresAt, now) {
		item = counterItem{}
	}
	item.value += delta
	item.expiresAt = expiry(now, ttl)
	s.counters[key] = item
	return item.value, nil
}

func (s *MemoryStore) GetInt(ctx context.Context, key string) (int64, bool, error) {
	if err := s.lock(ctx); err != nil {
		return 0, false, err
	}
	defer s.mu.Unlock()

	item, ok := s.counters[key]
	if !ok || !live(item.expiresAt, s.clock.Now()) {
		return 0, false, nil
	}
	return item.value, true, nil
}

func (s *MemoryStore) LoadRegister(ctx context.Context, key string) (Register, bool, error) {
	if err := s.lock(ctx); err != nil {
		return Register{}, false, err
	}
	defer s.mu.Unlock()

	reg, ok := s.regs[key]
	return reg, ok, nil
}

func (s *MemoryStore) CompareAndSwapRegister(ctx context.Context, key string, old *Register, next Register) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	cur, ok := s.regs[key]
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || cur != *old):
		return false, nil
	}
	s.regs[key] = next
	return true, nil
}

func (s *MemoryStore) PruneAndAdd(ctx context.Context, key string, cutoff float64, entries []Entry, limit int, ttl time.Duration) (bool, int, error) {
	if err := s.lock(ctx); err != nil {
		return false, 0, err
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	set := s.pruneLocked(key, cutoff, now)

	added := false
	if len(set.entries)+len(entries) <= limit {
		set.entries = append(set.entries, entries...)
		sort.SliceStable(set.entries, func(i, j int) bool {
			return set.entries[i].Score < set.entries[j].Score
		})
		added = true
	}
	if len(set.entries) == 0 {
		delete(s.sets, key)
		return added, 0, nil
	}
	set.expiresAt = expiry(now, ttl)
	s.sets[key] = set
	return added, len(set.entries), nil
}

func (s *MemoryStore) PruneAndCount(ctx context.Context, key string, cutoff float64) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	set := s.pruneLocked(key, cutoff, s.clock.Now())
	if len(set.entries) == 0 {
		delete(s.sets, key)
		return 0, nil
	}
	s.sets[key] = set
	return len(set.entries), nil
}

// pruneLocked drops expired sets and entries scored at or below cutoff.
// Must be called with s.mu held.
func (s *MemoryStore) pruneLocked(key string, cutoff float64, now time.Time) setItem {
	set, ok := s.sets[key]
	if !ok || !live(set.expiresAt, now) {
		return setItem{}
	}
	i := sort.Search(len(set.entries), func(i int) bool {
		return set.entries[i].Score > cutoff
	})
	set.entries = append([]Entry(nil), set.entries[i:]...)
	return set
}

func (s *MemoryStore) PushTrim(ctx context.Context, key string, value []byte, maxLen int) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	list := append([][]byte{v}, s.lists[key]...)
	if maxLen > 0 && len(list) > maxLen {
		list = list[:maxLen]
	}
	s.lists[key] = list
	return nil
}

func (s *MemoryStore) Range(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	list := s.lists[key]
	n := len(list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		c := make([]byte, len(v))
		copy(c, v)
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.keysLocked() {
		if strings.HasPrefix(k, prefix) {
			s.deleteLocked(k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) deleteLocked(key string) {
	delete(s.counters, key)
	delete(s.regs, key)
	delete(s.sets, key)
	delete(s.lists, key)
}

func (s *MemoryStore) keysLocked() []string {
	seen := make(map[string]struct{}, len(s.counters)+len(s.regs)+len(s.sets)+len(s.lists))
	for k := range s.counters {
		seen[k] = struct{}{}
	}
	for k := range s.regs {
		seen[k] = struct{}{}
	}
	for k := range s.sets {
		seen[k] = struct{}{}
	}
	for k := range s.lists {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sweep removes expired counters and sets and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for k, item := range s.counters {
		if !live(item.expiresAt, now) {
			delete(s.counters, k)
			n++
		}
	}
	for k, set := range s.sets {
		if !live(set.expiresAt, now) {
			delete(s.sets, k)
			n++
		}
	}
	return n
}

// Len returns the number of keys held, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keysLocked())
}

// Close stops the sweep schedule. Further operations return ErrClosed.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}
