// Package history keeps a bounded, newest-first log of admission decisions in a
// shared store so every process serving a limiter sees the same recent activity.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/store"
)

const (
	// MaxEntries is the number of records retained per log.
	MaxEntries = 50
	// DisplayEntries is the number of records returned by Recent.
	DisplayEntries = 20
)

// ErrMalformedRecord is reported for a stored entry that cannot be decoded.
var ErrMalformedRecord = errors.New("malformed history record")

// Record is one admission decision.
type Record struct {
	Time        string  `json:"time"`
	ClientID    string  `json:"client_id"`
	Admitted    bool    `json:"admitted"`
	LevelAfter  float64 `json:"level_after"`
	Cost        int     `json:"cost"`
	Timestamp   float64 `json:"timestamp"`
	Algorithm   string  `json:"algorithm"`
	WindowReset bool    `json:"window_reset,omitempty"`
}

// NewRecord stamps a record with the decision instant. A cost below one is
// recorded as one.
func NewRecord(at time.Time, algorithm, clientID string, admitted bool, levelAfter float64, cost int) Record {
	if cost < 1 {
		cost = 1
	}
	return Record{
		Time:       at.Format("15:04:05"),
		ClientID:   clientID,
		Admitted:   admitted,
		LevelAfter: levelAfter,
		Cost:       cost,
		Timestamp:  float64(at.UnixNano()) / float64(time.Second),
		Algorithm:  algorithm,
	}
}

// Log is a history list stored under a single key.
type Log struct {
	store  store.Store
	key    string
	logger *slog.Logger
}

// New returns a Log persisted under key in st.
func New(st store.Store, key string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, key: key, logger: logger}
}

// Key returns the store key holding the log.
func (l *Log) Key() string { return l.key }

// Append pushes rec to the front of the log and trims it to MaxEntries.
func (l *Log) Append(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}
	if err := l.store.PushTrim(ctx, l.key, b, MaxEntries); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// Recent returns up to DisplayEntries records, newest first. Entries that fail
// to decode are logged and skipped.
func (l *Log) Recent(ctx context.Context) ([]Record, error) {
	return l.Range(ctx, DisplayEntries)
}

// Range returns up to n records, newest first.
func (l *Log) Range(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return []Record{}, nil
	}
	raw, err := l.store.Range(ctx, l.key, 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for i, b := range raw {
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			l.logger.Warn("skipping history entry",
				"key", l.key, "index", i, "error", fmt.Errorf("%w: %v", ErrMalformedRecord, err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Clear removes every record.
func (l *Log) Clear(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}
