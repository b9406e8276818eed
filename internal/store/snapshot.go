package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	kindCounter  = "counter"
	kindRegister = "register"
	kindSet      = "set"
	kindList     = "list"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	expires_at INTEGER NOT NULL
)`

type snapshotRow struct {
	key       string
	kind      string
	payload   []byte
	expiresAt int64 // Unix nanoseconds, 0 means no expiry
}

func openSnapshotDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return db, nil
}

// SaveSnapshot writes every live key held by s to the SQLite file at path,
// replacing its previous contents.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, path string) (int, error) {
	rows, err := s.snapshotRows()
	if err != nil {
		return 0, err
	}

	db, err := openSnapshotDB(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return 0, fmt.Errorf("clearing snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (key, kind, payload, expires_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.key, r.kind, r.payload, r.expiresAt); err != nil {
			return 0, fmt.Errorf("writing snapshot key %q: %w", r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing snapshot: %w", err)
	}
	return len(rows), nil
}

// LoadSnapshot restores keys from the SQLite file at path. Keys whose expiry
// has already passed are skipped. A missing file is not an error.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	db, err := openSnapshotDB(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	rs, err := db.QueryContext(ctx, `SELECT key, kind, payload, expires_at FROM entries`)
	if err != nil {
		return 0, fmt.Errorf("reading snapshot: %w", err)
	}
	defer rs.Close()

	var rows []snapshotRow
	for rs.Next() {
		var r snapshotRow
		if err := rs.Scan(&r.key, &r.kind, &r.payload, &r.expiresAt); err != nil {
			return 0, fmt.Errorf("scanning snapshot row: %w", err)
		}
		rows = append(rows, r)
	}
	if err := rs.Err(); err != nil {
		return 0, fmt.Errorf("iterating snapshot: %w", err)
	}
	return s.restoreRows(rows)
}

func (s *MemoryStore) snapshotRows() ([]snapshotRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var rows []snapshotRow
	add := func(key, kind string, v any, expiresAt time.Time) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s %q: %w", kind, key, err)
		}
		var exp int64
		if !expiresAt.IsZero() {
			exp = expiresAt.UnixNano()
		}
		rows = append(rows, snapshotRow{key: key, kind: kind, payload: payload, expiresAt: exp})
		return nil
	}

	for k, item := range s.counters {
		if live(item.expiresAt, now) {
			if err := add(k, kindCounter, item.value, item.expiresAt); err != nil {
				return nil, err
			}
		}
	}
	for k, reg := range s.regs {
		if err := add(k, kindRegister, reg, time.Time{}); err != nil {
			return nil, err
		}
	}
	for k, set := range s.sets {
		if live(set.expiresAt, now) {
			if err := add(k, kindSet, set.entries, set.expiresAt); err != nil {
				return nil, err
			}
		}
	}
	for k, list := range s.lists {
		if err := add(k, kindList, list, time.Time{}); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *MemoryStore) restoreRows(rows []snapshotRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, r := range rows {
		var expiresAt time.Time
		if r.expiresAt != 0 {
			expiresAt = time.Unix(0, r.expiresAt)
			if !live(expiresAt, now) {
				continue
			}
		}

		var err error
		switch r.kind {
		case kindCounter:
			var v int64
			if err = json.Unmarshal(r.payload, &v); err == nil {
				s.counters[r.key] = counterItem{value: v, expiresAt: expiresAt}
			}
		case kindRegister:
			var reg Register
			if err = json.Unmarshal(r.payload, &reg); err == nil {
				s.regs[r.key] = reg
			}
		case kindSet:
			var entries []Entry
			if err = json.Unmarshal(r.payload, &entries); err == nil {
				s.sets[r.key] = setItem{entries: entries, expiresAt: expiresAt}
			}
		case kindList:
			var list [][]byte
			if err = json.Unmarshal(r.payload, &list); err == nil {
				s.lists[r.key] = list
			}
		default:
			err = fmt.Errorf("unknown kind %q", r.kind)
		}
		if err != nil {
			s.logger.Warn("skipping snapshot entry", "key", r.key, "kind", r.kind, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
