// Package replay feeds recorded traffic through a limiter on a virtual clock.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// ErrNoRecords is returned by Run when nothing has been loaded.
var ErrNoRecords = errors.New("no records loaded")

// Replayer replays traffic records through a limiter. Gaps between records
// advance the virtual clock; speed controls how much wall time they take.
type Replayer struct {
	records []recorder.TrafficRecord
	limiter limiter.Limiter
	clock   *clock.VirtualClock
	filter  Filter
	speed   float64 // 1.0 = real time, 10.0 = 10x, 0 = instant
}

// Result is the outcome of replaying one record.
type Result struct {
	Record   recorder.TrafficRecord `json:"record"`
	Decision limiter.Decision       `json:"decision"`
	Time     time.Time              `json:"time"` // virtual time of the decision
	Error    string                 `json:"error,omitempty"`
}

// Summary aggregates a replay.
type Summary struct {
	TotalRecords int                      `json:"total_records"`
	Filtered     int                      `json:"filtered"`
	Replayed     int                      `json:"replayed"`
	Allowed      int                      `json:"allowed"`
	Denied       int                      `json:"denied"`
	Rejected     int                      `json:"rejected"` // invalid client ID or cost
	Degraded     int                      `json:"degraded"`
	Duration     time.Duration            `json:"duration"`      // virtual time span
	WallDuration time.Duration            `json:"wall_duration"` // real time taken
	PerClient    map[string]ClientSummary `json:"per_client"`
}

// ClientSummary counts outcomes for one client ID.
type ClientSummary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// New creates a Replayer. The limiter must read time from vc. A negative
// speed is treated as 0.
func New(lim limiter.Limiter, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		limiter: lim,
		clock:   vc,
		speed:   speed,
		filter:  filter,
	}
}

// Load reads records from a JSON array or a newline-delimited stream.
func (r *Replayer) Load(rd io.Reader) error {
	records, err := recorder.LoadJSON(rd)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	r.records = records
	return nil
}

// LoadRecords sets the records directly.
func (r *Replayer) LoadRecords(records []recorder.TrafficRecord) {
	r.records = make([]recorder.TrafficRecord, len(records))
	copy(r.records, records)
}

// Run replays the filtered records in timestamp order and calls cb, when
// non-nil, after each decision. On cancellation the partial summary is
// returned with ctx.Err().
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.records) == 0 {
		return nil, ErrNoRecords
	}

	sorted := make([]recorder.TrafficRecord, len(r.records))
	copy(sorted, r.records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var selected []recorder.TrafficRecord
	for _, rec := range sorted {
		if r.filter.Match(rec) {
			selected = append(selected, rec)
		}
	}

	summary := &Summary{
		TotalRecords: len(sorted),
		Filtered:     len(selected),
		PerClient:    make(map[string]ClientSummary),
	}
	if len(selected) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	for i, rec := range selected {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if i > 0 {
			if err := r.advance(ctx, rec.Timestamp.Sub(selected[i-1].Timestamp)); err != nil {
				return summary, err
			}
		}

		cost := rec.Cost
		if cost < 1 {
			cost = 1
		}
		res := Result{Record: rec, Time: r.clock.Now()}
		d, err := r.limiter.Decide(ctx, rec.ClientID, cost)
		summary.Replayed++
		if err != nil {
			summary.Rejected++
			res.Error = err.Error()
		} else {
			res.Decision = d
			summary.count(rec.ClientID, d)
		}

		if cb != nil {
			cb(res)
		}
	}

	summary.Duration = selected[len(selected)-1].Timestamp.Sub(selected[0].Timestamp)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}

func (r *Replayer) advance(ctx context.Context, gap time.Duration) error {
	if gap <= 0 {
		return nil
	}
	if r.speed > 0 {
		if scaled := time.Duration(float64(gap) / r.speed); scaled > time.Millisecond {
			t := time.NewTimer(scaled)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	r.clock.Advance(gap)
	return nil
}

func (s *Summary) count(clientID string, d limiter.Decision) {
	cs := s.PerClient[clientID]
	if d.Allowed {
		s.Allowed++
		cs.Allowed++
	} else {
		s.Denied++
		cs.Denied++
	}
	if d.Degraded {
		s.Degraded++
	}
	s.PerClient[clientID] = cs
}
