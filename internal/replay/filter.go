package replay

import (
	"slices"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// Filter selects which traffic records are replayed. Zero fields match
// everything.
type Filter struct {
	ClientIDs  []string  // only these client IDs
	Algorithms []string  // only records captured against these algorithms
	After      time.Time // only records strictly after this instant
	Before     time.Time // only records strictly before this instant
}

// Match reports whether r passes every configured criterion.
func (f Filter) Match(r recorder.TrafficRecord) bool {
	if len(f.ClientIDs) > 0 && !slices.Contains(f.ClientIDs, r.ClientID) {
		return false
	}
	if len(f.Algorithms) > 0 && !slices.Contains(f.Algorithms, r.Algorithm) {
		return false
	}
	if !f.After.IsZero() && !r.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !r.Timestamp.Before(f.Before) {
		return false
	}
	return true
}
