package history

import (
	"sort"
	"sync"
	"time"
)

// DefaultRingCapacity is the per-terminal frame window when the config
// does not override it.
const DefaultRingCapacity = 1000

// RingEntry is one raw PTY frame held by a [Ring].
type RingEntry struct {
	Sequence  int64
	Timestamp time.Time
	Data      string
}

// Ring is a bounded circular store of the most recent terminal output
// frames. Writes beyond capacity overwrite the oldest slot. Reads return
// frames sorted by timestamp regardless of their physical slot, because
// the write position wraps and the array is generally not in order.
//
// Not durable across restarts by design. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []RingEntry
	pos     int
	full    bool
}

// NewRing creates a ring holding up to capacity frames. Non-positive
// capacities fall back to [DefaultRingCapacity].
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{entries: make([]RingEntry, capacity)}
}

// Append stores one frame, overwriting the oldest when full.
func (r *Ring) Append(e RingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.pos] = e
	r.pos = (r.pos + 1) % len(r.entries)
	if r.pos == 0 {
		r.full = true
	}
}

// Len returns the number of frames currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *Ring) lenLocked() int {
	if r.full {
		return len(r.entries)
	}
	return r.pos
}

// Snapshot returns every held frame sorted by timestamp, oldest first.
func (r *Ring) Snapshot() []RingEntry {
	r.mu.Lock()
	out := make([]RingEntry, r.lenLocked())
	copy(out, r.entries[:r.lenLocked()])
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Since returns up to limit frames with sequence greater than seq, sorted
// oldest first. A request predating the oldest held frame returns what is
// available; the caller reports has_more=false for anything older.
func (r *Ring) Since(seq int64, limit int) []RingEntry {
	all := r.Snapshot()
	out := make([]RingEntry, 0, len(all))
	for _, e := range all {
		if e.Sequence > seq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// SinceTime returns up to limit frames with timestamp after ts, sorted
// oldest first.
func (r *Ring) SinceTime(ts time.Time, limit int) []RingEntry {
	all := r.Snapshot()
	out := make([]RingEntry, 0, len(all))
	for _, e := range all {
		if e.Timestamp.After(ts) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// OldestSequence returns the lowest sequence currently held, or 0 when
// the ring is empty.
func (r *Ring) OldestSequence() int64 {
	all := r.Snapshot()
	oldest := int64(0)
	for _, e := range all {
		if oldest == 0 || e.Sequence < oldest {
			oldest = e.Sequence
		}
	}
	return oldest
}
