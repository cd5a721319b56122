package history

import (
	"reflect"
	"testing"
	"time"
)

func ringEntry(seq int64, at time.Time, data string) RingEntry {
	return RingEntry{Sequence: seq, Timestamp: at, Data: data}
}

func TestRingAppendAndSnapshot(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(3)

	r.Append(ringEntry(1, base, "a"))
	r.Append(ringEntry(2, base.Add(time.Second), "b"))

	if got := r.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Data != "a" || snap[1].Data != "b" {
		t.Fatalf("Snapshot() = %+v, want [a b]", snap)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		r.Append(ringEntry(i, base.Add(time.Duration(i)*time.Second), "frame"))
	}

	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	snap := r.Snapshot()
	wantSeqs := []int64{3, 4, 5}
	for i, e := range snap {
		if e.Sequence != wantSeqs[i] {
			t.Errorf("Snapshot()[%d].Sequence = %d, want %d", i, e.Sequence, wantSeqs[i])
		}
	}
	if got := r.OldestSequence(); got != 3 {
		t.Errorf("OldestSequence() = %d, want 3", got)
	}
}

func TestRingSnapshotSortsByTimestamp(t *testing.T) {
	// Physical slot order is the wrap order; timestamps deliberately
	// disagree with it to pin the sort requirement.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(4)
	r.Append(ringEntry(10, base.Add(3*time.Second), "late"))
	r.Append(ringEntry(11, base.Add(1*time.Second), "early"))
	r.Append(ringEntry(12, base.Add(2*time.Second), "mid"))

	snap := r.Snapshot()
	got := []string{snap[0].Data, snap[1].Data, snap[2].Data}
	want := []string{"early", "mid", "late"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() order = %v, want %v", got, want)
	}
}

func TestRingRepeatedReadsAreStable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(8)
	for i := int64(1); i <= 6; i++ {
		r.Append(ringEntry(i, base.Add(time.Duration(6-i)*time.Second), "x"))
	}

	first := r.Snapshot()
	second := r.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two Snapshot() calls without writes differ:\n%+v\n%+v", first, second)
	}
}

func TestRingSince(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRing(10)
	for i := int64(1); i <= 6; i++ {
		r.Append(ringEntry(i, base.Add(time.Duration(i)*time.Second), "x"))
	}

	got := r.Since(4, 0)
	if len(got) != 2 || got[0].Sequence != 5 || got[1].Sequence != 6 {
		t.Fatalf("Since(4) sequences = %+v, want [5 6]", got)
	}

	if got := r.Since(4, 1); len(got) != 1 || got[0].Sequence != 5 {
		t.Fatalf("Since(4, limit 1) = %+v, want [5]", got)
	}

	// Predates the window: returns everything held, never errors.
	if got := r.Since(0, 0); len(got) != 6 {
		t.Fatalf("Since(0) returned %d frames, want 6", len(got))
	}

	if got := r.SinceTime(base.Add(5*time.Second), 0); len(got) != 1 || got[0].Sequence != 6 {
		t.Fatalf("SinceTime() = %+v, want [6]", got)
	}
}

func TestRingZeroCapacityFallsBack(t *testing.T) {
	r := NewRing(0)
	r.Append(ringEntry(1, time.Now(), "x"))
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}
