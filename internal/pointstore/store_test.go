package pointstore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newShingledStore(t *testing.T, shingleSize int, rotation bool) *Store {
	t.Helper()
	s, err := New(Config{
		BaseDim:              2,
		ShingleSize:          shingleSize,
		InternalShingling:    true,
		InternalRotation:     rotation,
		IndexCapacity:        64,
		InitialCapacity:      8,
		Capacity:             256,
		DynamicResizeEnabled: true,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAddWarmupWithheldUntilShingleFull(t *testing.T) {
	s := newShingledStore(t, 4, false)
	for i := 0; i < 3; i++ {
		_, ok, err := s.Add([]float32{float32(i), float32(i)}, uint64(i))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if ok {
			t.Fatalf("Add should withhold an index before the shingle is full, tuple %d", i)
		}
	}
	idx, ok, err := s.Add([]float32{3, 3}, 3)
	if err != nil || !ok {
		t.Fatalf("Add on shingle completion: idx=%d ok=%v err=%v", idx, ok, err)
	}
}

// TestShingleRoundTripSlidingWindow is the spec's shingle round-trip
// property: K tuples with K >= shingle_size produce K-shingle_size+1 point
// indices whose values are the correct sliding windows.
func TestShingleRoundTripSlidingWindow(t *testing.T) {
	s := newShingledStore(t, 4, false)
	const K = 10
	var indices []int
	for i := 0; i < K; i++ {
		idx, ok, err := s.Add([]float32{float32(i), float32(i) + 0.5}, uint64(i))
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if ok {
			indices = append(indices, idx)
		}
	}
	if len(indices) != K-4+1 {
		t.Fatalf("got %d indices, want %d", len(indices), K-4+1)
	}
	for w, idx := range indices {
		want := make([]float32, 0, 8)
		for t0 := w; t0 < w+4; t0++ {
			want = append(want, float32(t0), float32(t0)+0.5)
		}
		got, err := s.Get(idx)
		if err != nil {
			t.Fatalf("Get(%d): %v", idx, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("window %d mismatch (-want +got):\n%s", w, diff)
		}
	}
}

// TestOverlapWriteCorrectness matches spec.md §8 scenario 5.
func TestOverlapWriteCorrectness(t *testing.T) {
	s := newShingledStore(t, 4, false)
	var lastIdx int
	for i := 0; i < 5; i++ {
		idx, ok, err := s.Add([]float32{float32(i), float32(10 + i)}, uint64(i))
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if ok {
			lastIdx = idx
		}
	}
	got, err := s.Get(lastIdx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := []float32{1, 11, 2, 12, 3, 13, 4, 14}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fifth window mismatch (-want +got):\n%s", diff)
	}
	// First point is a full write (8 scalars); the fifth only appends 2.
	if got := s.StartOfFreeSegment(); got != 8+2 {
		t.Fatalf("start_of_free_segment = %d, want %d", got, 8+2)
	}
}

func TestRotatedShingleRoundTrip(t *testing.T) {
	s := newShingledStore(t, 3, true)
	var indices []int
	for i := 0; i < 7; i++ {
		idx, ok, err := s.Add([]float32{float32(i), float32(i) + 0.5}, uint64(i))
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		_ = idx
		if ok {
			indices = append(indices, idx)
		}
	}
	for w, idx := range indices {
		got, err := s.Get(idx)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		want := []float32{float32(w), float32(w) + 0.5, float32(w + 1), float32(w+1) + 0.5, float32(w + 2), float32(w+2) + 0.5}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rotated window %d mismatch (-want +got):\n%s", w, diff)
		}
	}
}

func TestRefCountLifecycle(t *testing.T) {
	s, err := New(Config{
		BaseDim: 2, ShingleSize: 1, IndexCapacity: 4, InitialCapacity: 4, Capacity: 4,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx, ok, err := s.Add([]float32{1, 2}, 0)
	if err != nil || !ok {
		t.Fatalf("Add: idx=%d ok=%v err=%v", idx, ok, err)
	}
	if rc, err := s.Inc(idx); err != nil || rc != 2 {
		t.Fatalf("Inc: rc=%d err=%v", rc, err)
	}
	if rc, err := s.Dec(idx); err != nil || rc != 1 {
		t.Fatalf("Dec: rc=%d err=%v", rc, err)
	}
	if rc, err := s.Dec(idx); err != nil || rc != 0 {
		t.Fatalf("Dec to zero: rc=%d err=%v", rc, err)
	}
	if _, err := s.Get(idx); err == nil {
		t.Fatal("Get on released index should error")
	}
	if _, err := s.Dec(idx); err == nil {
		t.Fatal("Dec on released index should error")
	}
}

func TestEqualsDetectsDuplicates(t *testing.T) {
	s, err := New(Config{BaseDim: 2, ShingleSize: 1, IndexCapacity: 4, InitialCapacity: 4, Capacity: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx, _, err := s.Add([]float32{0, 0}, 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	eq, err := s.Equals(idx, []float32{0, 0})
	if err != nil || !eq {
		t.Fatalf("Equals same value: eq=%v err=%v", eq, err)
	}
	eq, err = s.Equals(idx, []float32{0, 1})
	if err != nil || eq {
		t.Fatalf("Equals different value: eq=%v err=%v", eq, err)
	}
}

// TestCompactionPreservation matches spec.md §8 "Compaction preservation".
func TestCompactionPreservation(t *testing.T) {
	s := newShingledStore(t, 4, false)
	var indices []int
	for i := 0; i < 20; i++ {
		idx, ok, err := s.Add([]float32{float32(i), float32(i)}, uint64(i))
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if ok {
			indices = append(indices, idx)
		}
	}
	// Evict every other window before compacting.
	var kept []int
	for i, idx := range indices {
		if i%2 == 0 {
			if _, err := s.Dec(idx); err != nil {
				t.Fatalf("Dec: %v", err)
			}
			continue
		}
		kept = append(kept, idx)
	}

	before := make(map[int][]float32, len(kept))
	for _, idx := range kept {
		v, err := s.Get(idx)
		if err != nil {
			t.Fatalf("Get before compact: %v", err)
		}
		before[idx] = v
	}

	s.Compact()

	for _, idx := range kept {
		v, err := s.Get(idx)
		if err != nil {
			t.Fatalf("Get after compact: %v", err)
		}
		if diff := cmp.Diff(before[idx], v); diff != "" {
			t.Fatalf("index %d changed value after compaction (-before +after):\n%s", idx, diff)
		}
	}
	if got, want := s.StartOfFreeSegment(), s.LiveCount(); got <= 0 || want <= 0 {
		t.Fatalf("unexpected post-compaction state: start_free=%d live=%d", got, want)
	}
}

func TestCapacityExhaustedWithoutResize(t *testing.T) {
	s, err := New(Config{
		BaseDim: 2, ShingleSize: 1, IndexCapacity: 2, InitialCapacity: 1, Capacity: 1,
		DynamicResizeEnabled: false,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := s.Add([]float32{1, 1}, 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, _, err := s.Add([]float32{2, 2}, 1); err == nil {
		t.Fatal("expected CapacityExhausted on second Add")
	}
}

func TestDimensionMismatch(t *testing.T) {
	s, err := New(Config{BaseDim: 3, ShingleSize: 1, IndexCapacity: 4, InitialCapacity: 4, Capacity: 4}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := s.Add([]float32{1, 2}, 0); err == nil {
		t.Fatal("expected DimensionMismatch error")
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{BaseDim: 2, ShingleSize: 1, InternalRotation: true, IndexCapacity: 1, InitialCapacity: 1, Capacity: 1}, nil)
	if err == nil {
		t.Fatal("expected ConfigurationError: rotation without internal shingling")
	}
}
