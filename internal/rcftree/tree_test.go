package rcftree

import (
	"math/rand"
	"testing"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/pointstore"
)

func newTestStore(t *testing.T, dim, capacity int) *pointstore.Store {
	t.Helper()
	s, err := pointstore.New(pointstore.Config{
		BaseDim:         dim,
		ShingleSize:     1,
		IndexCapacity:   capacity,
		InitialCapacity: capacity,
		Capacity:        capacity,
	}, nil)
	if err != nil {
		t.Fatalf("pointstore.New: %v", err)
	}
	return s
}

func newTestTree(t *testing.T, store *pointstore.Store, sampleSize int, seed int64) *Tree {
	t.Helper()
	tr, err := New(Config{SampleSize: sampleSize, BoundingBoxCacheFraction: 0.5, Seed: seed}, store)
	if err != nil {
		t.Fatalf("rcftree.New: %v", err)
	}
	return tr
}

func mustAdd(t *testing.T, s *pointstore.Store, tuple []float32, seq uint64) int {
	t.Helper()
	idx, ok, err := s.Add(tuple, seq)
	if err != nil || !ok {
		t.Fatalf("Add(%v): idx=%d ok=%v err=%v", tuple, idx, ok, err)
	}
	return idx
}

func TestInsertFirstPointBecomesRoot(t *testing.T) {
	s := newTestStore(t, 2, 16)
	tr := newTestTree(t, s, 16, 1)
	idx := mustAdd(t, s, []float32{1, 2}, 0)
	if err := tr.Insert(idx, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if tr.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", tr.Size())
	}
	if !tr.isLeaf(tr.root) {
		t.Fatal("single-point tree's root should be a leaf")
	}
}

func TestDuplicateInsertIncrementsMassNoNewNode(t *testing.T) {
	s := newTestStore(t, 2, 16)
	tr := newTestTree(t, s, 16, 2)
	idx1 := mustAdd(t, s, []float32{5, 5}, 0)
	if err := tr.Insert(idx1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	idx2 := mustAdd(t, s, []float32{5, 5}, 1)
	if err := tr.Insert(idx2, 1); err != nil {
		t.Fatalf("Insert dup: %v", err)
	}
	if tr.Size() != 1 {
		t.Fatalf("duplicate insert should not create a second leaf, Size()=%d", tr.Size())
	}
	slot := tr.leafSlot(tr.root)
	if tr.leafMass[slot] != 2 {
		t.Fatalf("leaf mass = %d, want 2", tr.leafMass[slot])
	}
}

// TestMassConservation is spec.md §8's property: every internal node's
// mass equals the sum of masses in its subtree.
func TestMassConservation(t *testing.T) {
	s := newTestStore(t, 3, 128)
	tr := newTestTree(t, s, 64, 7)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		tuple := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		idx := mustAdd(t, s, tuple, uint64(i))
		if err := tr.Insert(idx, uint64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	verifyMassConservation(t, tr, tr.root)
}

func verifyMassConservation(t *testing.T, tr *Tree, h int32) int64 {
	t.Helper()
	if tr.isLeaf(h) {
		return tr.leafMass[tr.leafSlot(h)]
	}
	left := verifyMassConservation(t, tr, tr.left[h])
	right := verifyMassConservation(t, tr, tr.right[h])
	want := left + right
	if tr.internalMass[h] != want {
		t.Fatalf("node %d mass = %d, want %d (left=%d right=%d)", h, tr.internalMass[h], want, left, right)
	}
	return want
}

// TestBoundingBoxContainment is spec.md §8's property: every node's box
// contains every point in its subtree.
func TestBoundingBoxContainment(t *testing.T) {
	s := newTestStore(t, 2, 128)
	tr := newTestTree(t, s, 64, 11)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 40; i++ {
		tuple := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		idx := mustAdd(t, s, tuple, uint64(i))
		if err := tr.Insert(idx, uint64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	verifyBoxContainment(t, tr, tr.root)
}

func verifyBoxContainment(t *testing.T, tr *Tree, h int32) BoundingBox {
	t.Helper()
	box := tr.boxOf(h)
	if tr.isLeaf(h) {
		return box
	}
	leftBox := verifyBoxContainment(t, tr, tr.left[h])
	rightBox := verifyBoxContainment(t, tr, tr.right[h])
	for d := range box.Min {
		if leftBox.Min[d] < box.Min[d] || leftBox.Max[d] > box.Max[d] {
			t.Fatalf("node %d box does not contain left child's box on dim %d", h, d)
		}
		if rightBox.Min[d] < box.Min[d] || rightBox.Max[d] > box.Max[d] {
			t.Fatalf("node %d box does not contain right child's box on dim %d", h, d)
		}
	}
	return box
}

// TestInsertDeleteInverse is spec.md §8's property: deleting every point
// that was inserted returns the tree to empty.
func TestInsertDeleteInverse(t *testing.T) {
	s := newTestStore(t, 2, 128)
	tr := newTestTree(t, s, 64, 5)
	rng := rand.New(rand.NewSource(5))
	type inserted struct {
		idx int
		seq uint64
	}
	var all []inserted
	for i := 0; i < 30; i++ {
		tuple := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		idx := mustAdd(t, s, tuple, uint64(i))
		if err := tr.Insert(idx, uint64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		all = append(all, inserted{idx, uint64(i)})
	}
	for _, e := range all {
		if err := tr.Delete(e.idx, e.seq); err != nil {
			t.Fatalf("Delete(%d): %v", e.idx, err)
		}
	}
	if !tr.IsEmpty() {
		t.Fatalf("tree should be empty after deleting every inserted point, size=%d", tr.Size())
	}
}

func TestDeleteOnEmptyTreeIsInvariantViolation(t *testing.T) {
	s := newTestStore(t, 2, 4)
	tr := newTestTree(t, s, 4, 1)
	if err := tr.Delete(0, 0); err == nil {
		t.Fatal("expected InvariantViolation deleting from an empty tree")
	}
}

// TestTraversalDeterminism is spec.md §8's property: two trees built
// from the same seed and the same update sequence produce identical
// traversal results.
func TestTraversalDeterminism(t *testing.T) {
	build := func() *Tree {
		s := newTestStore(t, 2, 128)
		tr := newTestTree(t, s, 64, 99)
		rng := rand.New(rand.NewSource(123))
		for i := 0; i < 40; i++ {
			tuple := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64())}
			idx := mustAdd(t, s, tuple, uint64(i))
			if err := tr.Insert(idx, uint64(i)); err != nil {
				t.Fatalf("Insert(%d): %v", i, err)
			}
		}
		return tr
	}
	a, b := build(), build()

	query := []float64{0.3, -0.1}
	va := &massSumVisitor{}
	vb := &massSumVisitor{}
	ra := a.Traverse(query, va)
	rb := b.Traverse(query, vb)
	if ra != rb {
		t.Fatalf("traversal results differ across identically-seeded trees: %v vs %v", ra, rb)
	}
}

type massSumVisitor struct {
	sum int64
}

func (v *massSumVisitor) VisitLeaf(leaf LeafView)              { v.sum += leaf.Mass }
func (v *massSumVisitor) Visit(node NodeView, _ int)           { v.sum += node.Mass }
func (v *massSumVisitor) Converged() bool                      { return false }
func (v *massSumVisitor) Result() any                          { return v.sum }
