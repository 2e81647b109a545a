package rcfprop

import (
	"testing"
	"time"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/pointstore"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcftree"
)

const testDim = 3

// buildTree runs inside ForAll1's worker goroutines, so it must report
// failure through its return value rather than a *testing.T: calling
// t.Fatal off the test goroutine aborts only that worker, not the test.
func buildTree(tuples [][]float32) (*rcftree.Tree, error) {
	store, err := pointstore.New(pointstore.Config{
		BaseDim: testDim, ShingleSize: 1,
		IndexCapacity: len(tuples) + 1, InitialCapacity: len(tuples) + 1, Capacity: len(tuples) + 1,
	}, nil)
	if err != nil {
		return nil, err
	}
	tree, err := rcftree.New(rcftree.Config{SampleSize: len(tuples) + 1, BoundingBoxCacheFraction: 0.4, Seed: 17}, store)
	if err != nil {
		return nil, err
	}
	for i, tuple := range tuples {
		idx, ok, err := store.Add(tuple, uint64(i))
		if err != nil || !ok {
			return nil, err
		}
		if err := tree.Insert(idx, uint64(i)); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// TestPropertyMassConservation drives spec.md §8's mass conservation
// property across many randomly generated update streams.
func TestPropertyMassConservation(t *testing.T) {
	gen := GenTupleStream(testDim, 40, 5.0)
	prop := func(tuples [][]float32) bool {
		if len(tuples) == 0 {
			return true
		}
		tree, err := buildTree(tuples)
		if err != nil {
			return false
		}
		return tree.VerifyInvariants() == nil
	}
	res := ForAll1(gen, ShrinkTupleStream(), prop, Options{Trials: 40, MaxShrinkTime: 2 * time.Second})
	if res.Failed {
		t.Fatalf("mass conservation failed: seed=%d shrunk=%v", res.Seed, res.ShrunkInput)
	}
}

// TestPropertyInsertDeleteInverse drives spec.md §8's insert/delete
// inverse property: deleting every inserted point returns an empty
// tree, for many randomly generated streams.
func TestPropertyInsertDeleteInverse(t *testing.T) {
	gen := GenTupleStream(testDim, 30, 5.0)
	prop := func(tuples [][]float32) bool {
		if len(tuples) == 0 {
			return true
		}
		store, err := pointstore.New(pointstore.Config{
			BaseDim: testDim, ShingleSize: 1,
			IndexCapacity: len(tuples) + 1, InitialCapacity: len(tuples) + 1, Capacity: len(tuples) + 1,
		}, nil)
		if err != nil {
			return false
		}
		tree, err := rcftree.New(rcftree.Config{SampleSize: len(tuples) + 1, Seed: 3}, store)
		if err != nil {
			return false
		}
		indices := make([]int, len(tuples))
		for i, tuple := range tuples {
			idx, ok, err := store.Add(tuple, uint64(i))
			if err != nil || !ok {
				return false
			}
			if err := tree.Insert(idx, uint64(i)); err != nil {
				return false
			}
			indices[i] = idx
		}
		for i, idx := range indices {
			if err := tree.Delete(idx, uint64(i)); err != nil {
				return false
			}
		}
		return tree.IsEmpty()
	}
	res := ForAll1(gen, ShrinkTupleStream(), prop, Options{Trials: 40, MaxShrinkTime: 2 * time.Second})
	if res.Failed {
		t.Fatalf("insert/delete inverse failed: seed=%d shrunk=%v", res.Seed, res.ShrunkInput)
	}
}
