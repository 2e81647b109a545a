// Package rcftree implements the Compact Random Cut Tree: a single
// randomized space-partitioning tree over a bounded set of points drawn
// from a shared point store. It is "compact" in the sense of
// internal/allocator's arena allocator (from which this package borrows
// its index-handle discipline): nodes live in parallel column arrays
// indexed by small integer handles, never as individually heap-allocated
// structs linked by pointers.
package rcftree

import (
	"math/rand"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/pointstore"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"
)

const emptyHandle int32 = -1

// Config configures a Tree.
type Config struct {
	// SampleSize bounds the number of leaves (and therefore internal
	// nodes, capacity-1 of them) the tree can ever hold.
	SampleSize int
	// BoundingBoxCacheFraction in [0,1] is the fraction of internal
	// nodes, chosen at creation time, that retain a materialized
	// bounding box rather than recomputing it on demand from children.
	BoundingBoxCacheFraction float64
	// CenterOfMassEnabled tracks a running sum of member points per
	// internal node, exposed via RootCenterOfMass for full-forecast
	// imputation (forest.Impute, when every dimension is missing).
	CenterOfMassEnabled bool
	// Seed drives this tree's private PRNG. Two trees built with the
	// same seed and fed the same update sequence produce identical
	// structure (spec.md §8 "Traversal determinism").
	Seed int64
}

func (c Config) validate() error {
	if c.SampleSize <= 0 {
		return rcferrors.Configuration("rcftree: sample size must be positive, got %d", c.SampleSize)
	}
	if c.BoundingBoxCacheFraction < 0 || c.BoundingBoxCacheFraction > 1 {
		return rcferrors.Configuration("rcftree: bounding box cache fraction must be in [0,1], got %f", c.BoundingBoxCacheFraction)
	}
	return nil
}

// Tree is a single Compact Random Cut Tree. Not safe for concurrent use;
// the forest coordinator gives each tree to exactly one goroutine at a
// time (spec.md §4.4's single-writer-per-tree discipline).
type Tree struct {
	cfg        Config
	rng        *rand.Rand
	dim        int
	store      *pointstore.Store
	internalN  *slotStack
	leafN      *slotStack
	root       int32
	liveLeaves int

	// Internal-node columns, indexed by internal handle [0, SampleSize-1).
	cutDim       []int32
	cutValue     []float64
	left         []int32
	right        []int32
	parent       []int32
	internalMass []int64
	cachedMask   []bool
	boxMin       [][]float64
	boxMax       [][]float64
	comSum       [][]float64 // center-of-mass running sum, nil unless enabled

	// Leaf columns, indexed by leafSlot = handle - internalCap.
	leafPointIndex []int32
	leafPoint      [][]float64
	leafMass       []int64
	leafSeqs       [][]uint64
	leafParent     []int32
}

// New constructs an empty Tree over store, whose Dim() fixes the point
// dimensionality this tree operates on.
func New(cfg Config, store *pointstore.Store) (*Tree, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	internalCap := cfg.SampleSize - 1
	if internalCap < 0 {
		internalCap = 0
	}
	t := &Tree{
		cfg:            cfg,
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		dim:            store.Dim(),
		store:          store,
		internalN:      newSlotStack(internalCap),
		leafN:          newSlotStack(cfg.SampleSize),
		root:           emptyHandle,
		cutDim:         make([]int32, internalCap),
		cutValue:       make([]float64, internalCap),
		left:           make([]int32, internalCap),
		right:          make([]int32, internalCap),
		parent:         make([]int32, internalCap),
		internalMass:   make([]int64, internalCap),
		cachedMask:     make([]bool, internalCap),
		boxMin:         make([][]float64, internalCap),
		boxMax:         make([][]float64, internalCap),
		leafPointIndex: make([]int32, cfg.SampleSize),
		leafPoint:      make([][]float64, cfg.SampleSize),
		leafMass:       make([]int64, cfg.SampleSize),
		leafSeqs:       make([][]uint64, cfg.SampleSize),
		leafParent:     make([]int32, cfg.SampleSize),
	}
	if cfg.CenterOfMassEnabled {
		t.comSum = make([][]float64, internalCap)
	}
	return t, nil
}

func (t *Tree) internalCap() int32 { return int32(cap(t.cutDim)) }
func (t *Tree) isLeaf(h int32) bool { return h >= t.internalCap() }
func (t *Tree) leafSlot(h int32) int32 { return h - t.internalCap() }
func (t *Tree) leafHandle(slot int32) int32 { return t.internalCap() + slot }

// Size returns the number of live leaves (distinct points, not duplicate
// multiplicity).
func (t *Tree) Size() int { return t.liveLeaves }

// IsEmpty reports whether the tree holds no points.
func (t *Tree) IsEmpty() bool { return t.root == emptyHandle }

func (t *Tree) massOf(h int32) int64 {
	if h == emptyHandle {
		return 0
	}
	if t.isLeaf(h) {
		return t.leafMass[t.leafSlot(h)]
	}
	return t.internalMass[h]
}

func (t *Tree) parentOf(h int32) int32 {
	if t.isLeaf(h) {
		return t.leafParent[t.leafSlot(h)]
	}
	return t.parent[h]
}

func (t *Tree) setParentOf(h, p int32) {
	if t.isLeaf(h) {
		t.leafParent[t.leafSlot(h)] = p
	} else {
		t.parent[h] = p
	}
}

// boxOf returns h's bounding box, from cache if materialized, otherwise
// recomputed (uncached) by unioning children recursively. Leaves are
// degenerate single-point boxes.
func (t *Tree) boxOf(h int32) BoundingBox {
	if t.isLeaf(h) {
		return newPointBox(t.leafPoint[t.leafSlot(h)])
	}
	if t.cachedMask[h] {
		return BoundingBox{Min: t.boxMin[h], Max: t.boxMax[h], RangeSum: rangeSumOf(t.boxMin[h], t.boxMax[h])}
	}
	return t.boxOf(t.left[h]).UnionWith(t.boxOf(t.right[h]))
}

// refreshFrom recomputes mass (always) and cached bounding box (when
// cached) at h and every ancestor up to the root. Called after any
// structural or multiplicity change below h.
func (t *Tree) refreshFrom(h int32) {
	for h != emptyHandle {
		left, right := t.left[h], t.right[h]
		t.internalMass[h] = t.massOf(left) + t.massOf(right)
		if t.cachedMask[h] {
			b := t.boxOf(left).UnionWith(t.boxOf(right))
			t.boxMin[h] = b.Min
			t.boxMax[h] = b.Max
		}
		if t.comSum != nil {
			t.comSum[h] = sumVectors(t.comVectorOf(left), t.comVectorOf(right))
		}
		h = t.parent[h]
	}
}

// RootCenterOfMass returns the mass-weighted mean point over every leaf
// currently in the tree (comSum[root] / mass(root)), for callers that need
// a whole-point reconstruction with no anchoring known dimensions (a full
// forecast, rather than filling in a few missing coordinates). ok is false
// if the tree is empty or Config.CenterOfMassEnabled was not set.
func (t *Tree) RootCenterOfMass() (point []float64, ok bool) {
	if t.comSum == nil || t.IsEmpty() {
		return nil, false
	}
	mass := float64(t.massOf(t.root))
	sum := t.comVectorOf(t.root)
	out := make([]float64, len(sum))
	for d, v := range sum {
		out[d] = v / mass
	}
	return out, true
}

func (t *Tree) comVectorOf(h int32) []float64 {
	if t.isLeaf(h) {
		p := t.leafPoint[t.leafSlot(h)]
		mass := float64(t.leafMass[t.leafSlot(h)])
		out := make([]float64, len(p))
		for d, v := range p {
			out[d] = v * mass
		}
		return out
	}
	if t.comSum != nil {
		return t.comSum[h]
	}
	return sumVectors(t.comVectorOf(t.left[h]), t.comVectorOf(t.right[h]))
}

func sumVectors(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for d := range a {
		out[d] = a[d] + b[d]
	}
	return out
}

func float64SliceEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toFloat64(p []float32) []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		out[i] = float64(v)
	}
	return out
}

// Insert adds pointIndex (whose value is fetched from the shared point
// store) to the tree at sequence seq, per spec.md §4.3.
func (t *Tree) Insert(pointIndex int, seq uint64) error {
	raw, err := t.store.Get(pointIndex)
	if err != nil {
		return err
	}
	p := toFloat64(raw)

	if t.root == emptyHandle {
		h, ok := t.newLeaf(pointIndex, p, seq)
		if !ok {
			return rcferrors.CapacityExhausted(1, t.cfg.SampleSize)
		}
		t.root = h
		t.setParentOf(h, emptyHandle)
		t.liveLeaves = 1
		return nil
	}

	cur := t.root
	for {
		if t.isLeaf(cur) {
			slot := t.leafSlot(cur)
			// Compare against the leaf's own cached point, not a fresh
			// store lookup: a leaf's leafPointIndex is only the first of
			// possibly many store indices that collapsed into it, and
			// once the sampler evicts that particular index (while the
			// leaf survives on its other duplicates) the handle goes
			// dead or gets reused by an unrelated point. leafPoint never
			// goes stale the same way.
			if float64SliceEqual(t.leafPoint[slot], p) {
				t.leafMass[slot]++
				t.leafSeqs[slot] = append(t.leafSeqs[slot], seq)
				t.refreshFrom(t.leafParent[slot])
				return nil
			}
		}

		box := t.boxOf(cur)
		merged := box.UnionPoint(p)
		delta := merged.RangeSum - box.RangeSum

		var cutProb float64
		if merged.RangeSum > 0 {
			cutProb = delta / merged.RangeSum
		}
		if t.rng.Float64() < cutProb {
			return t.spliceCut(cur, box, merged, delta, pointIndex, p, seq)
		}

		if p[t.cutDim[cur]] <= t.cutValue[cur] {
			cur = t.left[cur]
		} else {
			cur = t.right[cur]
		}
	}
}

// spliceCut replaces cur with a new internal node carrying a fresh cut
// between cur's existing subtree and a new leaf for p, per spec.md §4.3:
// the cut dimension is chosen weighted by how much each axis's range
// extends merged beyond box (not by merged's full per-axis range), and
// the cut value is drawn uniformly from that axis's non-overlapping
// slab. This is the standard Robust Random Cut Forest construction and
// avoids degenerate zero-width slabs on axes p does not extend.
func (t *Tree) spliceCut(cur int32, box, merged BoundingBox, delta float64, pointIndex int, p []float64, seq uint64) error {
	dim := t.dim
	r := t.rng.Float64() * delta
	chosen := -1
	var cum float64
	for d := 0; d < dim; d++ {
		extLow := box.Min[d] - merged.Min[d]
		extHigh := merged.Max[d] - box.Max[d]
		ext := extLow + extHigh
		if ext <= 0 {
			continue
		}
		cum += ext
		chosen = d
		if r <= cum {
			break
		}
	}
	if chosen == -1 {
		return rcferrors.InvariantViolation("rcftree", "no extending dimension found for a positive cut delta")
	}

	var lo, hi float64
	if merged.Min[chosen] < box.Min[chosen] {
		lo, hi = merged.Min[chosen], box.Min[chosen]
	} else {
		lo, hi = box.Max[chosen], merged.Max[chosen]
	}
	cutValue := lo
	if hi > lo {
		cutValue = lo + t.rng.Float64()*(hi-lo)
	}

	leaf, ok := t.newLeaf(pointIndex, p, seq)
	if !ok {
		return rcferrors.CapacityExhausted(1, t.cfg.SampleSize)
	}
	h, ok := t.internalN.alloc()
	if !ok {
		return rcferrors.CapacityExhausted(1, t.cfg.SampleSize)
	}

	var newLeft, newRight int32
	if p[chosen] <= cutValue {
		newLeft, newRight = leaf, cur
	} else {
		newLeft, newRight = cur, leaf
	}

	oldParent := t.parentOf(cur)
	t.cutDim[h] = int32(chosen)
	t.cutValue[h] = cutValue
	t.left[h] = newLeft
	t.right[h] = newRight
	t.parent[h] = oldParent
	t.cachedMask[h] = t.rng.Float64() < t.cfg.BoundingBoxCacheFraction
	t.setParentOf(newLeft, h)
	t.setParentOf(newRight, h)

	if oldParent == emptyHandle {
		t.root = h
	} else if t.left[oldParent] == cur {
		t.left[oldParent] = h
	} else {
		t.right[oldParent] = h
	}

	t.refreshFrom(h)
	t.liveLeaves++
	return nil
}

func (t *Tree) newLeaf(pointIndex int, p []float64, seq uint64) (int32, bool) {
	slot, ok := t.leafN.alloc()
	if !ok {
		return 0, false
	}
	t.leafPointIndex[slot] = int32(pointIndex)
	t.leafPoint[slot] = p
	t.leafMass[slot] = 1
	t.leafSeqs[slot] = []uint64{seq}
	return t.leafHandle(slot), true
}

// Delete removes one occurrence of pointIndex (sequence seq) from the
// tree, splicing out the leaf if its mass reaches zero, per spec.md
// §4.3. It does not touch the point store's reference count; that is
// the forest coordinator's responsibility.
func (t *Tree) Delete(pointIndex int, seq uint64) error {
	if t.root == emptyHandle {
		return rcferrors.InvariantViolation("rcftree", "delete on empty tree")
	}
	raw, err := t.store.Get(pointIndex)
	if err != nil {
		return err
	}
	p := toFloat64(raw)

	cur := t.root
	for !t.isLeaf(cur) {
		if p[t.cutDim[cur]] <= t.cutValue[cur] {
			cur = t.left[cur]
		} else {
			cur = t.right[cur]
		}
	}
	slot := t.leafSlot(cur)

	t.leafMass[slot]--
	removeSeq(&t.leafSeqs[slot], seq)
	if t.leafMass[slot] > 0 {
		t.refreshFrom(t.leafParent[slot])
		return nil
	}

	parentH := t.leafParent[slot]
	t.leafN.release(slot)
	t.liveLeaves--

	if parentH == emptyHandle {
		t.root = emptyHandle
		return nil
	}

	sibling := t.left[parentH]
	if sibling == cur {
		sibling = t.right[parentH]
	}
	grandparent := t.parent[parentH]
	t.internalN.release(parentH)
	t.setParentOf(sibling, grandparent)

	if grandparent == emptyHandle {
		t.root = sibling
	} else if t.left[grandparent] == parentH {
		t.left[grandparent] = sibling
	} else {
		t.right[grandparent] = sibling
	}

	if grandparent != emptyHandle {
		t.refreshFrom(grandparent)
	}
	return nil
}

func removeSeq(seqs *[]uint64, target uint64) {
	s := *seqs
	for i, v := range s {
		if v == target {
			*seqs = append(s[:i], s[i+1:]...)
			return
		}
	}
	if len(s) > 0 {
		*seqs = s[:len(s)-1]
	}
}
