package visitor

import (
	"math"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcftree"
)

// ImputeVisitor is a MultiVisitor that reconstructs a value for a
// partially missing query: it finds the leaf nearest to the query by
// Euclidean distance over the known dimensions (leaf mass is not
// considered) and reports the missing dimensions' values from that leaf,
// per spec.md §6.1's reference imputation visitor.
//
// Trigger has a branch-and-bound shape: it asks for both children when
// the node cuts on a missing dimension, or when the node's bounding box
// (restricted to known dimensions) is closer than the best leaf this
// visitor copy has found. Each copy reaches a leaf only at the end of its
// own descent, so during Tree.TraverseMulti that best distance is still
// infinite at every Trigger call: every subtree is explored, nothing is
// pruned, and the result is the exact nearest leaf.
type ImputeVisitor struct {
	query       []float64
	missingDims map[int]bool

	bestDist float64
	bestLeaf rcftree.LeafView
	found    bool
}

// NewImputeVisitor constructs an ImputeVisitor. query's entries at
// missingDims are ignored (placeholder values).
func NewImputeVisitor(query []float64, missingDims []int) *ImputeVisitor {
	m := make(map[int]bool, len(missingDims))
	for _, d := range missingDims {
		m[d] = true
	}
	return &ImputeVisitor{query: query, missingDims: m, bestDist: math.Inf(1)}
}

func (v *ImputeVisitor) knownDistanceToBox(box rcftree.BoundingBox) float64 {
	var sum float64
	for d := range v.query {
		if v.missingDims[d] {
			continue
		}
		q := v.query[d]
		if q < box.Min[d] {
			diff := box.Min[d] - q
			sum += diff * diff
		} else if q > box.Max[d] {
			diff := q - box.Max[d]
			sum += diff * diff
		}
	}
	return math.Sqrt(sum)
}

func (v *ImputeVisitor) knownDistanceToPoint(p []float64) float64 {
	var sum float64
	for d := range v.query {
		if v.missingDims[d] {
			continue
		}
		diff := v.query[d] - p[d]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func (v *ImputeVisitor) VisitLeaf(leaf rcftree.LeafView) {
	dist := v.knownDistanceToPoint(leaf.Point)
	if !v.found || dist < v.bestDist {
		v.found = true
		v.bestDist = dist
		v.bestLeaf = leaf
	}
}

func (v *ImputeVisitor) Visit(node rcftree.NodeView, depthFromLeaf int) {}

func (v *ImputeVisitor) Converged() bool { return false }

// Result returns the reconstructed point: query with every missing
// dimension replaced by the nearest leaf's value.
func (v *ImputeVisitor) Result() any {
	out := make([]float64, len(v.query))
	copy(out, v.query)
	if v.found {
		for d := range out {
			if v.missingDims[d] {
				out[d] = v.bestLeaf.Point[d]
			}
		}
	}
	return out
}

func (v *ImputeVisitor) Trigger(node rcftree.NodeView) bool {
	if v.missingDims[node.CutDimension] {
		return true
	}
	return v.knownDistanceToBox(node.Box) < v.bestDist
}

func (v *ImputeVisitor) Clone() rcftree.MultiVisitor {
	return &ImputeVisitor{query: v.query, missingDims: v.missingDims, bestDist: v.bestDist, bestLeaf: v.bestLeaf, found: v.found}
}

func (v *ImputeVisitor) Combine(other rcftree.MultiVisitor) rcftree.MultiVisitor {
	o := other.(*ImputeVisitor)
	if o.found && (!v.found || o.bestDist < v.bestDist) {
		return o
	}
	return v
}
