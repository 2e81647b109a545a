package visitor

import "github.com/aws/random-cut-forest-by-aws-sub006/internal/rcftree"

// AttributionVisitor computes per-dimension CoDisp (collusive
// displacement) contributions along a single root-to-leaf path: at each
// ancestor, the fraction of mass on the branch not taken is scored as
// "how much the query would have displaced the tree's density had it
// landed here", and attributed to the node's cut dimension on the side
// the query fell on.
//
// Grounded on spec.md §6.1's attribution visitor and §4.4's scoring
// description; this is the reference implementation forest.Score and
// forest.Attribution build on.
type AttributionVisitor struct {
	treeMass   int64
	ignoreLeaf bool

	acc     DiVector
	leaf    rcftree.LeafView
	done    bool
}

// NewAttributionVisitor constructs an AttributionVisitor. treeMass is
// recorded as the tree's size at traversal time (callers pass tr.Size(),
// which counts distinct leaves, not duplicates); scoring does not read
// it. ignoreLeafMass excludes the terminal leaf's own mass
// from scoring (used when scoring a point that is itself in the
// sample, per spec.md §4.4's self-scoring exclusion).
func NewAttributionVisitor(dim int, treeMass int64, ignoreLeafMass bool) *AttributionVisitor {
	return &AttributionVisitor{
		treeMass:   treeMass,
		ignoreLeaf: ignoreLeafMass,
		acc:        NewDiVector(dim),
	}
}

func (v *AttributionVisitor) VisitLeaf(leaf rcftree.LeafView) {
	v.leaf = leaf
}

func (v *AttributionVisitor) Visit(node rcftree.NodeView, depthFromLeaf int) {
	mass := node.Mass
	if v.ignoreLeaf {
		mass -= v.leaf.Mass
	}
	if mass <= 0 || node.SiblingMass <= 0 {
		return
	}
	// Probability mass would have separated at this depth: proportional
	// to the branch not taken, attenuated by depth so shallow cuts (more
	// isolating) dominate.
	contribution := float64(node.SiblingMass) / float64(mass+node.SiblingMass) / float64(depthFromLeaf)

	sign := 1.0
	if node.QueryOnLeftSide {
		// Query is on the low side of the cut: being an outlier here
		// means the query's value is unexpectedly low relative to the
		// branch it avoided.
		sign = -1.0
	}
	v.acc.Add(node.CutDimension, sign*contribution)
}

func (v *AttributionVisitor) Converged() bool { return v.done }

func (v *AttributionVisitor) Result() any { return v.acc }

// Score is a convenience wrapper returning the scalar CoDisp score
// (spec.md §4.4's anomaly score) instead of the full DiVector.
func Score(dim int, treeMass int64, tr *rcftree.Tree, query []float64, ignoreLeafMass bool) float64 {
	av := NewAttributionVisitor(dim, treeMass, ignoreLeafMass)
	result := tr.Traverse(query, av)
	return result.(DiVector).Total()
}
