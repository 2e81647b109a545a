package rcftree

// LeafView is the read-only view of a leaf handed to a Visitor.
type LeafView struct {
	PointIndex      int
	Point           []float64
	Mass            int64
	SequenceIndexes []uint64
}

// NodeView is the read-only view of an internal node handed to a
// Visitor while ascending (or descending, for MultiVisitor) the tree.
type NodeView struct {
	Mass         int64
	Box          BoundingBox
	CutDimension int
	CutValue     float64
	// SiblingMass and QueryOnLeftSide are only meaningful during a
	// single-path Traverse: the mass of the branch NOT taken toward the
	// query's leaf, and which side the query fell on at this node.
	SiblingMass     int64
	QueryOnLeftSide bool
}

// Visitor implements a single root-to-leaf traversal, per spec.md §4.3.
// Visit is called once per ancestor, leaf-to-root order, starting
// immediately after VisitLeaf.
type Visitor interface {
	VisitLeaf(leaf LeafView)
	Visit(node NodeView, depthFromLeaf int)
	Converged() bool
	Result() any
}

// MultiVisitor additionally decides, at each node on the way down,
// whether to fan out into both children (Trigger) and how to recombine
// the two resulting visitors (Combine), per spec.md §4.3's
// traverse_multi.
type MultiVisitor interface {
	Visitor
	Trigger(node NodeView) bool
	Combine(other MultiVisitor) MultiVisitor
	Clone() MultiVisitor
}

func (t *Tree) leafView(h int32) LeafView {
	slot := t.leafSlot(h)
	return LeafView{
		PointIndex:      int(t.leafPointIndex[slot]),
		Point:           t.leafPoint[slot],
		Mass:            t.leafMass[slot],
		SequenceIndexes: t.leafSeqs[slot],
	}
}

func (t *Tree) nodeView(h int32) NodeView {
	return NodeView{
		Mass:         t.internalMass[h],
		Box:          t.boxOf(h),
		CutDimension: int(t.cutDim[h]),
		CutValue:     t.cutValue[h],
	}
}

// nodeViewOnPath is nodeView enriched with which side query took at h
// and the mass of the branch it did not take, for attribution scoring.
func (t *Tree) nodeViewOnPath(h int32, query []float64) NodeView {
	nv := t.nodeView(h)
	onLeft := query[t.cutDim[h]] <= t.cutValue[h]
	nv.QueryOnLeftSide = onLeft
	if onLeft {
		nv.SiblingMass = t.massOf(t.right[h])
	} else {
		nv.SiblingMass = t.massOf(t.left[h])
	}
	return nv
}

// Traverse walks the single root-to-leaf path that query would take on
// insert, feeding v leaf-first then each ancestor in turn, stopping
// early if v reports convergence.
func (t *Tree) Traverse(query []float64, v Visitor) any {
	if t.IsEmpty() {
		return v.Result()
	}

	path := make([]int32, 0, 32)
	cur := t.root
	for !t.isLeaf(cur) {
		path = append(path, cur)
		if query[t.cutDim[cur]] <= t.cutValue[cur] {
			cur = t.left[cur]
		} else {
			cur = t.right[cur]
		}
	}

	v.VisitLeaf(t.leafView(cur))
	for i := len(path) - 1; i >= 0; i-- {
		if v.Converged() {
			break
		}
		v.Visit(t.nodeViewOnPath(path[i], query), len(path)-i)
	}
	return v.Result()
}

// TraverseMulti walks the tree top-down, letting v decide at each
// internal node whether to explore one child (guided by the node's own
// cut) or both (Trigger), recombining fanned-out branches with Combine.
func (t *Tree) TraverseMulti(query []float64, v MultiVisitor) any {
	if t.IsEmpty() {
		return v.Result()
	}
	result := t.traverseMultiNode(t.root, query, v, 0)
	return result.Result()
}

func (t *Tree) traverseMultiNode(h int32, query []float64, v MultiVisitor, depth int) MultiVisitor {
	if t.isLeaf(h) {
		v.VisitLeaf(t.leafView(h))
		return v
	}

	nv := t.nodeView(h)
	if v.Trigger(nv) {
		leftV := t.traverseMultiNode(t.left[h], query, v.Clone(), depth+1)
		rightV := t.traverseMultiNode(t.right[h], query, v, depth+1)
		merged := leftV.Combine(rightV)
		merged.Visit(nv, 1)
		return merged
	}

	var next int32
	if query[t.cutDim[h]] <= t.cutValue[h] {
		next = t.left[h]
	} else {
		next = t.right[h]
	}
	res := t.traverseMultiNode(next, query, v, depth+1)
	if !res.Converged() {
		res.Visit(nv, 1)
	}
	return res
}
