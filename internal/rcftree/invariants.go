package rcftree

import "github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"

// VerifyInvariants walks the whole tree checking spec.md §8's
// structural properties: every internal node's mass equals the sum of
// its subtree's masses, and every node's bounding box contains both of
// its children's boxes. It is exported for property-based tests
// (internal/rcfprop) to drive against arbitrary update sequences; the
// forest coordinator does not call it on the hot path.
func (t *Tree) VerifyInvariants() error {
	if t.IsEmpty() {
		return nil
	}
	_, _, err := t.verify(t.root)
	return err
}

func (t *Tree) verify(h int32) (int64, BoundingBox, error) {
	if t.isLeaf(h) {
		return t.leafMass[t.leafSlot(h)], t.boxOf(h), nil
	}
	leftMass, leftBox, err := t.verify(t.left[h])
	if err != nil {
		return 0, BoundingBox{}, err
	}
	rightMass, rightBox, err := t.verify(t.right[h])
	if err != nil {
		return 0, BoundingBox{}, err
	}
	wantMass := leftMass + rightMass
	if t.internalMass[h] != wantMass {
		return 0, BoundingBox{}, rcferrors.InvariantViolation("rcftree", "mass mismatch at internal node")
	}
	box := t.boxOf(h)
	for d := range box.Min {
		if leftBox.Min[d] < box.Min[d] || leftBox.Max[d] > box.Max[d] {
			return 0, BoundingBox{}, rcferrors.InvariantViolation("rcftree", "left child box not contained")
		}
		if rightBox.Min[d] < box.Min[d] || rightBox.Max[d] > box.Max[d] {
			return 0, BoundingBox{}, rcferrors.InvariantViolation("rcftree", "right child box not contained")
		}
	}
	return wantMass, box, nil
}
