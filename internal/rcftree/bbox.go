package rcftree

import "gonum.org/v1/gonum/floats"

// BoundingBox is the axis-aligned hull (min, max) of a set of points, plus
// its cached range_sum = sum(max[d]-min[d]). Arithmetic is kept in float64
// per spec.md §9 ("arithmetic for cuts and box ranges uses f64 internally
// where overflow of range sums is plausible in high D"), even though
// stored points are float32.
type BoundingBox struct {
	Min      []float64
	Max      []float64
	RangeSum float64
}

// newPointBox returns the degenerate box containing exactly one point.
func newPointBox(p []float64) BoundingBox {
	minv := make([]float64, len(p))
	maxv := make([]float64, len(p))
	copy(minv, p)
	copy(maxv, p)
	return BoundingBox{Min: minv, Max: maxv, RangeSum: 0}
}

// rangeSumOf is sum(max[d]-min[d]); the subtraction is elementwise
// (gonum/floats has no binary min/max over two slices), but the
// reduction itself goes through floats.Sum rather than a hand-rolled
// accumulator, per spec.md §9's numerically-stable range-sum note.
func rangeSumOf(min, max []float64) float64 {
	diff := make([]float64, len(min))
	for d := range min {
		diff[d] = max[d] - min[d]
	}
	return floats.Sum(diff)
}

// UnionWith returns the smallest box containing both b and o. Neither
// receiver is mutated (builder-style, per spec.md §3: "Boxes are
// immutable under union via a builder pattern").
func (b BoundingBox) UnionWith(o BoundingBox) BoundingBox {
	minv := make([]float64, len(b.Min))
	maxv := make([]float64, len(b.Max))
	for d := range b.Min {
		minv[d] = minFloat(b.Min[d], o.Min[d])
		maxv[d] = maxFloat(b.Max[d], o.Max[d])
	}
	return BoundingBox{Min: minv, Max: maxv, RangeSum: rangeSumOf(minv, maxv)}
}

// UnionPoint returns the smallest box containing b and the point p.
func (b BoundingBox) UnionPoint(p []float64) BoundingBox {
	minv := make([]float64, len(b.Min))
	maxv := make([]float64, len(b.Max))
	for d := range b.Min {
		minv[d] = minFloat(b.Min[d], p[d])
		maxv[d] = maxFloat(b.Max[d], p[d])
	}
	return BoundingBox{Min: minv, Max: maxv, RangeSum: rangeSumOf(minv, maxv)}
}

// Contains reports whether p lies within b, componentwise inclusive.
func (b BoundingBox) Contains(p []float64) bool {
	for d := range b.Min {
		if p[d] < b.Min[d] || p[d] > b.Max[d] {
			return false
		}
	}
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
