// Package visitor provides the concrete rcftree.Visitor and
// rcftree.MultiVisitor implementations the forest coordinator uses to
// score, impute, and extrapolate: attribution-by-axis scoring, a
// converging standard-deviation accumulator, and the DiVector type they
// share, per spec.md §4.4 and §6.1.
package visitor

// DiVector holds a pair of per-dimension accumulators, "high" and "low",
// the directional split spec.md §6.1 requires for attribution: how much
// of a point's anomalousness in each dimension comes from it being
// higher than expected versus lower.
type DiVector struct {
	High []float64
	Low  []float64
}

// NewDiVector returns a zeroed DiVector of the given dimensionality.
func NewDiVector(dim int) DiVector {
	return DiVector{High: make([]float64, dim), Low: make([]float64, dim)}
}

// Add accumulates delta into dimension d's high or low side depending on
// its sign.
func (v DiVector) Add(d int, delta float64) {
	if delta >= 0 {
		v.High[d] += delta
	} else {
		v.Low[d] += -delta
	}
}

// Combine returns a new DiVector summing v and o elementwise.
func (v DiVector) Combine(o DiVector) DiVector {
	out := NewDiVector(len(v.High))
	for d := range v.High {
		out.High[d] = v.High[d] + o.High[d]
		out.Low[d] = v.Low[d] + o.Low[d]
	}
	return out
}

// HighLowSums returns (sum of all High, sum of all Low) across every
// dimension.
func (v DiVector) HighLowSums() (high, low float64) {
	for d := range v.High {
		high += v.High[d]
		low += v.Low[d]
	}
	return high, low
}

// Total returns the scalar anomaly contribution: the sum of both sides
// across every dimension.
func (v DiVector) Total() float64 {
	high, low := v.HighLowSums()
	return high + low
}
