package visitor

import "math"

// StandardDeviationAccumulator is a converging accumulator over
// per-tree scores: the forest coordinator feeds it one float64 per tree
// as results arrive, and stops dispatching to further trees once the
// running estimate's confidence interval is tight enough, per spec.md
// §4.4's convergence semantics.
type StandardDeviationAccumulator struct {
	minValues      int
	maxValues      int
	precision      float64 // target bound on the standard error of the mean, in score units
	count          int
	mean           float64
	m2             float64 // Welford's running sum of squared deviations
}

// NewStandardDeviationAccumulator constructs an accumulator that never
// reports convergence before minValues scores have arrived, always
// reports convergence at maxValues, and in between converges once the
// running standard error of the mean is at most precision (a precision
// <= 0 never converges before maxValues).
func NewStandardDeviationAccumulator(minValues, maxValues int, precision float64) *StandardDeviationAccumulator {
	if minValues < 1 {
		minValues = 1
	}
	if maxValues < minValues {
		maxValues = minValues
	}
	return &StandardDeviationAccumulator{minValues: minValues, maxValues: maxValues, precision: precision}
}

// Accept folds one more score into the running mean/variance (Welford's
// online algorithm, avoiding a second pass over stored samples).
func (a *StandardDeviationAccumulator) Accept(value float64) {
	a.count++
	delta := value - a.mean
	a.mean += delta / float64(a.count)
	delta2 := value - a.mean
	a.m2 += delta * delta2
}

// Converged reports whether enough scores have been seen that the
// standard error of the mean is within precision, or the hard cap
// maxValues has been reached.
func (a *StandardDeviationAccumulator) Converged() bool {
	if a.count >= a.maxValues {
		return true
	}
	if a.count < a.minValues {
		return false
	}
	if a.precision <= 0 {
		return false
	}
	stderr := a.stddev() / math.Sqrt(float64(a.count))
	return stderr <= a.precision
}

func (a *StandardDeviationAccumulator) stddev() float64 {
	if a.count < 2 {
		return 0
	}
	return math.Sqrt(a.m2 / float64(a.count-1))
}

// Mean returns the running mean of accepted scores.
func (a *StandardDeviationAccumulator) Mean() float64 { return a.mean }

// Count returns the number of scores accepted so far.
func (a *StandardDeviationAccumulator) Count() int { return a.count }

// Combine implements the forest package's Accumulator interface:
// result must be a float64 per-tree score, as produced by a scoring
// Visitor's Result().
func (a *StandardDeviationAccumulator) Combine(result any) {
	a.Accept(result.(float64))
}

// Result implements the forest package's Accumulator interface.
func (a *StandardDeviationAccumulator) Result() any { return a.Mean() }
