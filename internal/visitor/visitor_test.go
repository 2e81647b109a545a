package visitor

import (
	"math/rand"
	"testing"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/pointstore"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcftree"
)

func TestDiVectorCombineAndTotal(t *testing.T) {
	a := NewDiVector(2)
	a.Add(0, 3)
	a.Add(1, -2)
	b := NewDiVector(2)
	b.Add(0, -1)
	b.Add(1, 4)

	c := a.Combine(b)
	if c.High[0] != 3 || c.Low[0] != 1 {
		t.Fatalf("dim0: high=%f low=%f", c.High[0], c.Low[0])
	}
	if c.High[1] != 4 || c.Low[1] != 2 {
		t.Fatalf("dim1: high=%f low=%f", c.High[1], c.Low[1])
	}
	if total := c.Total(); total != 10 {
		t.Fatalf("Total() = %f, want 10", total)
	}
}

func TestStandardDeviationAccumulatorConverges(t *testing.T) {
	acc := NewStandardDeviationAccumulator(10, 1000, 0.1)
	rng := rand.New(rand.NewSource(1))
	if acc.Converged() {
		t.Fatal("should not converge with zero samples")
	}
	i := 0
	for ; i < 1000 && !acc.Converged(); i++ {
		acc.Accept(rng.NormFloat64())
	}
	if i >= 1000 {
		t.Fatal("accumulator never converged within maxValues")
	}
	if acc.Count() < 10 {
		t.Fatalf("converged before minValues: count=%d", acc.Count())
	}
}

func TestStandardDeviationAccumulatorHitsMaxValues(t *testing.T) {
	acc := NewStandardDeviationAccumulator(5, 20, 0)
	for i := 0; i < 20; i++ {
		acc.Accept(float64(i))
	}
	if !acc.Converged() {
		t.Fatal("should converge at maxValues regardless of precision")
	}
}

func buildScoringTree(t *testing.T) (*rcftree.Tree, *pointstore.Store) {
	t.Helper()
	s, err := pointstore.New(pointstore.Config{BaseDim: 2, ShingleSize: 1, IndexCapacity: 200, InitialCapacity: 200, Capacity: 200}, nil)
	if err != nil {
		t.Fatalf("pointstore.New: %v", err)
	}
	tr, err := rcftree.New(rcftree.Config{SampleSize: 100, BoundingBoxCacheFraction: 0.3, Seed: 42}, s)
	if err != nil {
		t.Fatalf("rcftree.New: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 80; i++ {
		tuple := []float32{float32(rng.NormFloat64()), float32(rng.NormFloat64())}
		idx, ok, err := s.Add(tuple, uint64(i))
		if err != nil || !ok {
			t.Fatalf("Add: %v", err)
		}
		if err := tr.Insert(idx, uint64(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return tr, s
}

// TestAnomalyScoreSanity is spec.md §8's "anomaly score sanity": a point
// far outside the training distribution scores higher than a point well
// within it.
func TestAnomalyScoreSanity(t *testing.T) {
	tr, _ := buildScoringTree(t)
	normalScore := Score(2, int64(tr.Size()), tr, []float64{0, 0}, false)
	outlierScore := Score(2, int64(tr.Size()), tr, []float64{50, 50}, false)
	if outlierScore <= normalScore {
		t.Fatalf("outlier score %f should exceed normal score %f", outlierScore, normalScore)
	}
}

func TestImputeVisitorFillsMissingDimension(t *testing.T) {
	tr, _ := buildScoringTree(t)
	query := []float64{0, 999} // dim 1 missing, placeholder value
	v := NewImputeVisitor(query, []int{1})
	result := tr.TraverseMulti(query, v).([]float64)
	if result[0] != 0 {
		t.Fatalf("known dimension should be unchanged, got %f", result[0])
	}
	if result[1] == 999 {
		t.Fatal("missing dimension should have been reconstructed")
	}
}

func TestExtrapolateAveragesPerTreeResults(t *testing.T) {
	out := Extrapolate([][]float64{{1, 2}, {3, 4}, {5, 0}})
	if out[0] != 3 || out[1] != 2 {
		t.Fatalf("Extrapolate = %v, want [3 2]", out)
	}
}
