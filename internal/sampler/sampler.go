// Package sampler implements the per-tree time-decayed weighted reservoir.
// Each tree in a forest owns exactly one Sampler; it turns a stream of
// (point index, sequence index) pairs into a bounded max-heap of the
// lowest-weight entries ever presented, using the spec's canonical weight
// function (see Update).
package sampler

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"
)

// ResultKind classifies the outcome of one Update call.
type ResultKind int

const (
	// Rejected means the sampler state did not change.
	Rejected ResultKind = iota
	// AcceptedNew means the point entered a non-full sampler; nothing
	// was evicted.
	AcceptedNew
	// AcceptedReplacing means the point replaced the current
	// max-weight heap root.
	AcceptedReplacing
)

func (k ResultKind) String() string {
	switch k {
	case Rejected:
		return "Rejected"
	case AcceptedNew:
		return "AcceptedNew"
	case AcceptedReplacing:
		return "AcceptedReplacing"
	default:
		return "Unknown"
	}
}

// AcceptResult is the outcome of a sampler Update call.
type AcceptResult struct {
	Kind        ResultKind
	Evicted     int    // valid only when Kind == AcceptedReplacing
	EvictedSeq  uint64 // sequence index the evicted entry was inserted under
}

// Entry is one (weight, point index, sequence index) heap slot.
type Entry struct {
	Weight     float64
	PointIndex int
	SeqIndex   uint64
}

// Config configures a Sampler.
type Config struct {
	// SampleSize is the reservoir capacity.
	SampleSize int
	// TimeDecay is lambda in the weight function.
	TimeDecay float64
	// InitialAcceptFraction gates admission while the reservoir is not
	// yet full, so early points are not unconditionally accepted.
	InitialAcceptFraction float64
}

func (c Config) validate() error {
	if c.SampleSize <= 0 {
		return rcferrors.Configuration("sampler: sample size must be positive, got %d", c.SampleSize)
	}
	if c.TimeDecay < 0 {
		return rcferrors.Configuration("sampler: time decay must be non-negative, got %f", c.TimeDecay)
	}
	if c.InitialAcceptFraction <= 0 || c.InitialAcceptFraction > 1 {
		return rcferrors.Configuration("sampler: initial accept fraction must be in (0,1], got %f", c.InitialAcceptFraction)
	}
	return nil
}

// Sampler is the bounded, time-decayed weighted reservoir for one tree.
// Not safe for concurrent use; the forest coordinator guarantees a single
// tree (and therefore a single sampler) is only ever touched from one
// goroutine at a time.
type Sampler struct {
	cfg     Config
	entries entryHeap
}

// New constructs a Sampler.
func New(cfg Config) (*Sampler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sampler{cfg: cfg, entries: make(entryHeap, 0, cfg.SampleSize)}, nil
}

// Update presents one (point index, sequence index) pair to the sampler,
// drawing randomness from rng, a PRNG the caller keeps for this sampler
// (the forest derives one per tree from its own seed), so determinism is
// governed entirely by that seed.
//
// Weight function, per spec.md §4.2: draw u uniform in (0,1], return
//
//	w = log(u) * exp(-lambda*s) - lambda*s
func (s *Sampler) Update(pointIndex int, seq uint64, rng *rand.Rand) AcceptResult {
	weight := s.weight(seq, rng)

	if len(s.entries) < s.cfg.SampleSize {
		if rng.Float64() >= s.cfg.InitialAcceptFraction {
			return AcceptResult{Kind: Rejected}
		}
		heap.Push(&s.entries, Entry{Weight: weight, PointIndex: pointIndex, SeqIndex: seq})
		return AcceptResult{Kind: AcceptedNew}
	}

	root := s.entries[0]
	if weight < root.Weight || (weight == root.Weight && seq < root.SeqIndex) {
		evicted := heap.Pop(&s.entries).(Entry)
		heap.Push(&s.entries, Entry{Weight: weight, PointIndex: pointIndex, SeqIndex: seq})
		return AcceptResult{Kind: AcceptedReplacing, Evicted: evicted.PointIndex, EvictedSeq: evicted.SeqIndex}
	}
	return AcceptResult{Kind: Rejected}
}

func (s *Sampler) weight(seq uint64, rng *rand.Rand) float64 {
	// rng.Float64() is in [0,1); flip to (0,1] so log never diverges.
	u := 1 - rng.Float64()
	decay := math.Exp(-s.cfg.TimeDecay * float64(seq))
	return math.Log(u)*decay - s.cfg.TimeDecay*float64(seq)
}

// Size returns the current number of reservoir entries.
func (s *Sampler) Size() int { return len(s.entries) }

// Full reports whether the reservoir has reached SampleSize entries.
func (s *Sampler) Full() bool { return len(s.entries) >= s.cfg.SampleSize }

// Entries returns a snapshot of the current reservoir contents, in
// unspecified order.
func (s *Sampler) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// entryHeap is a max-heap on Weight: container/heap.Pop always yields the
// entry with the greatest weight, i.e. the next eviction candidate.
type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Weight != h[j].Weight {
		return h[i].Weight > h[j].Weight
	}
	return h[i].SeqIndex > h[j].SeqIndex
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(Entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
