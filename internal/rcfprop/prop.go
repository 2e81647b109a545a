// Package rcfprop is a property-based testing harness for the forest's
// structural invariants (mass conservation, bounding-box containment,
// insert/delete inverse, compaction preservation, and the rest of
// spec.md §8's testable properties): a seeded, parallel trial runner
// with shrinking on failure, adapted from
// internal/testrunner/prop's generic ForAll1 engine to operate over
// streams of forest updates instead of arbitrary Go values.
package rcfprop

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"runtime"
	"time"
)

// Generator produces a value of type T from a PRNG and a size hint.
type Generator[T any] func(r *rand.Rand, size int) T

// Shrinker produces candidate smaller values that aim to preserve a
// failure.
type Shrinker[T any] func(v T) []T

// Property1 is a unary property predicate.
type Property1[A any] func(a A) bool

// Options control property checking.
type Options struct {
	Trials          int
	Seed            int64
	Size            int
	Parallelism     int
	MaxShrinkRounds int
	MaxShrinkTime   time.Duration
}

// Result is the outcome of a property check.
type Result struct {
	PassedTrials int
	Failed       bool
	FailingInput any
	ShrunkInput  any
	Seed         int64
	Duration     time.Duration
	ShrinkRounds int
}

// ForAll1 checks a unary property with the provided generator and
// optional shrinker, running trials across a worker pool with
// per-trial deterministic seeds derived from Options.Seed.
func ForAll1[A any](genA Generator[A], shrinkA Shrinker[A], prop Property1[A], opts Options) Result {
	start := time.Now()
	if opts.Trials <= 0 {
		opts.Trials = 200
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Size <= 0 {
		opts.Size = 30
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
		if opts.Parallelism <= 0 {
			opts.Parallelism = 1
		}
	}
	if opts.MaxShrinkRounds <= 0 {
		opts.MaxShrinkRounds = 200
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type task struct{ idx int }
	type outcome struct {
		idx int
		a   A
		ok  bool
	}
	tasks := make(chan task)
	outs := make(chan outcome)

	for w := 0; w < opts.Parallelism; w++ {
		go func() {
			for t := range tasks {
				r := rand.New(rand.NewSource(deriveSeed(opts.Seed, t.idx)))
				a := genA(r, opts.Size)
				ok := prop(a)
				select {
				case outs <- outcome{idx: t.idx, a: a, ok: ok}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		for i := 0; i < opts.Trials; i++ {
			select {
			case tasks <- task{idx: i}:
			case <-ctx.Done():
				close(tasks)
				return
			}
		}
		close(tasks)
	}()

	var res Result
	res.Seed = opts.Seed
	for completed := 0; completed < opts.Trials; completed++ {
		o := <-outs
		if o.ok {
			res.PassedTrials++
			continue
		}
		res.Failed = true
		res.FailingInput = o.a
		cancel()
		if shrinkA != nil {
			res.ShrunkInput, res.ShrinkRounds = shrink(o.a, shrinkA, prop, opts)
		}
		break
	}
	res.Duration = time.Since(start)
	return res
}

func shrink[A any](failing A, shrinkA Shrinker[A], prop Property1[A], opts Options) (A, int) {
	var deadline time.Time
	if opts.MaxShrinkTime > 0 {
		deadline = time.Now().Add(opts.MaxShrinkTime)
	}
	best := failing
	rounds := 0
	for {
		if opts.MaxShrinkTime > 0 && time.Now().After(deadline) {
			break
		}
		if rounds >= opts.MaxShrinkRounds {
			break
		}
		candidates := shrinkA(best)
		if len(candidates) == 0 {
			break
		}
		progressed := false
		for _, c := range candidates {
			if !prop(c) {
				best = c
				progressed = true
				break
			}
		}
		rounds++
		if !progressed {
			break
		}
	}
	return best, rounds
}

// deriveSeed deterministically mixes base seed with trial index via
// SHA-256, so two runs with the same Options.Seed generate identical
// per-trial inputs regardless of worker scheduling.
func deriveSeed(base int64, idx int) int64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(base))
	binary.LittleEndian.PutUint64(b[8:16], uint64(idx))
	h := sha256.Sum256(b[:])
	return int64(binary.LittleEndian.Uint64(h[0:8]))
}
