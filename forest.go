package rcf

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/pointstore"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcftree"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/sampler"
	"github.com/aws/random-cut-forest-by-aws-sub006/internal/visitor"
)

// Forest is a streaming Random Cut Forest: NumberOfTrees independent
// Compact Random Cut Trees, each with its own weighted reservoir sample,
// sharing one reference-counted point store. Forest is NOT safe for
// concurrent Update and query calls against each other; per spec.md
// §4.4 updates follow a single-writer
// discipline (serialize calls to Update yourself, e.g. behind a single
// ingest goroutine), while query methods may run concurrently with one
// another but not with an in-flight Update.
type Forest struct {
	cfg    Config
	logger *zap.Logger
	store  *pointstore.Store

	trees       []*rcftree.Tree
	samplers    []*sampler.Sampler
	samplerRNGs []*rand.Rand

	// acceptedCounts[i] is the number of points tree i has ever accepted
	// into its sample, monotonically increasing (mass collapse from
	// duplicate points does not reset it). Written from tree i's own
	// update goroutine only, so distinct elements never race; atomic
	// access is for the reader in IsOutputReady.
	acceptedCounts []uint64

	mu           sync.Mutex
	totalUpdates uint64
}

// NewForest constructs a Forest from defaults overridden by opts.
func NewForest(opts ...Option) (*Forest, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ParallelismLimit <= 0 {
		cfg.ParallelismLimit = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	psCapacity := cfg.PointStoreCapacity
	if psCapacity <= 0 {
		psCapacity = cfg.SampleSize * cfg.NumberOfTrees
	}
	initialCap := psCapacity / 4
	if initialCap < 1 {
		initialCap = 1
	}
	store, err := pointstore.New(pointstore.Config{
		BaseDim:              cfg.Dimensions,
		ShingleSize:          cfg.ShingleSize,
		InternalShingling:    cfg.InternalShinglingEnabled,
		InternalRotation:     cfg.InternalRotationEnabled,
		IndexCapacity:        psCapacity,
		InitialCapacity:      initialCap,
		Capacity:             psCapacity,
		DynamicResizeEnabled: true,
	}, logger)
	if err != nil {
		return nil, err
	}

	seedRNG := rand.New(rand.NewSource(cfg.Seed))
	f := &Forest{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		trees:          make([]*rcftree.Tree, cfg.NumberOfTrees),
		samplers:       make([]*sampler.Sampler, cfg.NumberOfTrees),
		samplerRNGs:    make([]*rand.Rand, cfg.NumberOfTrees),
		acceptedCounts: make([]uint64, cfg.NumberOfTrees),
	}
	for i := 0; i < cfg.NumberOfTrees; i++ {
		treeSeed := seedRNG.Int63()
		samplerSeed := seedRNG.Int63()

		tree, err := rcftree.New(rcftree.Config{
			SampleSize:               cfg.SampleSize,
			BoundingBoxCacheFraction: cfg.BoundingBoxCacheFraction,
			CenterOfMassEnabled:      cfg.CenterOfMassEnabled,
			Seed:                     treeSeed,
		}, store)
		if err != nil {
			return nil, err
		}
		s, err := sampler.New(sampler.Config{
			SampleSize:            cfg.SampleSize,
			TimeDecay:             cfg.TimeDecay,
			InitialAcceptFraction: cfg.InitialAcceptFraction,
		})
		if err != nil {
			return nil, err
		}
		f.trees[i] = tree
		f.samplers[i] = s
		f.samplerRNGs[i] = rand.New(rand.NewSource(samplerSeed))
	}
	return f, nil
}

// TotalUpdates returns the number of Update calls observed so far,
// including shingle-warmup calls that did not yet produce a point.
func (f *Forest) TotalUpdates() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalUpdates
}

// IsOutputReady reports whether every tree has accepted at least
// OutputAfter points, so that query results are meaningful; once true it
// stays true. This tracks each tree's own accepted-point
// count, not Forest.TotalUpdates: with internal shingling the two
// diverge during warmup, and duplicate-collapsing inserts that shrink a
// tree's live leaf count must not make an already-ready forest un-ready.
func (f *Forest) IsOutputReady() bool {
	threshold := uint64(f.cfg.OutputAfter)
	for i := range f.acceptedCounts {
		if atomic.LoadUint64(&f.acceptedCounts[i]) < threshold {
			return false
		}
	}
	return true
}

// Update ingests one raw tuple at sequence seq. If the point store is
// still mid-shingle-warmup, Update returns nil having done nothing
// else; otherwise it runs the new point through every tree's sampler,
// fanned out across a bounded worker pool (golang.org/x/sync/errgroup,
// grounded on internal/packagemanager/manager.go's fetch fan-out), each
// accepting tree inserting the point and each replacing tree deleting
// its evicted one.
func (f *Forest) Update(ctx context.Context, tuple []float64, seq uint64) error {
	tuple32 := make([]float32, len(tuple))
	for i, v := range tuple {
		tuple32[i] = float32(v)
	}

	f.mu.Lock()
	f.totalUpdates++
	f.mu.Unlock()

	idx, ok, err := f.store.Add(tuple32, seq)
	if err != nil {
		return err
	}
	if !ok {
		return nil // shingle warmup, not yet a complete point
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit := f.cfg.ParallelismLimit; limit > 0 {
		g.SetLimit(limit)
	}

	for i := range f.trees {
		i := i
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return f.updateOneTree(i, idx, seq)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Release the baseline reference Add() established; every tree that
	// accepted the point has already incremented it above.
	if _, err := f.store.Dec(idx); err != nil {
		return err
	}
	return nil
}

func (f *Forest) updateOneTree(i, idx int, seq uint64) error {
	res := f.samplers[i].Update(idx, seq, f.samplerRNGs[i])
	switch res.Kind {
	case sampler.Rejected:
		return nil
	case sampler.AcceptedNew:
		atomic.AddUint64(&f.acceptedCounts[i], 1)
		if _, err := f.store.Inc(idx); err != nil {
			return err
		}
		return f.trees[i].Insert(idx, seq)
	case sampler.AcceptedReplacing:
		atomic.AddUint64(&f.acceptedCounts[i], 1)
		if err := f.trees[i].Delete(res.Evicted, res.EvictedSeq); err != nil {
			return err
		}
		if _, err := f.store.Dec(res.Evicted); err != nil {
			return err
		}
		if _, err := f.store.Inc(idx); err != nil {
			return err
		}
		return f.trees[i].Insert(idx, seq)
	default:
		return rcferrors.InvariantViolation("rcf", "unknown sampler result kind")
	}
}

// Compact reclaims point store space freed by evictions. Not safe to
// call concurrently with Update.
func (f *Forest) Compact() { f.store.Compact() }

// shingledQuery folds a raw query tuple through the point store's
// shingling transform when internal shingling is enabled, so scoring
// and traversal queries use the same representation trees were built
// from.
func (f *Forest) shingledQuery(tuple []float64) ([]float64, error) {
	if !f.cfg.InternalShinglingEnabled {
		return tuple, nil
	}
	tuple32 := make([]float32, len(tuple))
	for i, v := range tuple {
		tuple32[i] = float32(v)
	}
	shingled, err := f.store.TransformToShingled(tuple32)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(shingled))
	for i, v := range shingled {
		out[i] = float64(v)
	}
	return out, nil
}

// Accumulator folds successive per-tree visitor results into a single
// aggregate. This is the external collaborator spec.md §4.4/§6 names
// for Forest.Traverse/TraverseMulti ("An accumulator that consumes
// per-tree visitor results").
type Accumulator interface {
	Combine(result any)
	Result() any
}

// ConvergingAccumulator additionally reports when enough per-tree
// witnesses have been folded in that Traverse/TraverseMulti may stop
// dispatching to the remaining trees, per spec.md §4.4's converging
// accumulator.
type ConvergingAccumulator interface {
	Accumulator
	Converged() bool
}

// Traverse is spec.md §6's forest.traverse: it runs factory(tree) as a
// single root-to-leaf rcftree.Visitor against every non-empty tree, in
// ensemble order, folding each tree's Result() into acc. If acc is a
// ConvergingAccumulator and reports convergence, remaining trees are
// skipped and the result is whatever acc has accumulated so far.
// Score and Attribution are reference uses of this primitive.
func (f *Forest) Traverse(ctx context.Context, query []float64, factory func(*rcftree.Tree) rcftree.Visitor, acc Accumulator) (any, error) {
	q, err := f.shingledQuery(query)
	if err != nil {
		return nil, err
	}
	return f.traverseShingled(ctx, q, factory, acc)
}

func (f *Forest) traverseShingled(ctx context.Context, q []float64, factory func(*rcftree.Tree) rcftree.Visitor, acc Accumulator) (any, error) {
	for _, tree := range f.trees {
		select {
		case <-ctx.Done():
			return acc.Result(), ctx.Err()
		default:
		}
		if tree.IsEmpty() {
			continue
		}
		acc.Combine(tree.Traverse(q, factory(tree)))
		if ca, ok := acc.(ConvergingAccumulator); ok && ca.Converged() {
			break
		}
	}
	return acc.Result(), nil
}

// TraverseMulti is spec.md §6's forest.traverse_multi: factory(tree)
// produces a fan-out rcftree.MultiVisitor, walked with
// Tree.TraverseMulti, and each tree's Result() is folded into acc the
// same way Traverse does. Impute is a reference use of this primitive.
func (f *Forest) TraverseMulti(ctx context.Context, query []float64, factory func(*rcftree.Tree) rcftree.MultiVisitor, acc Accumulator) (any, error) {
	q, err := f.shingledQuery(query)
	if err != nil {
		return nil, err
	}
	return f.traverseMultiShingled(ctx, q, factory, acc)
}

func (f *Forest) traverseMultiShingled(ctx context.Context, q []float64, factory func(*rcftree.Tree) rcftree.MultiVisitor, acc Accumulator) (any, error) {
	for _, tree := range f.trees {
		select {
		case <-ctx.Done():
			return acc.Result(), ctx.Err()
		default:
		}
		if tree.IsEmpty() {
			continue
		}
		acc.Combine(tree.TraverseMulti(q, factory(tree)))
		if ca, ok := acc.(ConvergingAccumulator); ok && ca.Converged() {
			break
		}
	}
	return acc.Result(), nil
}

// CollectAccumulator gathers every tree's traversal result in ensemble
// order, unaggregated, for callers (like Impute) that need each tree's
// value rather than a folded scalar or vector.
type CollectAccumulator struct {
	Results []any
}

// Combine appends result.
func (a *CollectAccumulator) Combine(result any) { a.Results = append(a.Results, result) }

// Result returns every combined result, in order.
func (a *CollectAccumulator) Result() any { return a.Results }

// scoreVisitor adapts an AttributionVisitor (whose Result() is a
// DiVector) to a scalar Visitor whose Result() is the DiVector's Total,
// so it can feed a StandardDeviationAccumulator through Traverse.
type scoreVisitor struct {
	*visitor.AttributionVisitor
}

func (v scoreVisitor) Result() any {
	return v.AttributionVisitor.Result().(visitor.DiVector).Total()
}

// diVectorAccumulator averages DiVector results across however many
// trees were visited, implementing Accumulator for Attribution.
type diVectorAccumulator struct {
	dim   int
	total visitor.DiVector
	count int
}

func newDiVectorAccumulator(dim int) *diVectorAccumulator {
	return &diVectorAccumulator{dim: dim, total: visitor.NewDiVector(dim)}
}

func (a *diVectorAccumulator) Combine(result any) {
	a.total = a.total.Combine(result.(visitor.DiVector))
	a.count++
}

func (a *diVectorAccumulator) Result() any {
	if a.count == 0 {
		return a.total
	}
	out := visitor.NewDiVector(a.dim)
	for d := 0; d < a.dim; d++ {
		out.High[d] = a.total.High[d] / float64(a.count)
		out.Low[d] = a.total.Low[d] / float64(a.count)
	}
	return out
}

// Score returns the ensemble's anomaly score for query: the mean
// per-tree CoDisp score, per spec.md §4.4. When
// ConvergingOutputEnabled is set, trees are evaluated sequentially
// through Traverse and stop early once the running mean's standard
// error is within ConvergencePrecision; otherwise every tree is scored
// in parallel, since a goroutine already dispatched cannot be
// un-started once a convergence flag flips (see DESIGN.md).
func (f *Forest) Score(ctx context.Context, query []float64) (float64, error) {
	q, err := f.shingledQuery(query)
	if err != nil {
		return 0, err
	}
	dim := f.store.Dim()

	if f.cfg.ConvergingOutputEnabled {
		acc := visitor.NewStandardDeviationAccumulator(f.cfg.ConvergenceMinTrees, f.cfg.ConvergenceMaxTrees, f.cfg.ConvergencePrecision)
		result, err := f.traverseShingled(ctx, q, func(tree *rcftree.Tree) rcftree.Visitor {
			return scoreVisitor{visitor.NewAttributionVisitor(dim, int64(tree.Size()), false)}
		}, acc)
		if err != nil {
			return acc.Mean(), err
		}
		return result.(float64), nil
	}

	scores := make([]float64, len(f.trees))
	g, gctx := errgroup.WithContext(ctx)
	if limit := f.cfg.ParallelismLimit; limit > 0 {
		g.SetLimit(limit)
	}
	for i, tree := range f.trees {
		i, tree := i, tree
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			scores[i] = f.scoreOneTree(tree, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), nil
}

func (f *Forest) scoreOneTree(tree *rcftree.Tree, query []float64) float64 {
	if tree.IsEmpty() {
		return 0
	}
	return visitor.Score(f.store.Dim(), int64(tree.Size()), tree, query, false)
}

// Attribution returns the ensemble-averaged per-dimension DiVector
// attribution for query, built on Traverse with a diVectorAccumulator.
func (f *Forest) Attribution(ctx context.Context, query []float64) (visitor.DiVector, error) {
	q, err := f.shingledQuery(query)
	if err != nil {
		return visitor.DiVector{}, err
	}
	dim := f.store.Dim()
	acc := newDiVectorAccumulator(dim)
	result, err := f.traverseShingled(ctx, q, func(tree *rcftree.Tree) rcftree.Visitor {
		return visitor.NewAttributionVisitor(dim, int64(tree.Size()), false)
	}, acc)
	if err != nil {
		return result.(visitor.DiVector), err
	}
	return result.(visitor.DiVector), nil
}

// Impute reconstructs the values at missingDims in query, by averaging
// each tree's independent nearest-leaf reconstruction, per spec.md
// §6.1's extrapolation helper. Built on TraverseMulti with a
// CollectAccumulator so every tree's reconstruction survives to feed
// visitor.Extrapolate.
//
// When every dimension is missing (a full short-horizon forecast rather
// than filling in a few known coordinates) a nearest-leaf search has no
// anchor to measure distance against, so it degenerates to whichever
// leaf the query's placeholder values happen to descend to. With
// CenterOfMassEnabled set, that case instead averages each tree's
// RootCenterOfMass: the mass-weighted mean of every live point, which is
// exactly what center-of-mass tracking exists for (tree.go's
// Config.CenterOfMassEnabled doc).
func (f *Forest) Impute(ctx context.Context, query []float64, missingDims []int) ([]float64, error) {
	q, err := f.shingledQuery(query)
	if err != nil {
		return nil, err
	}
	if f.cfg.CenterOfMassEnabled && len(missingDims) == len(q) {
		return f.extrapolateFromCenterOfMass(q)
	}

	acc := &CollectAccumulator{}
	if _, err := f.traverseMultiShingled(ctx, q, func(tree *rcftree.Tree) rcftree.MultiVisitor {
		return visitor.NewImputeVisitor(q, missingDims)
	}, acc); err != nil {
		return nil, err
	}
	perTree := make([][]float64, len(acc.Results))
	for i, r := range acc.Results {
		perTree[i] = r.([]float64)
	}
	return visitor.Extrapolate(perTree), nil
}

func (f *Forest) extrapolateFromCenterOfMass(q []float64) ([]float64, error) {
	var perTree [][]float64
	for _, tree := range f.trees {
		if com, ok := tree.RootCenterOfMass(); ok {
			perTree = append(perTree, com)
		}
	}
	if len(perTree) == 0 {
		out := make([]float64, len(q))
		copy(out, q)
		return out, nil
	}
	return visitor.Extrapolate(perTree), nil
}
