// Package rcf implements a streaming Random Cut Forest: an ensemble of
// Compact Random Cut Trees, each backed by its own weighted reservoir
// sample drawn over a shared, reference-counted point store, giving
// anomaly scoring, imputation, and extrapolation over a multi-dimensional
// data stream without ever materializing the whole stream in memory.
package rcf

import (
	"go.uber.org/zap"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"
)

// Config configures a Forest. Construct one with NewForest, which applies
// defaults and then every supplied Option, mirroring
// internal/allocator's functional-options pattern.
type Config struct {
	// Dimensions is the size of one input tuple, before shingling.
	Dimensions int
	// ShingleSize is the number of consecutive tuples folded into one
	// point store entry (1 disables shingling).
	ShingleSize int
	// NumberOfTrees is the forest's ensemble size.
	NumberOfTrees int
	// SampleSize bounds each tree's reservoir (and therefore its leaf
	// count).
	SampleSize int
	// TimeDecay is lambda in the reservoir's weight function; 0 disables
	// time decay (uniform reservoir sampling).
	TimeDecay float64
	// InitialAcceptFraction gates admission into a not-yet-full
	// reservoir, debiasing the cold start.
	InitialAcceptFraction float64
	// OutputAfter is the number of points every tree must have accepted
	// into its sample before IsOutputReady reports true, so the ensemble
	// is not queried while mostly empty.
	OutputAfter int
	// BoundingBoxCacheFraction is the fraction of each tree's internal
	// nodes that materialize a cached bounding box.
	BoundingBoxCacheFraction float64
	// CenterOfMassEnabled tracks running per-node point sums, used by
	// Impute for a full-forecast query (every dimension missing): each
	// tree's root center of mass stands in for a nearest-leaf search,
	// which has no known dimension left to measure distance against.
	CenterOfMassEnabled bool
	// InternalShinglingEnabled lets the point store fold the shingle
	// itself (spec.md §3's overlap-write optimization) instead of the
	// caller pre-shingling tuples.
	InternalShinglingEnabled bool
	// InternalRotationEnabled uses cyclic positional rotation instead of
	// sliding-window shingling; requires InternalShinglingEnabled.
	InternalRotationEnabled bool
	// PointStoreCapacity bounds the point store's backing buffer, in
	// points; 0 derives a capacity from SampleSize*NumberOfTrees.
	PointStoreCapacity int
	// ParallelismLimit bounds the number of trees updated concurrently;
	// <=0 means GOMAXPROCS.
	ParallelismLimit int
	// ConvergingOutputEnabled stops dispatching Score to further trees
	// once the running estimate's standard error is small enough, per
	// spec.md §4.4. Attribution always visits every tree.
	ConvergingOutputEnabled bool
	// ConvergenceMinTrees and ConvergenceMaxTrees bound how many trees a
	// converging query evaluates; ConvergencePrecision is the target
	// standard-error half-width.
	ConvergenceMinTrees  int
	ConvergenceMaxTrees  int
	ConvergencePrecision float64
	// Seed seeds the forest's own PRNG, which in turn derives two seeds
	// per tree (one for the tree, one for its sampler) so construction is
	// reproducible.
	Seed int64
	// Logger receives structured diagnostics; a no-op logger is used if
	// nil.
	Logger *zap.Logger
}

// Option mutates a Config during construction.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		ShingleSize:              1,
		NumberOfTrees:            50,
		SampleSize:               256,
		TimeDecay:                1.0 / 256.0,
		InitialAcceptFraction:    1.0,
		OutputAfter:              32,
		BoundingBoxCacheFraction: 0.3,
		ParallelismLimit:         0,
		ConvergenceMinTrees:      10,
		ConvergenceMaxTrees:      50,
		ConvergencePrecision:     0,
	}
}

// WithDimensions sets the input tuple size.
func WithDimensions(d int) Option { return func(c *Config) { c.Dimensions = d } }

// WithShingleSize sets the shingle size.
func WithShingleSize(n int) Option { return func(c *Config) { c.ShingleSize = n } }

// WithNumberOfTrees sets the ensemble size.
func WithNumberOfTrees(n int) Option { return func(c *Config) { c.NumberOfTrees = n } }

// WithSampleSize sets each tree's reservoir capacity.
func WithSampleSize(n int) Option { return func(c *Config) { c.SampleSize = n } }

// WithTimeDecay sets the reservoir's time-decay lambda.
func WithTimeDecay(lambda float64) Option { return func(c *Config) { c.TimeDecay = lambda } }

// WithInitialAcceptFraction sets the cold-start admission fraction.
func WithInitialAcceptFraction(f float64) Option {
	return func(c *Config) { c.InitialAcceptFraction = f }
}

// WithOutputAfter sets how many points every tree must accept before the
// forest reports IsOutputReady.
func WithOutputAfter(n int) Option { return func(c *Config) { c.OutputAfter = n } }

// WithBoundingBoxCacheFraction sets the per-tree cached-box fraction.
func WithBoundingBoxCacheFraction(f float64) Option {
	return func(c *Config) { c.BoundingBoxCacheFraction = f }
}

// WithCenterOfMass enables center-of-mass tracking, used by Impute's
// full-forecast path (see Config.CenterOfMassEnabled).
func WithCenterOfMass(enabled bool) Option {
	return func(c *Config) { c.CenterOfMassEnabled = enabled }
}

// WithInternalShingling enables point-store-side shingling.
func WithInternalShingling(enabled bool) Option {
	return func(c *Config) { c.InternalShinglingEnabled = enabled }
}

// WithInternalRotation enables cyclic-rotation shingling.
func WithInternalRotation(enabled bool) Option {
	return func(c *Config) { c.InternalRotationEnabled = enabled }
}

// WithPointStoreCapacity overrides the derived point store capacity.
func WithPointStoreCapacity(n int) Option { return func(c *Config) { c.PointStoreCapacity = n } }

// WithParallelismLimit bounds concurrent per-tree updates.
func WithParallelismLimit(n int) Option { return func(c *Config) { c.ParallelismLimit = n } }

// WithConvergingOutput enables early-stopping score aggregation.
func WithConvergingOutput(minTrees, maxTrees int, precision float64) Option {
	return func(c *Config) {
		c.ConvergingOutputEnabled = true
		c.ConvergenceMinTrees = minTrees
		c.ConvergenceMaxTrees = maxTrees
		c.ConvergencePrecision = precision
	}
}

// WithSeed sets the forest's PRNG seed.
func WithSeed(seed int64) Option { return func(c *Config) { c.Seed = seed } }

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option { return func(c *Config) { c.Logger = logger } }

func (c Config) validate() error {
	if c.Dimensions <= 0 {
		return rcferrors.Configuration("rcf: dimensions must be positive, got %d", c.Dimensions)
	}
	if c.ShingleSize <= 0 {
		return rcferrors.Configuration("rcf: shingle size must be positive, got %d", c.ShingleSize)
	}
	if c.NumberOfTrees <= 0 {
		return rcferrors.Configuration("rcf: number of trees must be positive, got %d", c.NumberOfTrees)
	}
	if c.SampleSize <= 0 {
		return rcferrors.Configuration("rcf: sample size must be positive, got %d", c.SampleSize)
	}
	if c.InternalRotationEnabled && !c.InternalShinglingEnabled {
		return rcferrors.Configuration("rcf: internal rotation requires internal shingling")
	}
	return nil
}
