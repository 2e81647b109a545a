// Package pointstore implements the reference-counted, compacting arena
// that deduplicates shingled points across every tree in a forest.
//
// The design generalizes the teacher's internal/allocator arena
// (internal/allocator.ArenaAllocatorImpl): a flat backing buffer with a
// monotonically advancing write cursor, grown by doubling and reclaimed by
// a two-finger compaction sweep instead of per-allocation free. Here the
// buffer holds float32 scalars rather than raw bytes, and liveness is
// tracked per logical point through an indexManager plus a ref-count array
// instead of the teacher's unsafe.Pointer free-lists.
package pointstore

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aws/random-cut-forest-by-aws-sub006/internal/rcferrors"
)

// Config describes the fixed shape of a Store for its lifetime.
type Config struct {
	// BaseDim is the length of one logical tuple.
	BaseDim int
	// ShingleSize is the number of tuples concatenated into one point.
	// 1 means no shingling: each add is already a full point.
	ShingleSize int
	// InternalShingling, when true, makes Add accept base-dim tuples and
	// assemble the sliding (or rotated) shingle internally. When false,
	// Add accepts full Dim()-length points directly.
	InternalShingling bool
	// InternalRotation selects cyclic-overwrite shingling over
	// sliding-window shingling. Requires InternalShingling.
	InternalRotation bool
	// IndexCapacity bounds how many distinct point handles can be live
	// at once (e.g. sample_size * number_of_trees).
	IndexCapacity int
	// InitialCapacity is the store's initial size, in points.
	InitialCapacity int
	// Capacity is the hard upper bound on store size, in points.
	Capacity int
	// DynamicResizeEnabled allows the store to double its capacity (up
	// to Capacity) when compaction alone cannot free enough room.
	DynamicResizeEnabled bool
}

func (c Config) dim() int { return c.BaseDim * c.ShingleSize }

func (c Config) validate() error {
	if c.BaseDim <= 0 {
		return rcferrors.Configuration("pointstore: base dimension must be positive, got %d", c.BaseDim)
	}
	if c.ShingleSize <= 0 {
		return rcferrors.Configuration("pointstore: shingle size must be positive, got %d", c.ShingleSize)
	}
	if c.InternalRotation && !c.InternalShingling {
		return rcferrors.Configuration("pointstore: internal rotation requires internal shingling")
	}
	if c.IndexCapacity <= 0 {
		return rcferrors.Configuration("pointstore: index capacity must be positive, got %d", c.IndexCapacity)
	}
	if c.InitialCapacity <= 0 {
		return rcferrors.Configuration("pointstore: initial capacity must be positive, got %d", c.InitialCapacity)
	}
	if c.Capacity < c.InitialCapacity {
		return rcferrors.Configuration("pointstore: capacity %d smaller than initial capacity %d", c.Capacity, c.InitialCapacity)
	}
	return nil
}

// Store is the reference-counted, compacting point arena.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	dim    int
	logger *zap.Logger

	store      []float32
	location   []int32 // scalar offset of point i; undefined when not live
	phase      []uint16
	refCount   []uint32
	im         *indexManager
	currentCap int // store capacity, in points
	startFree  int // scalar offset where the writable tail begins

	shingleBuf      []float32
	shingleCount    int // tuples folded into shingleBuf so far, capped at ShingleSize
	lastSeq         uint64
	haveLastSeq     bool
	wroteFirstPoint bool // at least one full point has been written (overlap writes may start)
}

// New constructs a Store. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.dim()
	s := &Store{
		cfg:        cfg,
		dim:        dim,
		logger:     logger,
		store:      make([]float32, cfg.InitialCapacity*dim),
		location:   make([]int32, cfg.IndexCapacity),
		phase:      make([]uint16, cfg.IndexCapacity),
		refCount:   make([]uint32, cfg.IndexCapacity),
		im:         newIndexManager(cfg.IndexCapacity),
		currentCap: cfg.InitialCapacity,
	}
	if cfg.InternalShingling {
		s.shingleBuf = make([]float32, dim)
	}
	return s, nil
}

// Dim returns the length of a stored point (shingle_size * base_dim).
func (s *Store) Dim() int { return s.dim }

// Add ingests one tuple (internal-shingling mode, length BaseDim) or one
// full point (external mode, length Dim()). ok is false only in the
// internal-shingling warmup window, before ShingleSize tuples have
// arrived; it is not an error.
func (s *Store) Add(tuple []float32, seq uint64) (idx int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var point []float32
	var writePhase uint16
	if s.cfg.InternalShingling {
		if len(tuple) != s.cfg.BaseDim {
			return 0, false, rcferrors.DimensionMismatch(len(tuple), s.cfg.BaseDim)
		}
		s.foldShingle(tuple, seq)
		if s.shingleCount < s.cfg.ShingleSize {
			return 0, false, nil
		}
		point = s.shingleBuf
		if s.cfg.InternalRotation {
			writePhase = uint16(seq % uint64(s.cfg.ShingleSize))
		}
	} else {
		if len(tuple) != s.dim {
			return 0, false, rcferrors.DimensionMismatch(len(tuple), s.dim)
		}
		point = tuple
	}

	handle, ok := s.im.alloc()
	if !ok {
		return 0, false, rcferrors.CapacityExhausted(s.dim, s.im.capacity())
	}

	offset, werr := s.write(point)
	if werr != nil {
		s.im.release(handle)
		return 0, false, werr
	}

	s.location[handle] = int32(offset)
	s.phase[handle] = writePhase
	s.refCount[handle] = 1
	s.wroteFirstPoint = true
	return handle, true, nil
}

// foldShingle slides or rotates tuple into the live shingle buffer.
func (s *Store) foldShingle(tuple []float32, seq uint64) {
	base := s.cfg.BaseDim
	if s.cfg.InternalRotation {
		slot := int(seq % uint64(s.cfg.ShingleSize))
		copy(s.shingleBuf[slot*base:(slot+1)*base], tuple)
	} else {
		copy(s.shingleBuf, s.shingleBuf[base:])
		copy(s.shingleBuf[len(s.shingleBuf)-base:], tuple)
	}
	if s.shingleCount < s.cfg.ShingleSize {
		s.shingleCount++
	}
	s.lastSeq = seq
	s.haveLastSeq = true
}

// write appends point to the store, exploiting the sliding-shingle overlap
// optimization when applicable, growing or compacting as needed. Returns
// the scalar offset the point was written at.
func (s *Store) write(point []float32) (int, error) {
	overlap := s.cfg.InternalShingling && !s.cfg.InternalRotation && s.wroteFirstPoint
	base := s.cfg.BaseDim
	suffixLen := s.dim - base

	if overlap && s.startFree >= suffixLen {
		prevStart := s.startFree - suffixLen
		// The overlap write is taken only when the tail has room without
		// compacting: compaction moves the previous point, so prevStart
		// would no longer be its offset.
		if s.startFree+base <= len(s.store) && float32SliceEqual(s.store[prevStart:s.startFree], point[:suffixLen]) {
			copy(s.store[s.startFree:s.startFree+base], point[suffixLen:])
			s.startFree += base
			return prevStart, nil
		}
	}

	if err := s.ensureRoom(s.dim); err != nil {
		return 0, err
	}
	offset := s.startFree
	copy(s.store[offset:offset+s.dim], point)
	s.startFree += s.dim
	return offset, nil
}

// ensureRoom guarantees the writable tail holds at least n more scalars,
// compacting and growing the backing buffer as necessary.
func (s *Store) ensureRoom(n int) error {
	if s.startFree+n <= len(s.store) {
		return nil
	}
	s.compactLocked()
	if s.startFree+n <= len(s.store) {
		return nil
	}
	if !s.cfg.DynamicResizeEnabled {
		return rcferrors.CapacityExhausted(n, s.currentCap)
	}
	for s.startFree+n > len(s.store) {
		newCap := s.currentCap * 2
		if newCap > s.cfg.Capacity {
			newCap = s.cfg.Capacity
		}
		if newCap == s.currentCap {
			return rcferrors.CapacityExhausted(n, s.currentCap)
		}
		grown := make([]float32, newCap*s.dim)
		copy(grown, s.store[:s.startFree])
		s.store = grown
		s.currentCap = newCap
		s.logger.Debug("pointstore: grew backing buffer", zap.Int("new_capacity_points", newCap))
	}
	return nil
}

// Inc increments the ref-count of idx and returns the new value.
func (s *Store) Inc(idx int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.im.isLive(idx) {
		return 0, rcferrors.InvalidHandle("pointstore.Inc", idx)
	}
	s.refCount[idx]++
	return s.refCount[idx], nil
}

// Dec decrements the ref-count of idx, releasing it when it reaches zero.
func (s *Store) Dec(idx int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.im.isLive(idx) {
		return 0, rcferrors.InvalidHandle("pointstore.Dec", idx)
	}
	if s.refCount[idx] == 0 {
		return 0, rcferrors.InvariantViolation("pointstore", "ref_count underflow")
	}
	s.refCount[idx]--
	if s.refCount[idx] == 0 {
		s.im.release(idx)
	}
	return s.refCount[idx], nil
}

// RefCount returns the current ref-count of idx. Nothing in this module
// calls it; it is public surface for the out-of-scope state-mapper
// collaborator spec.md §6 names ("the core guarantees they are
// inspectable after compact()"), which needs ref_count to decide what is
// still live when serializing the store.
func (s *Store) RefCount(idx int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.im.isLive(idx) {
		return 0, rcferrors.InvalidHandle("pointstore.RefCount", idx)
	}
	return s.refCount[idx], nil
}

// Get copies out the point at idx, de-rotating it if rotation is enabled.
func (s *Store) Get(idx int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.im.isLive(idx) {
		return nil, rcferrors.InvalidHandle("pointstore.Get", idx)
	}
	raw := s.store[s.location[idx] : int(s.location[idx])+s.dim]
	out := make([]float32, s.dim)
	if s.cfg.InternalRotation {
		s.derotate(raw, int(s.phase[idx]), out)
	} else {
		copy(out, raw)
	}
	return out, nil
}

// derotate writes raw (whose newest tuple sits at rotation slot `phase`)
// into out in chronological (oldest-to-newest) tuple order. The newest
// tuple occupies storage slot `phase`; each older tuple occupies the
// preceding slot, cyclically.
func (s *Store) derotate(raw []float32, phase int, out []float32) {
	base := s.cfg.BaseDim
	m := s.cfg.ShingleSize
	for t := 0; t < m; t++ {
		storedSlot := (phase + 1 + t) % m
		copy(out[t*base:(t+1)*base], raw[storedSlot*base:(storedSlot+1)*base])
	}
}

// Equals reports whether the point at idx is bitwise identical to tuple,
// which must already be in chronological (de-rotated) order and Dim() long.
func (s *Store) Equals(idx int, tuple []float32) (bool, error) {
	p, err := s.Get(idx)
	if err != nil {
		return false, err
	}
	if len(tuple) != len(p) {
		return false, rcferrors.DimensionMismatch(len(tuple), len(p))
	}
	return float32SliceEqual(p, tuple), nil
}

// TransformIndices maps chronological dimension indices into the scalar
// offsets currently used by the live (possibly rotated) shingle buffer.
// Nothing in this module calls it: it is the public surface spec.md §4.1
// names for the out-of-scope serialization/mapper collaborator, which
// needs to translate dimension indices (e.g. "which coordinates are
// missing") across a rotation that moves between Get() calls.
func (s *Store) TransformIndices(chronological []int) []int {
	if !s.cfg.InternalRotation {
		out := make([]int, len(chronological))
		copy(out, chronological)
		return out
	}
	s.mu.Lock()
	phase := s.currentPhaseLocked()
	s.mu.Unlock()

	base := s.cfg.BaseDim
	m := s.cfg.ShingleSize
	out := make([]int, len(chronological))
	for i, d := range chronological {
		tuplePos := d / base
		within := d % base
		storedPos := (phase + 1 + tuplePos) % m
		out[i] = storedPos*base + within
	}
	return out
}

// TransformToShingled maps a full chronological-order point into the
// current live rotation layout.
func (s *Store) TransformToShingled(tuple []float32) ([]float32, error) {
	if len(tuple) != s.dim {
		return nil, rcferrors.DimensionMismatch(len(tuple), s.dim)
	}
	if !s.cfg.InternalRotation {
		out := make([]float32, s.dim)
		copy(out, tuple)
		return out, nil
	}
	s.mu.Lock()
	phase := s.currentPhaseLocked()
	s.mu.Unlock()

	base := s.cfg.BaseDim
	m := s.cfg.ShingleSize
	out := make([]float32, s.dim)
	for t := 0; t < m; t++ {
		storedSlot := (phase + 1 + t) % m
		copy(out[storedSlot*base:(storedSlot+1)*base], tuple[t*base:(t+1)*base])
	}
	return out, nil
}

func (s *Store) currentPhaseLocked() int {
	if !s.haveLastSeq {
		return 0
	}
	return int(s.lastSeq % uint64(s.cfg.ShingleSize))
}

// Compact rewrites the backing buffer so every live region is packed
// contiguously starting at offset 0.
func (s *Store) Compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
}

func (s *Store) compactLocked() {
	overlapMode := s.cfg.InternalShingling && !s.cfg.InternalRotation

	type liveSpan struct {
		idx, start int
	}
	spans := make([]liveSpan, 0, s.im.liveCount())
	for i := 0; i < len(s.location); i++ {
		// A handle reserved by an in-progress Add is live but still has
		// ref-count 0 and no data written.
		if !s.im.isLive(i) || s.refCount[i] == 0 {
			continue
		}
		spans = append(spans, liveSpan{idx: i, start: int(s.location[i])})
	}
	// Insertion sort by start offset: liveCount is bounded by index
	// capacity, which in this domain is small (sample_size * trees).
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j-1].start > spans[j].start; j-- {
			spans[j-1], spans[j] = spans[j], spans[j-1]
		}
	}

	dst := make([]float32, len(s.store))
	cursor := 0
	prevStart := -1
	for _, sp := range spans {
		diff := sp.start - prevStart
		if overlapMode && prevStart >= 0 && diff > 0 && diff < s.dim {
			// sp shares its leading diff-scalar-short prefix with the
			// previously written span; only the non-shared tail of
			// length diff needs copying.
			overlapLen := s.dim - diff
			copy(dst[cursor:cursor+diff], s.store[sp.start+overlapLen:sp.start+s.dim])
			s.location[sp.idx] = int32(cursor - overlapLen)
			cursor += diff
		} else {
			copy(dst[cursor:cursor+s.dim], s.store[sp.start:sp.start+s.dim])
			s.location[sp.idx] = int32(cursor)
			cursor += s.dim
		}
		prevStart = sp.start
	}

	s.store = dst
	s.startFree = cursor
	s.logger.Debug("pointstore: compacted", zap.Int("live_points", len(spans)), zap.Int("start_free", s.startFree))
}

// LiveCount returns the number of currently live point indices.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.im.liveCount()
}

// StartOfFreeSegment returns the current free-segment boundary, in scalars.
func (s *Store) StartOfFreeSegment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startFree
}

func float32SliceEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
