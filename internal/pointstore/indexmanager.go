package pointstore

// indexManager hands out small integer handles and reclaims them once a
// point's ref-count drops to zero. It mirrors the teacher's pool free-list
// discipline (internal/allocator.Pool.alloc/free) but over integer indices
// instead of unsafe.Pointer chunks, and adds an occupied bitset so liveness
// can be checked without walking the free list.
//
// Invariant: free[0..freePtr] contains exactly the indices with occupied
// bit clear, each exactly once; freePtr == (indexCap - liveCount) - 1.
type indexManager struct {
	occupied []bool
	free     []int32
	freePtr  int
	live     int
}

func newIndexManager(indexCap int) *indexManager {
	free := make([]int32, indexCap)
	for i := range free {
		// Fill the stack so the smallest index is allocated first,
		// which keeps early compactions cheap and deterministic.
		free[i] = int32(indexCap - 1 - i)
	}
	return &indexManager{
		occupied: make([]bool, indexCap),
		free:     free,
		freePtr:  indexCap - 1,
	}
}

// alloc reserves the next free index. ok is false when the manager is full.
func (m *indexManager) alloc() (int, bool) {
	if m.freePtr < 0 {
		return 0, false
	}
	idx := int(m.free[m.freePtr])
	m.freePtr--
	m.occupied[idx] = true
	m.live++
	return idx, true
}

// release returns idx to the free list. idx must currently be occupied.
func (m *indexManager) release(idx int) {
	if !m.occupied[idx] {
		return
	}
	m.occupied[idx] = false
	m.freePtr++
	m.free[m.freePtr] = int32(idx)
	m.live--
}

func (m *indexManager) isLive(idx int) bool {
	return idx >= 0 && idx < len(m.occupied) && m.occupied[idx]
}

func (m *indexManager) capacity() int { return len(m.occupied) }

func (m *indexManager) liveCount() int { return m.live }
