package tvma

import (
	"sync/atomic"
)

// heap is the admission counter for one device memory heap. It accumulates the size of every
// block handed out from the heap and is never decremented, so it caps the total bytes the
// allocator will ever grant from the heap to the heap's advertised size.
type heap struct {
	size uint64
	used atomic.Uint64
}

func newHeap(size uint64) *heap {
	return &heap{size: size}
}

func (h *heap) canAllocate(size uint64) bool {
	used := h.used.Load()
	total := used + size
	if total < used {
		return false
	}

	return total <= h.size
}

func (h *heap) markAllocated(size uint64) {
	h.used.Add(size)
}

func (h *heap) Used() uint64 {
	return h.used.Load()
}
