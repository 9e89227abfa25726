package record

import (
	"math/bits"
	"sync"
)

const (
	minClassShift = 4  // 16 bytes
	maxClassShift = 16 // 64 KB, larger values get a dedicated buffer
	slabSize      = 1 << 20
)

// Handle references one allocation inside an Arena.
type Handle struct {
	buf   []byte // full slot, len == capacity of the size class
	size  int
	class int // -1 for dedicated buffers
	freed bool
}

// Bytes returns the allocated bytes. The slice is only valid until Free.
func (h *Handle) Bytes() []byte {
	if h == nil || h.freed {
		return nil
	}
	return h.buf[:h.size]
}

// Arena is a slab allocator with power of two size classes that imitates
// manually managed memory: nothing is reclaimed unless Free is called.
//
// Thread-safety: all methods are safe for concurrent use, one arena is shared
// by all NATIVE stores of a node.
type Arena struct {
	mu       sync.Mutex
	slabs    [][]byte
	slabFree int // bytes left in the newest slab
	free     [maxClassShift + 1][][]byte
	inUse    int64
	reserved int64
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

func sizeClass(n int) int {
	if n <= 1<<minClassShift {
		return minClassShift
	}
	return bits.Len(uint(n - 1))
}

// Alloc copies value into arena memory.
func (a *Arena) Alloc(value []byte) *Handle {
	n := len(value)
	class := sizeClass(n)

	a.mu.Lock()
	var slot []byte
	if class > maxClassShift {
		slot = make([]byte, n)
		class = -1
		a.reserved += int64(n)
	} else if free := a.free[class]; len(free) > 0 {
		slot = free[len(free)-1]
		a.free[class] = free[:len(free)-1]
	} else {
		slot = a.carve(1 << class)
	}
	a.inUse += int64(len(slot))
	a.mu.Unlock()

	copy(slot, value)
	return &Handle{buf: slot, size: n, class: class}
}

// carve cuts a new slot out of the current slab, callers hold the lock.
func (a *Arena) carve(size int) []byte {
	if a.slabFree < size {
		a.slabs = append(a.slabs, make([]byte, slabSize))
		a.slabFree = slabSize
		a.reserved += slabSize
	}
	slab := a.slabs[len(a.slabs)-1]
	off := slabSize - a.slabFree
	a.slabFree -= size
	return slab[off : off+size : off+size]
}

// Free returns the slot to the arena. Freeing twice is a no-op.
func (a *Arena) Free(h *Handle) {
	if h == nil || h.freed {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h.freed = true
	a.inUse -= int64(len(h.buf))
	if h.class < 0 {
		a.reserved -= int64(len(h.buf))
	} else {
		a.free[h.class] = append(a.free[h.class], h.buf)
	}
	h.buf = nil
}

// InUse returns the bytes currently allocated and not freed.
func (a *Arena) InUse() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Reserved returns the bytes the arena holds from the Go heap.
func (a *Arena) Reserved() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}
