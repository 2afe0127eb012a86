// Package palloc is the byte-oriented page allocator for kernel/user page
// frames that spec §1c lists as an external collaborator. It is grounded
// on the teacher's mem.Physmem_t (biscuit/src/mem/mem.go): a flat free
// list over a fixed arena, protected by one mutex, handing out
// page-sized, optionally zeroed, chunks and reference-counting nothing —
// the frame table above palloc is the sole owner of every page it hands
// out, so (unlike Physmem_t, which also backs copy-on-write and page-
// table pages with a refcount) this allocator only tracks free/in-use.
package palloc

import (
	"sync"

	"vmcore/kerr"
)

// PageSize is the size in bytes of one page frame. 8 sectors of 512
// bytes each (spec §5's swap grain), matching spec §3's 4 KB page.
const PageSize = 4096

// Addr names a page frame. It is an opaque handle, not a real physical
// address — there is no MMU beneath this module — but it plays the same
// role mem.Pa_t plays in the teacher: a stable key the frame table and
// swap table pass around instead of a raw slice.
type Addr uint64

// Allocator hands out fixed-size, page-aligned byte buffers from a fixed
// arena. The zero value is not usable; construct with New.
type Allocator struct {
	mu       sync.Mutex
	arena    []byte
	free     []uint32 // indices of free pages, LIFO
	npages   uint32
	inUse    uint32
}

// New creates an allocator managing npages page frames.
func New(npages int) *Allocator {
	a := &Allocator{
		arena:  make([]byte, npages*PageSize),
		free:   make([]uint32, npages),
		npages: uint32(npages),
	}
	for i := range a.free {
		a.free[i] = uint32(npages - 1 - i)
	}
	return a
}

// Alloc returns a free page frame, zeroing it first when zeroed is true.
// It reports false when the arena is exhausted — the frame table's
// Acquire treats this as "must evict", not as kerr.ErrOutOfMemory,
// because eviction is the defined recovery path for frame exhaustion.
func (a *Allocator) Alloc(zeroed bool) (Addr, []byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return 0, nil, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.inUse++
	buf := a.page(idx)
	if zeroed {
		clear(buf)
	}
	return Addr(idx), buf, true
}

// Free returns a page frame to the free list.
func (a *Allocator) Free(addr Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(addr)
	if idx >= a.npages {
		panic("palloc: free of out-of-range address")
	}
	a.free = append(a.free, idx)
	a.inUse--
}

// Page returns the byte slice backing addr. It never fails: a caller
// holding a valid Addr by construction owns a frame that cannot have
// been concurrently freed (the frame table's per-frame lock guarantees
// that), mirroring the teacher's Dmap, which likewise never returns an
// error.
func (a *Allocator) Page(addr Addr) []byte {
	return a.page(uint32(addr))
}

func (a *Allocator) page(idx uint32) []byte {
	off := int(idx) * PageSize
	return a.arena[off : off+PageSize]
}

// Stats reports the total and currently allocated page counts.
func (a *Allocator) Stats() (total, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.npages), int(a.inUse)
}

// MustAlloc allocates or returns kerr.ErrOutOfMemory: Alloc with
// exhaustion reported as an error instead of a bool, for paths that
// spec §7 says must surface allocation failure as an operation failure.
func (a *Allocator) MustAlloc(zeroed bool) (Addr, []byte, error) {
	addr, buf, ok := a.Alloc(zeroed)
	if !ok {
		return 0, nil, kerr.ErrOutOfMemory
	}
	return addr, buf, nil
}
