// Package frame is the frame table (spec §4.3): every user-pool
// physical frame, keyed by its kernel address, with clock eviction
// when the backing allocator is exhausted. Grounded on the teacher's
// mem.Physmem_t pool (the allocator frame lives on top of) and on
// original_source/src/vm/frame.c for the clock-over-accessed-bit
// eviction sweep and the "unowned frames are skipped, not evicted"
// rule for frames mid-allocation.
package frame

import (
	"sync"

	"github.com/pkg/errors"

	"vmcore/metrics"
	"vmcore/palloc"
	"vmcore/pgdir"
)

// Owner is the page descriptor interface the SPT implements so the
// frame table can consult and evict a resident page without depending
// on the spt package's concrete type (which itself depends on frame).
type Owner interface {
	UserVaddr() uint64
	PageDir() *pgdir.Dir
	// Evict attempts to write back and detach this owner from its
	// frame. Returning an error (e.g. WriteDenied) means the frame
	// table should try another victim; the frame remains owned.
	Evict() error
}

// Frame is one frame-table record (spec §3). The lock is held by
// whichever caller currently "owns" the right to install/evict content
// in this frame, including the frame table's own sweep while it
// inspects a candidate.
type Frame struct {
	mu     sync.Mutex
	kvaddr palloc.Addr
	page   []byte
	owner  Owner
}

// KernelAddr returns the frame's opaque handle.
func (f *Frame) KernelAddr() palloc.Addr { return f.kvaddr }

// Page returns the frame's backing bytes.
func (f *Frame) Page() []byte { return f.page }

// Owner returns the descriptor currently occupying the frame, or nil.
func (f *Frame) Owner() Owner { return f.owner }

// SetOwner attaches owner to the frame (spec §4.3's reload, step 4).
func (f *Frame) SetOwner(owner Owner) { f.owner = owner }

// Table is the frame table bound to one page allocator.
type Table struct {
	mu    sync.Mutex
	alloc *palloc.Allocator
	byKV  map[palloc.Addr]*Frame
	order []palloc.Addr
	hand  int
}

// New creates a frame table drawing pages from alloc.
func New(alloc *palloc.Allocator) *Table {
	return &Table{alloc: alloc, byKV: make(map[palloc.Addr]*Frame)}
}

// Acquire returns a frame locked for the caller, zero-filled if
// requested. If the allocator is exhausted, it runs the clock sweep
// described in spec §4.3 to evict a victim. The returned frame's lock
// is held by the caller; Release drops it.
func (t *Table) Acquire(zeroed bool) (*Frame, error) {
	if addr, page, ok := t.alloc.Alloc(zeroed); ok {
		f := &Frame{kvaddr: addr, page: page}
		f.mu.Lock()
		t.mu.Lock()
		t.byKV[addr] = f
		t.order = append(t.order, addr)
		t.mu.Unlock()
		metrics.FrameOccupancy.Inc()
		return f, nil
	}
	return t.evictSomeone(zeroed)
}

func (t *Table) evictSomeone(zeroed bool) (*Frame, error) {
	t.mu.Lock()
	n := len(t.order)
	t.mu.Unlock()
	if n == 0 {
		return nil, errors.New("frame: no frames under this table's control")
	}

	for attempts := 0; attempts < 4*n+4; attempts++ {
		t.mu.Lock()
		if len(t.order) == 0 {
			t.mu.Unlock()
			return nil, errors.New("frame: exhausted during sweep")
		}
		idx := t.hand % len(t.order)
		t.hand = (t.hand + 1) % len(t.order)
		addr := t.order[idx]
		f := t.byKV[addr]
		t.mu.Unlock()

		if !f.mu.TryLock() {
			continue // in flight elsewhere; skip, per spec step 2
		}
		if f.owner == nil {
			f.mu.Unlock()
			continue // transient allocation in progress
		}

		uv := f.owner.UserVaddr()
		dir := f.owner.PageDir()
		if dir.Accessed(uv) {
			f.mu.Unlock()
			continue
		}

		if err := f.owner.Evict(); err != nil {
			f.mu.Unlock()
			continue // WriteDenied or similar: try another victim
		}
		f.owner = nil
		if zeroed {
			clear(f.page)
		}
		metrics.FrameEvictions.Inc()
		return f, nil
	}
	return nil, errors.New("frame: eviction sweep made no progress")
}

// Release drops the per-frame lock acquired by Acquire or by the
// sweep's internal bookkeeping.
func (t *Table) Release(f *Frame) {
	f.mu.Unlock()
}

// Free removes f from the table and, if freePage, returns its backing
// memory to the allocator (spec §4.3's frame.free).
func (t *Table) Free(f *Frame, freePage bool) {
	t.mu.Lock()
	delete(t.byKV, f.kvaddr)
	for i, a := range t.order {
		if a == f.kvaddr {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	metrics.FrameOccupancy.Dec()
	if freePage {
		t.alloc.Free(f.kvaddr)
	}
}
