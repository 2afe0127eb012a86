// Package pgdir simulates the hardware page directory the core
// consumes as an external collaborator (spec §1d, §4.3): install a
// mapping, clear it, and read/clear the accessed and dirty bits a real
// MMU would maintain. Grounded on the teacher's vm.Vm_t PTE constants
// (biscuit/src/vm/as.go) and mem.Pmap_t, simplified to a plain map
// keyed on page-aligned virtual address since there is no real MMU
// beneath this module.
package pgdir

import "sync"

// PageSize matches palloc.PageSize; duplicated here (rather than
// imported) so pgdir has no dependency on the frame allocator.
const PageSize = 4096

type entry struct {
	present  bool
	writable bool
	accessed bool
	dirty    bool
	kvaddr   uint64 // opaque frame handle, caller-defined
}

// Dir is one process's simulated page directory.
type Dir struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

// New creates an empty page directory.
func New() *Dir {
	return &Dir{entries: make(map[uint64]*entry)}
}

// Install maps uvaddr (must be page-aligned) to kvaddr with the given
// writable bit, clearing accessed/dirty (a fresh mapping starts
// untouched).
func (d *Dir) Install(uvaddr uint64, kvaddr uint64, writable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[uvaddr] = &entry{present: true, writable: writable, kvaddr: kvaddr}
}

// Clear unmaps uvaddr so further accesses fault. The entry's accessed
// and dirty bits survive the clear — a real MMU's PTE still holds them
// until something reads or overwrites it — so the eviction path in
// spec §4.3 can clear the mapping first and still consult the dirty
// bit afterward.
func (d *Dir) Clear(uvaddr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[uvaddr]; ok {
		e.present = false
	}
}

// Mapped reports whether uvaddr currently has a present mapping, and if
// so its frame handle and writable bit.
func (d *Dir) Mapped(uvaddr uint64) (kvaddr uint64, writable bool, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[uvaddr]
	if !ok || !e.present {
		return 0, false, false
	}
	return e.kvaddr, e.writable, true
}

// Touch marks uvaddr accessed (and dirty, if write) — a stand-in for
// what a real CPU does on every load/store through this mapping.
// Tests call this explicitly since there is no real MMU to do it.
func (d *Dir) Touch(uvaddr uint64, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[uvaddr]
	if !ok {
		return
	}
	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Accessed reads and clears the accessed bit for uvaddr, as the frame
// table's clock sweep does (spec §4.3's acquire()).
func (d *Dir) Accessed(uvaddr uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[uvaddr]
	if !ok {
		return false
	}
	was := e.accessed
	e.accessed = false
	return was
}

// Dirty reads the dirty bit for uvaddr without clearing it.
func (d *Dir) Dirty(uvaddr uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[uvaddr]
	if !ok {
		return false
	}
	return e.dirty
}

// ClearDirty clears the dirty bit for uvaddr (spec §4.3's evict, step
// 3).
func (d *Dir) ClearDirty(uvaddr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[uvaddr]; ok {
		e.dirty = false
	}
}
