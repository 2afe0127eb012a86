// Package spt is the supplemental page table and page-fault protocol
// (spec §4.3): a per-process map from user virtual page to a
// descriptor of where that page currently lives (a file, the zero
// page, or swap) and, if resident, the frame holding it.
//
// Grounded on original_source/src/vm/page.c (descriptor lifecycle,
// check_out/check_in locking) and page_fault.c / frame.c's reload and
// evict flows; the open question in spec §9 about writable FileBacked
// pages on eviction is resolved as stated there: they are written back
// and stay FileBacked, never promoted to Swapped.
package spt

import (
	"sync"

	"github.com/pkg/errors"

	"vmcore/frame"
	"vmcore/inode"
	"vmcore/kerr"
	"vmcore/pgdir"
	"vmcore/process"
	"vmcore/swap"
)

// Kind identifies where a descriptor's page content currently lives.
type Kind int

const (
	FileBacked Kind = iota
	ZeroFilled
	Swapped
)

// StackFaultWindow is the x86 PUSHA/PUSH-derived window used by the
// stack-growth heuristic (spec §9): fa >= sp - StackFaultWindow.
const StackFaultWindow = 32

// Descriptor is one SPT entry (spec §3). Its lock serialises reload
// against eviction and against concurrent check-outs.
type Descriptor struct {
	mu sync.Mutex

	uvaddr   uint64
	writable bool
	kind     Kind
	dir      *pgdir.Dir

	// FileBacked payload.
	file       *inode.Inode
	fileOffset int
	validBytes int
	readOnly   bool

	// Swapped payload.
	slot swap.Slot

	frame      *frame.Frame
	ownerTable *Table
}

// UserVaddr and PageDir satisfy frame.Owner.
func (d *Descriptor) UserVaddr() uint64   { return d.uvaddr }
func (d *Descriptor) PageDir() *pgdir.Dir { return d.dir }

// Evict implements frame.Owner's eviction callback (spec §4.3's
// "Evict" section). The frame table calls this with the frame's lock
// already held by the sweep; this function takes the descriptor's
// lock itself (try-lock, per the locking-order inversion spec §4.3
// documents as safe).
func (d *Descriptor) Evict() error {
	if !d.mu.TryLock() {
		return errors.New("spt: descriptor busy, try another victim")
	}
	defer d.mu.Unlock()

	d.dir.Clear(d.uvaddr)
	dirty := d.dir.Dirty(d.uvaddr)

	switch d.kind {
	case Swapped:
		// Already swapped once; write a fresh slot with the frame's
		// current content and update the descriptor.
		d.slot = writeSwapSlot(d)
	case FileBacked:
		if !d.readOnly && dirty {
			if err := writeBackFile(d); err != nil {
				// Restore the hardware mapping the caller just cleared so
				// the page remains usable; the frame table will pick
				// another victim.
				d.dir.Install(d.uvaddr, uint64(d.frame.KernelAddr()), d.writable)
				return errors.Wrap(err, "spt: evict: write-back denied")
			}
		}
		// read-only, or clean: no write-back, stays FileBacked.
	case ZeroFilled:
		if dirty {
			d.slot = writeSwapSlot(d)
			d.kind = Swapped
		}
	}

	d.dir.ClearDirty(d.uvaddr)
	d.frame = nil
	return nil
}

func writeSwapSlot(d *Descriptor) swap.Slot {
	return d.ownerTable.swapTab.Write(d.frame.Page())
}

func writeBackFile(d *Descriptor) error {
	n, err := d.file.WriteAt(d.frame.Page()[:d.validBytes], d.validBytes, d.fileOffset)
	if err != nil {
		return err
	}
	if n < d.validBytes {
		return errors.Wrap(kerr.ErrWriteDenied, "spt: short write-back")
	}
	return nil
}

// Handle is a checked-out, locked descriptor.
type Handle struct {
	d *Descriptor
}

// Frame returns the frame currently backing the checked-out descriptor,
// if it is resident — the byte slice a syscall handler or test copies
// user data through. Absent for a descriptor that has not been reloaded
// since the last eviction.
func (h *Handle) Frame() (*frame.Frame, bool) {
	if h.d.frame == nil {
		return nil, false
	}
	return h.d.frame, true
}

// Table is one process's supplemental page table.
type Table struct {
	mu      sync.Mutex // process-level SPT map lock (spec §4.3 locking order)
	proc    *process.Process
	frames  *frame.Table
	swapTab *swap.Table
	entries map[uint64]*Descriptor
}

// NewTable creates an empty SPT for proc, backed by frames and
// swapTab (spec §4.3's init(process)).
func NewTable(proc *process.Process, frames *frame.Table, swapTab *swap.Table) *Table {
	return &Table{
		proc:    proc,
		frames:  frames,
		swapTab: swapTab,
		entries: make(map[uint64]*Descriptor),
	}
}

// Insert creates a descriptor for uvaddr. It fails if one already
// exists there (spec §4.3's insert).
func (t *Table) Insert(uvaddr uint64, kind Kind, writable bool) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[uvaddr]; exists {
		return nil, errors.Wrap(kerr.ErrAlreadyMapped, "spt: insert")
	}
	d := &Descriptor{uvaddr: uvaddr, writable: writable, kind: kind, dir: t.proc.Dir}
	d.ownerTable = t
	t.entries[uvaddr] = d
	d.mu.Lock()
	return &Handle{d: d}, nil
}

// InsertFileBacked is Insert specialised for a FileBacked descriptor,
// since that kind carries a payload the generic Insert has no room for.
func (t *Table) InsertFileBacked(uvaddr uint64, writable bool, file *inode.Inode, offset, validBytes int, readOnly bool) (*Handle, error) {
	h, err := t.Insert(uvaddr, FileBacked, writable)
	if err != nil {
		return nil, err
	}
	h.d.file = file
	h.d.fileOffset = offset
	h.d.validBytes = validBytes
	h.d.readOnly = readOnly
	return h, nil
}

// CheckOut pins the descriptor at uvaddr, locked, for the caller (spec
// §4.3's check_out).
func (t *Table) CheckOut(uvaddr uint64) (*Handle, bool) {
	t.mu.Lock()
	d, ok := t.entries[uvaddr]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	return &Handle{d: d}, true
}

// CheckIn releases the descriptor's lock (spec §4.3's check_in).
func (t *Table) CheckIn(h *Handle) {
	h.d.mu.Unlock()
}

// IsWritable reports whether the descriptor at uvaddr is writable.
func (t *Table) IsWritable(uvaddr uint64) bool {
	t.mu.Lock()
	d, ok := t.entries[uvaddr]
	t.mu.Unlock()
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writable
}

// Reload brings the descriptor at uvaddr into a frame (spec §4.3's
// reload). The caller must hold the descriptor's lock (via a Handle
// from Insert or CheckOut).
func (t *Table) Reload(h *Handle) error {
	d := h.d
	f, err := t.frames.Acquire(false)
	if err != nil {
		return errors.Wrap(kerr.ErrOutOfMemory, "spt: reload: acquire frame")
	}

	switch d.kind {
	case ZeroFilled:
		clear(f.Page())
	case FileBacked:
		page := f.Page()
		n, err := d.file.ReadAt(page[:d.validBytes], d.validBytes, d.fileOffset)
		if err != nil {
			t.frames.Release(f)
			return errors.Wrap(err, "spt: reload: read file")
		}
		for i := n; i < len(page); i++ {
			page[i] = 0
		}
	case Swapped:
		t.swapTab.Read(d.slot, f.Page()[:swap.PageSize])
		d.kind = ZeroFilled // only ZeroFilled pages are ever swapped (spec §9's fix)
	}

	d.dir.Install(d.uvaddr, uint64(f.KernelAddr()), d.writable)
	f.SetOwner(d)
	d.frame = f
	t.frames.Release(f)
	return nil
}

// Evict runs the write-back path for uvaddr (spec §4.3's evict). The
// caller must NOT hold the descriptor's lock.
func (t *Table) Evict(uvaddr uint64) error {
	t.mu.Lock()
	d, ok := t.entries[uvaddr]
	t.mu.Unlock()
	if !ok {
		return errors.Wrap(kerr.ErrNotFound, "spt: evict")
	}
	return d.Evict()
}

// Destroy drains the table: every descriptor's swap slot is freed and
// every resident frame is released back to the allocator (spec §4.3's
// destroy).
func (t *Table) Destroy() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint64]*Descriptor)
	t.mu.Unlock()

	for _, d := range entries {
		d.mu.Lock()
		switch {
		case d.kind == Swapped:
			t.swapTab.Free(d.slot)
		case d.frame != nil:
			t.frames.Free(d.frame, true)
		}
		d.mu.Unlock()
	}
}

// PageFault implements the page-fault protocol (spec §4.3's "Page-fault
// protocol"): fa is the faulting address, sp the faulting stack
// pointer, writeFault whether the access was a write.
func (t *Table) PageFault(fa, sp uint64, writeFault bool) error {
	if !t.proc.IsUserAddress(fa) {
		return errors.Wrap(kerr.ErrBadUserAddress, "spt: page_fault: kernel-range address")
	}
	up := fa &^ pageMask

	if h, ok := t.CheckOut(up); ok {
		defer t.CheckIn(h)
		if writeFault && !h.d.writable {
			return errors.Wrap(kerr.ErrBadUserAddress, "spt: page_fault: write to read-only page")
		}
		return t.Reload(h)
	}

	if t.proc.StackEligible(fa, sp) {
		h, err := t.Insert(up, ZeroFilled, true)
		if err != nil {
			return err
		}
		defer t.CheckIn(h)
		return t.Reload(h)
	}

	return errors.Wrap(kerr.ErrBadUserAddress, "spt: page_fault: unmapped, not stack-eligible")
}

const pageMask = 4096 - 1
