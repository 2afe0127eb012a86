// Package swap is the swap table (spec §4.3): a bitmap over a
// dedicated swap block device, grouped into 8-sector slots (one page
// each). Grounded on original_source's swap.c for the grain and
// exhaustion-is-fatal policy, and on freemap's bitset-backed allocator
// for the bitmap mechanics.
package swap

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"vmcore/blockdev"
	"vmcore/metrics"
)

// SectorsPerSlot is the swap grain: one page, 8 sectors of 512 bytes.
const SectorsPerSlot = 8

// PageSize is the byte size of one slot's worth of data.
const PageSize = SectorsPerSlot * blockdev.SectorSize

// Slot identifies an allocated swap region by its starting sector.
type Slot int

// Table is the swap bitmap bound to one swap device.
type Table struct {
	mu     sync.Mutex
	bm     *bitset.BitSet
	nslots uint
	device blockdev.Device
}

// New creates a swap table over device, which must expose its sector
// count as a whole multiple of SectorsPerSlot for the tail to be
// usable (a short tail is simply never addressed).
func New(device blockdev.Device) *Table {
	nslots := uint(device.SectorCount() / SectorsPerSlot)
	return &Table{bm: bitset.New(nslots), nslots: nslots, device: device}
}

// Write allocates a free slot and writes page (exactly PageSize bytes)
// into it, returning the slot. Swap exhaustion is unrecoverable while
// holding a victim frame (spec §7: OutOfSwap panics).
func (t *Table) Write(page []byte) Slot {
	if len(page) != PageSize {
		panic("swap: page must be exactly one slot's worth of bytes")
	}
	t.mu.Lock()
	idx, ok := t.bm.NextClear(0)
	if !ok || idx >= t.nslots {
		t.mu.Unlock()
		panic(errors.New("swap: out of swap space"))
	}
	t.bm.Set(idx)
	t.mu.Unlock()

	base := int(idx) * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := t.device.WriteSector(base+i, page[off:off+blockdev.SectorSize]); err != nil {
			panic(errors.Wrap(err, "swap: write"))
		}
	}
	metrics.SwapOccupancy.Inc()
	return Slot(base)
}

// Read reads the page held in slot into dst (exactly PageSize bytes)
// and frees the slot — a slot is consumed by a single read, matching
// spec §4.3's read/free pairing.
func (t *Table) Read(slot Slot, dst []byte) {
	if len(dst) != PageSize {
		panic("swap: page must be exactly one slot's worth of bytes")
	}
	base := int(slot)
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := t.device.ReadSector(base+i, dst[off:off+blockdev.SectorSize]); err != nil {
			panic(errors.Wrap(err, "swap: read"))
		}
	}
	t.Free(slot)
}

// Free releases slot without reading it back (used when a descriptor
// owning a swap slot is destroyed without being reloaded).
func (t *Table) Free(slot Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := uint(int(slot) / SectorsPerSlot)
	if t.bm.Test(idx) {
		t.bm.Clear(idx)
		metrics.SwapOccupancy.Dec()
	}
}

// Used reports the number of currently allocated slots, for tests.
func (t *Table) Used() uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bm.Count()
}
