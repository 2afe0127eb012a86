// Package inode is the filesystem's inode layer (spec §4.2): an
// open-inode registry over a fixed-layout on-disk inode, addressed
// through direct, singly-indirect and doubly-indirect sector pointers,
// with byte-addressed read/write and lazy growth on first write past
// the current length.
//
// Grounded on original_source/src/filesys/inode.c for the addressing
// scheme (byte_to_sector), the open-inode registry (inode_open /
// inode_reopen / inode_close), and the create/remove lifecycle, and on
// the teacher's locking idioms elsewhere in biscuit (a registry lock
// guarding membership, a per-object lock guarding content).
//
// The registry lock is a golang.org/x/sync/semaphore.Weighted(1)
// rather than a plain sync.Mutex: spec §5 calls the open-inode registry
// out by name as a suspension point ("a semaphore ... wait on the
// open-inode registry"), and x/sync is already an indirect dependency
// of the teacher's own go.mod.
package inode

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"vmcore/bcache"
	"vmcore/blockdev"
	"vmcore/freemap"
	"vmcore/kerr"
)

// FS is the inode layer bound to one filesystem device.
type FS struct {
	device blockdev.Device
	cache  *bcache.Cache
	free   *freemap.Map

	regSem *semaphore.Weighted
	open   map[int]*Inode
}

// NewFS binds an inode layer to device, using cache for all sector I/O
// and free for allocation (spec §4.2).
func NewFS(device blockdev.Device, cache *bcache.Cache, free *freemap.Map) *FS {
	return &FS{
		device: device,
		cache:  cache,
		free:   free,
		regSem: semaphore.NewWeighted(1),
		open:   make(map[int]*Inode),
	}
}

// Inode is one open inode (spec §4.2). Fields under dataMu are the
// in-memory copy of the on-disk inode plus its reference bookkeeping
// (open count, deny-write count, removed flag); the registry's
// membership (FS.open) is guarded by regSem.
type Inode struct {
	fs     *FS
	sector int

	dataMu  sync.Mutex
	disk    DiskInode
	openCnt int
	denyCnt int
	removed bool
}

// Create formats sector as a fresh inode of the given initial length,
// allocating whatever data/index sectors that requires. On any
// allocation failure every sector this call allocated is released and
// the sector is left unformatted (spec §4.2: create is all-or-nothing,
// unlike the partial-growth semantics WriteAt exposes below).
func (fs *FS) Create(ctx context.Context, sector int, length int) error {
	disk := Fresh()
	var allocated []int
	achieved, err := fs.grow(ctx, &disk, 0, length, &allocated)
	if err != nil {
		fs.free.ReleaseAll(allocated, SectorInvalid)
		return errors.Wrap(err, "inode: create")
	}
	if achieved < length {
		fs.free.ReleaseAll(allocated, SectorInvalid)
		return errors.Wrap(kerr.ErrOutOfDisk, "inode: create")
	}
	disk.Length = length
	buf := disk.Encode()
	if _, err := fs.cache.Write(fs.device, sector, buf[:], len(buf), 0); err != nil {
		fs.free.ReleaseAll(allocated, SectorInvalid)
		return errors.Wrap(err, "inode: create write header")
	}
	return nil
}

// Open returns the Inode for sector, reading it from disk on first
// open and incrementing its open count on every subsequent one (spec
// §4.2, grounded on inode_open/inode_reopen).
func (fs *FS) Open(ctx context.Context, sector int) (*Inode, error) {
	if err := fs.regSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer fs.regSem.Release(1)

	if ino, ok := fs.open[sector]; ok {
		ino.dataMu.Lock()
		ino.openCnt++
		ino.dataMu.Unlock()
		return ino, nil
	}

	buf := make([]byte, blockdev.SectorSize)
	if _, err := fs.cache.Read(fs.device, sector, buf, len(buf), 0); err != nil {
		return nil, errors.Wrap(err, "inode: open")
	}
	disk, ok := Decode(buf)
	if !ok {
		return nil, errors.Wrap(kerr.ErrNotFound, "inode: open: no inode at sector")
	}
	ino := &Inode{fs: fs, sector: sector, disk: disk, openCnt: 1}
	fs.open[sector] = ino
	return ino, nil
}

// Close decrements ino's open count. At zero, if the inode was marked
// Remove'd it is deallocated (header sector and every data/index sector
// it still owns released to the free map) and dropped from the
// registry (spec §4.2).
func (fs *FS) Close(ctx context.Context, ino *Inode) error {
	if err := fs.regSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer fs.regSem.Release(1)

	ino.dataMu.Lock()
	ino.openCnt--
	last := ino.openCnt == 0
	removed := ino.removed
	ino.dataMu.Unlock()

	if !last {
		return nil
	}
	delete(fs.open, ino.sector)
	if !removed {
		return nil
	}

	ino.dataMu.Lock()
	sectors := ino.allSectors()
	ino.dataMu.Unlock()
	sectors = append(sectors, ino.sector)
	fs.free.ReleaseAll(sectors, SectorInvalid)
	return nil
}

// Reopen bumps ino's open count without a registry lookup — the
// caller already holds a reference (spec §4.2's reopen).
func (fs *FS) Reopen(ino *Inode) {
	ino.dataMu.Lock()
	ino.openCnt++
	ino.dataMu.Unlock()
}

// Remove marks ino for deallocation once its last reference closes
// (spec §4.2's remove-vs-release distinction).
func (ino *Inode) Remove() {
	ino.dataMu.Lock()
	ino.removed = true
	ino.dataMu.Unlock()
}

// Removed reports whether Remove has been called, independent of
// whether deallocation has actually happened yet.
func (ino *Inode) Removed() bool {
	ino.dataMu.Lock()
	defer ino.dataMu.Unlock()
	return ino.removed
}

// DenyWrite and AllowWrite implement the deny-write-count semantics
// executables use to prevent writes to a running program's image.
// Unlike Pintos, which denies every write while the count is positive,
// this rewrite blocks only growth: a write that extends past the
// current length is cut off at that length (one starting at or past it
// writes 0 bytes), and an in-place overwrite of existing content is
// still allowed. Spec §4.2's
// edge case text ("a write past end with deny_write_count > 0 returns
// zero bytes written") only ever describes the growth case, so this is
// read as the literal scope of the restriction rather than Pintos's
// broader one.
func (ino *Inode) DenyWrite() {
	ino.dataMu.Lock()
	ino.denyCnt++
	ino.dataMu.Unlock()
}

func (ino *Inode) AllowWrite() {
	ino.dataMu.Lock()
	ino.denyCnt--
	ino.dataMu.Unlock()
}

// Length returns the inode's current byte length.
func (ino *Inode) Length() int {
	ino.dataMu.Lock()
	defer ino.dataMu.Unlock()
	return ino.disk.Length
}

// Sector returns the sector this inode's header occupies.
func (ino *Inode) Sector() int { return ino.sector }

// OpenCount returns the inode's current open count, for tests.
func (ino *Inode) OpenCount() int {
	ino.dataMu.Lock()
	defer ino.dataMu.Unlock()
	return ino.openCnt
}

// allSectors returns every data/index sector the inode currently owns
// (direct, indirect, and doubly-indirect, plus the index blocks
// themselves), for release on deallocation. Caller must hold dataMu.
func (ino *Inode) allSectors() []int {
	var out []int
	count := (ino.disk.Length + blockdev.SectorSize - 1) / blockdev.SectorSize
	for i := 0; i < count && i < NumDirect; i++ {
		out = append(out, int(ino.disk.Direct[i]))
	}
	if count <= NumDirect {
		return out
	}
	if ino.disk.Indirect != SectorInvalid {
		out = append(out, int(ino.disk.Indirect))
		buf := make([]byte, blockdev.SectorSize)
		if _, err := ino.fs.cache.Read(ino.fs.device, int(ino.disk.Indirect), buf, len(buf), 0); err == nil {
			blk := decodeIndirect(buf)
			n := count - NumDirect
			if n > NumIndirect {
				n = NumIndirect
			}
			for i := 0; i < n; i++ {
				out = append(out, int(blk[i]))
			}
		}
	}
	if count <= NumDirect+NumIndirect {
		return out
	}
	if ino.disk.DoublyIndirect != SectorInvalid {
		out = append(out, int(ino.disk.DoublyIndirect))
		dbuf := make([]byte, blockdev.SectorSize)
		if _, err := ino.fs.cache.Read(ino.fs.device, int(ino.disk.DoublyIndirect), dbuf, len(dbuf), 0); err == nil {
			dblk := decodeIndirect(dbuf)
			remaining := count - NumDirect - NumIndirect
			for i := 0; i < len(dblk) && remaining > 0; i++ {
				if dblk[i] == SectorInvalid {
					continue
				}
				out = append(out, int(dblk[i]))
				buf := make([]byte, blockdev.SectorSize)
				if _, err := ino.fs.cache.Read(ino.fs.device, int(dblk[i]), buf, len(buf), 0); err == nil {
					blk := decodeIndirect(buf)
					n := remaining
					if n > NumIndirect {
						n = NumIndirect
					}
					for j := 0; j < n; j++ {
						out = append(out, int(blk[j]))
					}
				}
				remaining -= NumIndirect
			}
		}
	}
	return out
}
