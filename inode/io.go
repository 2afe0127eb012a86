package inode

import (
	"context"

	"github.com/pkg/errors"

	"vmcore/blockdev"
	"vmcore/kerr"
)

// sectorAt resolves the sector index idx (0-based, within an inode) to
// a device sector number against a snapshot of the inode's pointer
// table, reading whatever indirect blocks the lookup passes through
// via the buffer cache (which serialises concurrent access to those
// index sectors on its own). It returns SectorInvalid if idx falls
// past whatever has actually been allocated. Grounded on
// byte_to_sector in original_source/src/filesys/inode.c.
func (fs *FS) sectorAt(disk *DiskInode, idx int) (uint32, error) {
	switch {
	case idx < NumDirect:
		return disk.Direct[idx], nil
	case idx < NumDirect+NumIndirect:
		if disk.Indirect == SectorInvalid {
			return SectorInvalid, nil
		}
		blk, err := fs.readIndirectRaw(disk.Indirect)
		if err != nil {
			return 0, err
		}
		return blk[idx-NumDirect], nil
	case idx < MaxSectors:
		if disk.DoublyIndirect == SectorInvalid {
			return SectorInvalid, nil
		}
		dblk, err := fs.readIndirectRaw(disk.DoublyIndirect)
		if err != nil {
			return 0, err
		}
		rel := idx - NumDirect - NumIndirect
		outer := rel / NumIndirect
		if dblk[outer] == SectorInvalid {
			return SectorInvalid, nil
		}
		blk, err := fs.readIndirectRaw(dblk[outer])
		if err != nil {
			return 0, err
		}
		return blk[rel%NumIndirect], nil
	default:
		return SectorInvalid, nil
	}
}

// grow extends disk from oldLength to at most newLength, allocating
// and zero-filling whatever data and index sectors that requires.
// allocated collects every sector number this call allocates (used by
// Create for all-or-nothing rollback). It returns the length actually
// achieved: on an allocation failure partway through, everything
// already linked into disk before the failure is kept (spec's E5
// scenario: "the inode's length reflects only the successfully written
// prefix, and no sector beyond the last accepted is marked allocated")
// rather than rolled back — the caller decides whether partial
// progress is acceptable (WriteAt) or must be undone in full (Create).
func (fs *FS) grow(ctx context.Context, disk *DiskInode, oldLength, newLength int, allocated *[]int) (int, error) {
	if newLength <= oldLength {
		return oldLength, nil
	}
	if newLength > MaxSectors*blockdev.SectorSize {
		return oldLength, errors.Wrap(kerr.ErrOutOfDisk, "inode: grow: exceeds maximum file size")
	}

	firstNewIdx := oldLength / blockdev.SectorSize
	lastIdx := (newLength - 1) / blockdev.SectorSize
	achieved := oldLength

	for idx := firstNewIdx; idx <= lastIdx; idx++ {
		if _, err := fs.growOneSector(disk, idx, allocated); err != nil {
			return achieved, err
		}
		upper := (idx + 1) * blockdev.SectorSize
		if upper > newLength {
			upper = newLength
		}
		achieved = upper
	}
	return achieved, nil
}

// growOneSector ensures sector index idx is allocated and linked into
// disk, allocating any index (indirect/doubly-indirect) blocks along
// the way, and zero-filling the new data sector.
func (fs *FS) growOneSector(disk *DiskInode, idx int, allocated *[]int) (uint32, error) {
	switch {
	case idx < NumDirect:
		if disk.Direct[idx] != SectorInvalid {
			return disk.Direct[idx], nil
		}
		s, err := fs.allocZeroed(allocated)
		if err != nil {
			return 0, err
		}
		disk.Direct[idx] = s
		return s, nil

	case idx < NumDirect+NumIndirect:
		rel := idx - NumDirect
		if disk.Indirect == SectorInvalid {
			s, err := fs.allocIndirectBlock(allocated)
			if err != nil {
				return 0, err
			}
			disk.Indirect = s
		}
		blk, err := fs.readIndirectRaw(disk.Indirect)
		if err != nil {
			return 0, err
		}
		if blk[rel] != SectorInvalid {
			return blk[rel], nil
		}
		s, err := fs.allocZeroed(allocated)
		if err != nil {
			return 0, err
		}
		blk[rel] = s
		if err := fs.writeIndirectRaw(disk.Indirect, blk); err != nil {
			return 0, err
		}
		return s, nil

	case idx < MaxSectors:
		rel := idx - NumDirect - NumIndirect
		outer := rel / NumIndirect
		inner := rel % NumIndirect
		if disk.DoublyIndirect == SectorInvalid {
			s, err := fs.allocIndirectBlock(allocated)
			if err != nil {
				return 0, err
			}
			disk.DoublyIndirect = s
		}
		dblk, err := fs.readIndirectRaw(disk.DoublyIndirect)
		if err != nil {
			return 0, err
		}
		if dblk[outer] == SectorInvalid {
			s, err := fs.allocIndirectBlock(allocated)
			if err != nil {
				return 0, err
			}
			dblk[outer] = s
			if err := fs.writeIndirectRaw(disk.DoublyIndirect, dblk); err != nil {
				return 0, err
			}
		}
		blk, err := fs.readIndirectRaw(dblk[outer])
		if err != nil {
			return 0, err
		}
		if blk[inner] != SectorInvalid {
			return blk[inner], nil
		}
		s, err := fs.allocZeroed(allocated)
		if err != nil {
			return 0, err
		}
		blk[inner] = s
		if err := fs.writeIndirectRaw(dblk[outer], blk); err != nil {
			return 0, err
		}
		return s, nil

	default:
		return 0, errors.Wrap(kerr.ErrOutOfDisk, "inode: grow: sector index out of range")
	}
}

func (fs *FS) allocZeroed(allocated *[]int) (uint32, error) {
	sector, err := fs.free.Allocate()
	if err != nil {
		return 0, err
	}
	*allocated = append(*allocated, sector)
	zero := make([]byte, blockdev.SectorSize)
	if _, err := fs.cache.Write(fs.device, sector, zero, len(zero), 0); err != nil {
		return 0, errors.Wrap(err, "inode: zero-fill new sector")
	}
	return uint32(sector), nil
}

func (fs *FS) allocIndirectBlock(allocated *[]int) (uint32, error) {
	sector, err := fs.free.Allocate()
	if err != nil {
		return 0, err
	}
	*allocated = append(*allocated, sector)
	blk := freshIndirect()
	buf := blk.encode()
	if _, err := fs.cache.Write(fs.device, sector, buf[:], len(buf), 0); err != nil {
		return 0, errors.Wrap(err, "inode: initialise index block")
	}
	return uint32(sector), nil
}

func (fs *FS) readIndirectRaw(sector uint32) (indirectBlock, error) {
	buf := make([]byte, blockdev.SectorSize)
	if _, err := fs.cache.Read(fs.device, int(sector), buf, len(buf), 0); err != nil {
		return indirectBlock{}, errors.Wrap(err, "inode: read index block")
	}
	return decodeIndirect(buf), nil
}

func (fs *FS) writeIndirectRaw(sector uint32, blk indirectBlock) error {
	buf := blk.encode()
	if _, err := fs.cache.Write(fs.device, int(sector), buf[:], len(buf), 0); err != nil {
		return errors.Wrap(err, "inode: write index block")
	}
	return nil
}

// ReadAt copies up to size bytes starting at offset into dst, capped at
// the inode's current length (spec §4.2). It never grows the inode.
func (ino *Inode) ReadAt(dst []byte, size, offset int) (int, error) {
	ino.dataMu.Lock()
	length := ino.disk.Length
	snapshot := ino.disk
	ino.dataMu.Unlock()

	if offset >= length {
		return 0, nil
	}
	if offset+size > length {
		size = length - offset
	}
	return ino.fs.transfer(&snapshot, dst, nil, size, offset)
}

// WriteAt writes up to size bytes from src at offset, growing the
// inode if offset+size exceeds its current length. If growth cannot
// fully satisfy the request (disk exhaustion, or deny_write blocking
// growth while denyCnt > 0), it writes as much as the achieved length
// allows and returns that shorter count, matching spec §4.2's E5
// scenario rather than failing the whole call. The exception is a grow
// that fails before extending the length at all: the call then writes
// nothing and returns 0 with the error.
func (ino *Inode) WriteAt(src []byte, size, offset int) (int, error) {
	ino.dataMu.Lock()
	requested := offset + size
	want := requested
	var growErr error
	if want > ino.disk.Length {
		if ino.denyCnt > 0 {
			want = ino.disk.Length
		} else {
			var allocated []int
			achieved, err := ino.fs.grow(context.Background(), &ino.disk, ino.disk.Length, want, &allocated)
			if err != nil && achieved == ino.disk.Length {
				ino.dataMu.Unlock()
				return 0, errors.Wrap(err, "inode: write_at: grow")
			}
			growErr = err
			ino.disk.Length = achieved
			want = achieved
			buf := ino.disk.Encode()
			if _, err := ino.fs.cache.Write(ino.fs.device, ino.sector, buf[:], len(buf), 0); err != nil {
				ino.dataMu.Unlock()
				return 0, errors.Wrap(err, "inode: write_at: update header")
			}
		}
	}
	snapshot := ino.disk
	ino.dataMu.Unlock()

	if offset >= want {
		return 0, growErr
	}
	n := want - offset
	if n > size {
		n = size
	}
	written, err := ino.fs.transfer(&snapshot, nil, src, n, offset)
	if err != nil {
		return written, err
	}
	if growErr != nil && written < size {
		return written, errors.Wrap(kerr.ErrOutOfDisk, "inode: write_at: short write")
	}
	return written, nil
}

// transfer moves n bytes at offset, copying into dst if dst != nil
// (read direction) or from src if src != nil (write direction), using
// disk as a fixed snapshot of the inode's pointer table. Each
// sector-sized chunk goes through the buffer cache independently, so
// no inode-wide lock is held across the I/O — the cache's own
// per-entry locks serialise concurrent access to a given sector (spec
// §4.2's concurrency contract).
func (fs *FS) transfer(disk *DiskInode, dst, src []byte, n, offset int) (int, error) {
	done := 0
	for done < n {
		idx := (offset + done) / blockdev.SectorSize
		within := (offset + done) % blockdev.SectorSize
		chunk := blockdev.SectorSize - within
		if chunk > n-done {
			chunk = n - done
		}

		sector, err := fs.sectorAt(disk, idx)
		if err != nil {
			return done, err
		}
		if sector == SectorInvalid {
			return done, errors.Wrap(kerr.ErrNotFound, "inode: transfer: unallocated sector")
		}

		if dst != nil {
			if _, err := fs.cache.Read(fs.device, int(sector), dst[done:done+chunk], chunk, within); err != nil {
				return done, err
			}
		} else {
			if _, err := fs.cache.Write(fs.device, int(sector), src[done:done+chunk], chunk, within); err != nil {
				return done, err
			}
		}
		done += chunk
	}
	return done, nil
}
