// Package bcache is the buffer cache sitting between the inode layer and
// the block device (spec §4.1): a bounded, clock-replaced set of
// sector-sized entries with asynchronous write-behind and read-ahead.
//
// Grounded on the teacher's fs.Bdev_block_t (biscuit/src/fs/blk.go) for
// the entry/request shape and on original_source/src/filesys/bcache.c
// for the CLOCK replacement policy and the find/alloc/use split. The
// write-behind worker and the slot-lock/content-lock split are this
// spec's own additions (§4.1, §9) — the retrieved bcache.c writes
// synchronously on every write and has no read-ahead, which this
// rewrite corrects per spec.
package bcache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"vmcore/blockdev"
	"vmcore/metrics"
	"vmcore/sched"
)

// debug gates verbose tracing, the same role the teacher's bdev_debug
// package variable plays in fs/blk.go.
var debug = false

// Entry is one cached, sector-sized buffer. The slot lock covers
// metadata and list linkage (held briefly); the content lock is held
// across device I/O so concurrent readers of *other* entries are never
// blocked by one entry's I/O (spec §4.1).
type Entry struct {
	slotMu    sync.Mutex
	contentMu sync.Mutex

	device blockdev.Device
	sector int
	buf    [blockdev.SectorSize]byte
	dirty  bool
	used   bool
}

type key struct {
	device blockdev.Device
	sector int
}

// Cache is a bounded buffer cache with CLOCK replacement (spec §4.1).
type Cache struct {
	// gate implements the writer-preference reader/writer protocol over
	// the entry set described in spec §4.1: RLock for traversal (find,
	// sweep), Lock for structural mutation (insert, index swap on
	// eviction). Go's sync.RWMutex already blocks new readers once a
	// writer is waiting, which is exactly the writer-preference contract
	// spec §9's second open question asks for — no hand-rolled counters
	// and condition variables are needed to get that property.
	gate sync.RWMutex

	entries []*Entry
	index   map[key]*Entry
	hand    int

	capacity int

	wbCancel context.CancelFunc
	wbDone   chan struct{}
}

// New creates an empty cache bounded to capacity entries and starts its
// write-behind worker, which flushes dirty entries every wbIntervalTicks
// scheduler ticks (T_WB in spec §4.1).
func New(capacity, wbIntervalTicks int) *Cache {
	c := &Cache{
		capacity: capacity,
		index:    make(map[key]*Entry, capacity),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.wbCancel = cancel
	c.wbDone = make(chan struct{})
	go c.writeBehind(ctx, wbIntervalTicks)
	return c
}

// Shutdown stops the write-behind worker, then flushes and frees every
// entry (spec §4.1, §5: "a dirty buffer is written to the device before
// ... shutdown returns").
func (c *Cache) Shutdown() error {
	c.wbCancel()
	<-c.wbDone

	c.gate.Lock()
	defer c.gate.Unlock()
	var firstErr error
	for _, e := range c.entries {
		e.contentMu.Lock()
		if e.dirty {
			if err := e.device.WriteSector(e.sector, e.buf[:]); err != nil {
				if firstErr == nil {
					firstErr = errors.Wrap(err, "bcache: shutdown flush")
				}
			} else {
				e.dirty = false
				metrics.BcacheWriteBacks.Inc()
			}
		}
		e.contentMu.Unlock()
	}
	c.entries = nil
	c.index = make(map[key]*Entry)
	c.hand = 0
	return firstErr
}

func (c *Cache) writeBehind(ctx context.Context, intervalTicks int) {
	defer close(c.wbDone)
	for {
		sched.Sleep(ctx, intervalTicks)
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.flushDirty()
	}
}

func (c *Cache) flushDirty() {
	c.gate.RLock()
	entries := append([]*Entry(nil), c.entries...)
	c.gate.RUnlock()
	for _, e := range entries {
		e.contentMu.Lock()
		if e.dirty {
			if err := e.device.WriteSector(e.sector, e.buf[:]); err != nil {
				log.Warnln("bcache: write-behind failed:", err)
			} else {
				e.dirty = false
				metrics.BcacheWriteBacks.Inc()
			}
		}
		e.contentMu.Unlock()
	}
}

// find looks up an existing entry for (device, sector) under the
// traversal flow.
func (c *Cache) find(device blockdev.Device, sector int) *Entry {
	c.gate.RLock()
	e := c.index[key{device, sector}]
	c.gate.RUnlock()
	return e
}

// allocate returns an entry for (device, sector), populating it from the
// device if it was not already resident, evicting a victim via CLOCK if
// the cache is already at capacity. The returned entry's content lock is
// held by the caller's I/O (acquired and released internally here); by
// the time allocate returns, the entry's buffer reflects the device.
func (c *Cache) allocate(device blockdev.Device, sector int) (*Entry, error) {
	c.gate.Lock()
	if len(c.entries) < c.capacity {
		e := &Entry{device: device, sector: sector}
		e.contentMu.Lock()
		c.entries = append(c.entries, e)
		c.index[key{device, sector}] = e
		c.gate.Unlock()

		if err := device.ReadSector(sector, e.buf[:]); err != nil {
			e.contentMu.Unlock()
			return nil, errors.Wrap(err, "bcache: populate new entry")
		}
		e.contentMu.Unlock()
		metrics.BcacheMisses.Inc()
		return e, nil
	}
	n := len(c.entries)
	c.gate.Unlock()

	// CLOCK sweep: find the first entry whose used bit is clear,
	// clearing used bits along the way (spec §4.1 steps 1-3). The sweep
	// reads the shared entry slice under the traversal flow and only
	// ever holds a per-entry slot lock while inspecting a candidate.
	for attempts := 0; attempts < 2*n+1; attempts++ {
		c.gate.RLock()
		idx := c.hand % len(c.entries)
		c.hand = (c.hand + 1) % len(c.entries)
		e := c.entries[idx]
		c.gate.RUnlock()

		e.slotMu.Lock()
		if e.used {
			e.used = false
			e.slotMu.Unlock()
			continue
		}
		e.slotMu.Unlock()

		// Candidate victim. Pin it with the content lock before doing
		// any I/O; another goroutine mid-I/O on this entry simply makes
		// us wait here rather than double-evicting it.
		e.contentMu.Lock()
		if e.dirty {
			if err := e.device.WriteSector(e.sector, e.buf[:]); err != nil {
				e.contentMu.Unlock()
				return nil, errors.Wrap(err, "bcache: writeback victim")
			}
			e.dirty = false
			metrics.BcacheWriteBacks.Inc()
		}
		oldKey := key{e.device, e.sector}

		c.gate.Lock()
		delete(c.index, oldKey)
		e.device, e.sector = device, sector
		c.index[key{device, sector}] = e
		c.gate.Unlock()

		if err := device.ReadSector(sector, e.buf[:]); err != nil {
			e.contentMu.Unlock()
			return nil, errors.Wrap(err, "bcache: populate victim")
		}
		e.contentMu.Unlock()
		metrics.BcacheEvictions.Inc()
		metrics.BcacheMisses.Inc()
		return e, nil
	}
	return nil, errors.New("bcache: clock sweep made no progress")
}

func (c *Cache) lookupOrAllocate(device blockdev.Device, sector int) (e *Entry, hit bool, err error) {
	if e := c.find(device, sector); e != nil {
		return e, true, nil
	}
	e, err = c.allocate(device, sector)
	return e, false, err
}

// Read copies size bytes from the cached sector starting at offset into
// dst. dst may be nil, meaning "just populate the cache". It reports
// whether the lookup was a cache hit; only a hit sets the entry's used
// bit.
func (c *Cache) Read(device blockdev.Device, sector int, dst []byte, size, offset int) (bool, error) {
	if offset < 0 || size < 0 || offset+size > blockdev.SectorSize {
		panic("bcache: read out of sector bounds")
	}
	e, hit, err := c.lookupOrAllocate(device, sector)
	if err != nil {
		return false, err
	}
	if hit {
		e.slotMu.Lock()
		e.used = true
		e.slotMu.Unlock()
	}

	e.contentMu.Lock()
	if dst != nil {
		copy(dst, e.buf[offset:offset+size])
	}
	e.contentMu.Unlock()
	if hit {
		metrics.BcacheHits.Inc()
	}
	if debug {
		log.Debugln("bcache: read", sector, "hit", hit)
	}
	return hit, nil
}

// Write copies size bytes from src into the cached sector at offset and
// marks the entry dirty. The device sector is not written synchronously
// — write-behind or Shutdown does that later.
func (c *Cache) Write(device blockdev.Device, sector int, src []byte, size, offset int) (bool, error) {
	if offset < 0 || size < 0 || offset+size > blockdev.SectorSize {
		panic("bcache: write out of sector bounds")
	}
	e, hit, err := c.lookupOrAllocate(device, sector)
	if err != nil {
		return false, err
	}
	if hit {
		e.slotMu.Lock()
		e.used = true
		e.slotMu.Unlock()
	}

	e.contentMu.Lock()
	copy(e.buf[offset:offset+size], src[:size])
	e.dirty = true
	e.contentMu.Unlock()
	if hit {
		metrics.BcacheHits.Inc()
	}
	if debug {
		log.Debugln("bcache: write", sector, "hit", hit)
	}
	return hit, nil
}

// ReadAhead schedules an asynchronous populating read of (device,
// sector) if it is not already cached. Duplicate calls are permitted —
// they waste a redundant fetch, never corrupt state (spec §4.1).
func (c *Cache) ReadAhead(ctx context.Context, device blockdev.Device, sector int) {
	if c.find(device, sector) != nil {
		return
	}
	sched.Spawn(ctx, "read-ahead", func(ctx context.Context) {
		if _, err := c.allocate(device, sector); err != nil {
			log.Debugln("bcache: read-ahead failed:", err)
		}
	})
}

// SetDebug toggles verbose tracing, mirroring the teacher's bdev_debug.
func SetDebug(v bool) { debug = v }
