// Package mmap is the memory-mapped file manager (spec §4.4): per
// process, a map from mapping id to the user address range and file it
// backs, built entirely on top of the supplemental page table.
//
// Grounded on original_source/src/userprog/syscall.c's mmap/munmap
// handlers and vm/mapping.c's per-page FileBacked descriptor setup.
package mmap

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"vmcore/inode"
	"vmcore/kerr"
	"vmcore/spt"
)

const pageSize = 4096

// Mapping is one mmap'd region (spec §3).
type Mapping struct {
	ID        int
	Base      uint64
	PageCount int
	file      *inode.Inode
}

// Table is one process's mapping table, built on top of an *spt.Table.
type Table struct {
	mu      sync.Mutex
	spt     *spt.Table
	fs      *inode.FS
	nextID  int
	entries map[int]*Mapping
}

// NewTable creates an empty mapping table layered on spt, reopening
// and closing files against fs.
func NewTable(spt *spt.Table, fs *inode.FS) *Table {
	return &Table{spt: spt, fs: fs, entries: make(map[int]*Mapping)}
}

// Map reopens file and inserts one writable FileBacked descriptor per
// page covering it at base (spec §4.4's map). It fails if the file is
// empty, if any required page already has an SPT entry, or on
// allocation failure — with no partial state left behind.
func (t *Table) Map(base uint64, file *inode.Inode) (*Mapping, error) {
	length := file.Length()
	if length == 0 {
		return nil, errors.New("mmap: cannot map a zero-length file")
	}
	pageCount := (length + pageSize - 1) / pageSize
	for i := 0; i < pageCount; i++ {
		if h, ok := t.spt.CheckOut(base + uint64(i*pageSize)); ok {
			t.spt.CheckIn(h)
			return nil, errors.Wrap(kerr.ErrAlreadyMapped, "mmap: map")
		}
	}
	t.fs.Reopen(file)

	handles := make([]*spt.Handle, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		uvaddr := base + uint64(i*pageSize)
		offset := i * pageSize
		validBytes := pageSize
		if remaining := length - offset; remaining < pageSize {
			validBytes = remaining
		}
		h, err := t.spt.InsertFileBacked(uvaddr, true, file, offset, validBytes, false)
		if err != nil {
			for _, prev := range handles {
				t.spt.CheckIn(prev)
			}
			t.fs.Close(context.Background(), file)
			return nil, errors.Wrap(err, "mmap: map")
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		t.spt.CheckIn(h)
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	m := &Mapping{ID: id, Base: base, PageCount: pageCount, file: file}
	t.entries[id] = m
	t.mu.Unlock()
	return m, nil
}

// Unmap evicts every page of mapping id, writing dirty pages back to
// the file via the usual eviction path, closes the file handle and
// drops the mapping (spec §4.4's unmap). The pages' descriptors are not
// removed from the supplemental page table, so the range stays
// occupied there after Unmap returns.
func (t *Table) Unmap(id int) error {
	t.mu.Lock()
	m, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if !ok {
		return errors.Wrap(kerr.ErrNotFound, "mmap: unmap")
	}

	for i := 0; i < m.PageCount; i++ {
		uvaddr := m.Base + uint64(i*pageSize)
		if err := t.spt.Evict(uvaddr); err != nil {
			return errors.Wrap(err, "mmap: unmap: evict")
		}
	}
	return t.fs.Close(context.Background(), m.file)
}

// DestroyTable unmaps every mapping a process still owns (spec §4.4's
// destroy_table), used on process exit.
func (t *Table) DestroyTable() error {
	t.mu.Lock()
	ids := make([]int, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := t.Unmap(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
