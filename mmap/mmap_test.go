package mmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/bcache"
	"vmcore/blockdev"
	"vmcore/freemap"
	"vmcore/frame"
	"vmcore/inode"
	"vmcore/palloc"
	"vmcore/process"
	"vmcore/spt"
	"vmcore/swap"
)

func newHarness(t *testing.T) (*inode.FS, *Table, *process.Process, *spt.Table) {
	t.Helper()
	ctx := context.Background()
	dev := blockdev.NewMem(4096, blockdev.RoleFilesys)
	cache := bcache.New(64, 1_000_000)
	t.Cleanup(func() { cache.Shutdown() })
	free := freemap.New(4096, 1)
	fs := inode.NewFS(dev, cache, free)

	swapDev := blockdev.NewMem(swap.SectorsPerSlot*16, blockdev.RoleSwap)
	swapTab := swap.New(swapDev)
	alloc := palloc.New(8)
	frames := frame.New(alloc)
	proc := process.New(1, 0x20000000, 0x1FFF0000)
	sptTable := spt.NewTable(proc, frames, swapTab)
	proc.SPT = sptTable

	require.NoError(t, fs.Create(ctx, 0, 3000))
	return fs, NewTable(sptTable, fs), proc, sptTable
}

func TestMapRejectsEmptyFile(t *testing.T) {
	fs, m, _, _ := newHarness(t)
	ctx := context.Background()
	require.NoError(t, fs.Create(ctx, 1, 0))
	empty, err := fs.Open(ctx, 1)
	require.NoError(t, err)

	_, err = m.Map(0x10000000, empty)
	require.Error(t, err)
}

// TestMapThenUnmapWritesBackDirtyPage exercises spec §8's E3 scenario
// end to end: fault the mapped page in, write a byte through its
// frame, mark the page dirty (standing in for the hardware dirty bit a
// real store instruction would set), unmap, and confirm the byte
// landed at the matching file offset.
func TestMapThenUnmapWritesBackDirtyPage(t *testing.T) {
	const uvaddr = 0x10000000
	ctx := context.Background()
	fs, m, proc, sptTable := newHarness(t)
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)

	mapping, err := m.Map(uvaddr, ino)
	require.NoError(t, err)
	require.Equal(t, 1, mapping.PageCount)

	h, ok := sptTable.CheckOut(uvaddr)
	require.True(t, ok)
	require.NoError(t, sptTable.Reload(h))
	f, ok := h.Frame()
	require.True(t, ok)
	f.Page()[2047] = 0x5A
	proc.Dir.Touch(uvaddr, true)
	sptTable.CheckIn(h)

	require.NoError(t, m.Unmap(mapping.ID))

	readBack := make([]byte, 1)
	n, err := ino.ReadAt(readBack, 1, 2047)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte(0x5A), readBack[0])
}

func TestMapRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	fs, m, _, _ := newHarness(t)
	require.NoError(t, fs.Create(ctx, 2, 3000))
	a, err := fs.Open(ctx, 0)
	require.NoError(t, err)
	b, err := fs.Open(ctx, 2)
	require.NoError(t, err)

	_, err = m.Map(0x10000000, a)
	require.NoError(t, err)
	_, err = m.Map(0x10000000, b)
	require.Error(t, err)
}
