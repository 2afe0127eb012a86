package spt

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
	"vmcore/swap"
)

type harness struct {
	fs      *inode.FS
	frames  *frame.Table
	swapTab *swap.Table
	proc    *process.Process
	table   *Table
}

func newHarness(t *testing.T, nframes int) *harness {
	t.Helper()
	ctx := context.Background()
	dev := blockdev.NewMem(4096, blockdev.RoleFilesys)
	cache := bcache.New(64, 1_000_000)
	t.Cleanup(func() { cache.Shutdown() })
	free := freemap.New(4096, 1)
	fs := inode.NewFS(dev, cache, free)

	swapDev := blockdev.NewMem(swap.SectorsPerSlot*16, blockdev.RoleSwap)
	swapTab := swap.New(swapDev)

	alloc := palloc.New(nframes)
	frames := frame.New(alloc)

	proc := process.New(1, 0x20000000, 0x1FFF0000)
	table := NewTable(proc, frames, swapTab)
	proc.SPT = table

	require.NoError(t, fs.Create(ctx, 0, 4096))

	return &harness{fs: fs, frames: frames, swapTab: swapTab, proc: proc, table: table}
}

func TestReloadZeroFilled(t *testing.T) {
	h := newHarness(t, 4)
	handle, err := h.table.Insert(0x1000, ZeroFilled, true)
	require.NoError(t, err)
	require.NoError(t, h.table.Reload(handle))
	h.table.CheckIn(handle)

	kv, writable, ok := h.proc.Dir.Mapped(0x1000)
	require.True(t, ok)
	require.True(t, writable)
	_ = kv
}

func TestInsertRejectsDuplicate(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.table.Insert(0x2000, ZeroFilled, true)
	require.NoError(t, err)
	_, err = h.table.Insert(0x2000, ZeroFilled, true)
	require.Error(t, err)
}

func TestPageFaultStackGrowth(t *testing.T) {
	h := newHarness(t, 4)
	sp := uint64(0x1FFF8000)
	fa := sp - 16
	require.NoError(t, h.table.PageFault(fa, sp, true))

	up := fa &^ uint64(pageMask)
	_, ok := h.table.CheckOut(up)
	require.True(t, ok)
}

func TestPageFaultRejectsUnmappedNonStack(t *testing.T) {
	h := newHarness(t, 4)
	err := h.table.PageFault(0x50000000, 0x1FFF8000, false)
	require.Error(t, err)
}

func TestPageFaultRejectsKernelAddress(t *testing.T) {
	h := newHarness(t, 4)
	err := h.table.PageFault(process.DefaultKernelBase+0x1000, 0x1FFF8000, false)
	require.Error(t, err)

	up := (process.DefaultKernelBase + 0x1000) &^ uint64(pageMask)
	_, ok := h.table.CheckOut(up)
	require.False(t, ok, "a kernel-range fault must never insert an SPT entry")
}

func TestFileBackedReloadReadsBytes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	ino, err := h.fs.Open(ctx, 0)
	require.NoError(t, err)
	payload := []byte("page contents from disk")
	_, err = ino.WriteAt(payload, len(payload), 0)
	require.NoError(t, err)

	handle, err := h.table.InsertFileBacked(0x3000, true, ino, 0, len(payload), false)
	require.NoError(t, err)
	require.NoError(t, h.table.Reload(handle))
	f, ok := handle.Frame()
	require.True(t, ok)
	require.Equal(t, payload, f.Page()[:len(payload)])
	h.table.CheckIn(handle)

	kv, _, ok := h.proc.Dir.Mapped(0x3000)
	require.True(t, ok)
	_ = kv
}

func TestEvictZeroFilledDirtyGoesToSwap(t *testing.T) {
	h := newHarness(t, 4)
	handle, err := h.table.Insert(0x4000, ZeroFilled, true)
	require.NoError(t, err)
	require.NoError(t, h.table.Reload(handle))
	h.table.CheckIn(handle)

	h.proc.Dir.Touch(0x4000, true) // mark dirty

	require.NoError(t, h.table.Evict(0x4000))
	require.EqualValues(t, 1, h.swapTab.Used())

	handle2, ok := h.table.CheckOut(0x4000)
	require.True(t, ok)
	require.NoError(t, h.table.Reload(handle2))
	h.table.CheckIn(handle2)
	require.Zero(t, h.swapTab.Used(), "reload consumed the swap slot")
}
