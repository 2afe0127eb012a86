package inode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/bcache"
	"vmcore/blockdev"
	"vmcore/freemap"
)

func newTestFS(t *testing.T, sectors uint) (*FS, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMem(int(sectors), blockdev.RoleFilesys)
	cache := bcache.New(64, 1_000_000)
	t.Cleanup(func() { cache.Shutdown() })
	free := freemap.New(sectors, 1) // sector 0 reserved for the inode header under test
	return NewFS(dev, cache, free), dev
}

func TestCreateOpenReadWrite(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, 4096)

	require.NoError(t, fs.Create(ctx, 0, 0))
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 0, ino.Length())

	payload := []byte("hello inode world")
	n, err := ino.WriteAt(payload, len(payload), 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, len(payload), ino.Length())

	dst := make([]byte, len(payload))
	n, err = ino.ReadAt(dst, len(dst), 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestWriteAtGrowsAcrossIndirectBoundary(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, 1<<16)

	require.NoError(t, fs.Create(ctx, 0, 0))
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)

	// NumDirect sectors land inside the direct block; one more sector
	// crosses into the singly-indirect range.
	offset := (NumDirect + 1) * blockdev.SectorSize
	payload := []byte("past the indirect boundary")
	n, err := ino.WriteAt(payload, len(payload), offset)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	dst := make([]byte, len(payload))
	n, err = ino.ReadAt(dst, len(dst), offset)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestWriteAtPartialGrowthOnExhaustion(t *testing.T) {
	ctx := context.Background()
	// Only a handful of free sectors beyond the header: growth will run
	// out partway through a large write.
	fs, _ := newTestFS(t, 16)

	require.NoError(t, fs.Create(ctx, 0, 0))
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)

	big := make([]byte, 32*blockdev.SectorSize)
	n, err := ino.WriteAt(big, len(big), 0)
	require.Error(t, err)
	require.Less(t, n, len(big))
	require.Equal(t, n, ino.Length())
	require.Zero(t, ino.Length()%blockdev.SectorSize)
}

func TestCreateRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, 8)

	err := fs.Create(ctx, 0, 32*blockdev.SectorSize)
	require.Error(t, err)
	require.Equal(t, uint(7), fs.free.Free())
}

func TestRemoveDeallocatesOnLastClose(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, 64)

	require.NoError(t, fs.Create(ctx, 0, 0))
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)
	_, err = ino.WriteAt([]byte("data"), 4, 0)
	require.NoError(t, err)

	before := fs.free.Free()
	ino.Remove()
	require.True(t, ino.Removed())
	require.NoError(t, fs.Close(ctx, ino))
	require.Greater(t, fs.free.Free(), before)
}

func TestDenyWriteBlocksGrowthOnly(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, 64)

	require.NoError(t, fs.Create(ctx, 0, 8))
	ino, err := fs.Open(ctx, 0)
	require.NoError(t, err)
	ino.DenyWrite()

	n, err := ino.WriteAt([]byte("abcdefghij"), 10, 0)
	require.NoError(t, err)
	require.Equal(t, 8, n, "write past end under deny_write_count>0 is truncated to current length")

	n, err = ino.WriteAt([]byte("AB"), 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n, "in-place overwrite within current length is still allowed")
}
