package bcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/blockdev"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dev := blockdev.NewMem(8, blockdev.RoleFilesys)
	c := New(4, 1_000_000)
	defer c.Shutdown()

	src := []byte("hello, sector zero")
	_, err := c.Write(dev, 0, src, len(src), 0)
	require.NoError(t, err)

	dst := make([]byte, len(src))
	hit, err := c.Read(dev, 0, dst, len(dst), 0)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, src, dst)
}

func TestWriteIsNotSynchronous(t *testing.T) {
	dev := blockdev.NewMem(4, blockdev.RoleFilesys)
	c := New(4, 1_000_000)
	defer c.Shutdown()

	payload := []byte{0xAB}
	_, err := c.Write(dev, 1, payload, 1, 0)
	require.NoError(t, err)

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(1, raw))
	require.NotEqual(t, byte(0xAB), raw[0], "write must not reach the device before write-back")
}

func TestShutdownFlushesDirtyEntries(t *testing.T) {
	dev := blockdev.NewMem(4, blockdev.RoleFilesys)
	c := New(4, 1_000_000)

	payload := []byte{0xCD}
	_, err := c.Write(dev, 2, payload, 1, 0)
	require.NoError(t, err)
	require.NoError(t, c.Shutdown())

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(2, raw))
	require.Equal(t, byte(0xCD), raw[0])
}

func TestClockEvictsWithoutUsedBit(t *testing.T) {
	dev := blockdev.NewMem(8, blockdev.RoleFilesys)
	c := New(4, 1_000_000)
	defer c.Shutdown()

	buf := make([]byte, 1)
	for s := 0; s < 4; s++ {
		hit, err := c.Read(dev, s, buf, 1, 0)
		require.NoError(t, err)
		require.False(t, hit)
	}
	// All four entries now hold sectors 0..3 with used=false: a miss
	// does not set the used bit. Hit 0..2 again to set their used bit,
	// then bring in sector 4: the sweep clears the bits of 0..2 and
	// lands on the first entry whose used bit is clear, i.e. sector 3
	// (never hit).
	for s := 0; s < 3; s++ {
		_, err := c.Read(dev, s, buf, 1, 0)
		require.NoError(t, err)
	}
	hit, err := c.Read(dev, 4, buf, 1, 0)
	require.NoError(t, err)
	require.False(t, hit)

	require.NotNil(t, c.find(dev, 0))
	require.NotNil(t, c.find(dev, 1))
	require.NotNil(t, c.find(dev, 2))
	require.Nil(t, c.find(dev, 3), "sector 3 should have been evicted")
	require.NotNil(t, c.find(dev, 4))
}

func TestReadAheadIsIdempotentWaste(t *testing.T) {
	dev := blockdev.NewMem(4, blockdev.RoleFilesys)
	c := New(4, 1_000_000)
	defer c.Shutdown()

	ctx := context.Background()
	c.ReadAhead(ctx, dev, 0)
	c.ReadAhead(ctx, dev, 0)

	// The background populates are not awaited (Shutdown does not wait
	// for read-ahead tasks); this only checks that a duplicate request
	// is accepted without a panic.
}
