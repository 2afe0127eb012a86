package swap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/blockdev"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dev := blockdev.NewMem(64, blockdev.RoleSwap)
	tab := New(dev)

	page := bytes.Repeat([]byte{0x7E}, PageSize)
	slot := tab.Write(page)
	require.EqualValues(t, 1, tab.Used())

	dst := make([]byte, PageSize)
	tab.Read(slot, dst)
	require.Equal(t, page, dst)
	require.Zero(t, tab.Used(), "read consumes the slot")
}

func TestFreeWithoutRead(t *testing.T) {
	dev := blockdev.NewMem(64, blockdev.RoleSwap)
	tab := New(dev)

	slot := tab.Write(bytes.Repeat([]byte{0x01}, PageSize))
	tab.Free(slot)
	require.Zero(t, tab.Used())
}

func TestExhaustionPanics(t *testing.T) {
	dev := blockdev.NewMem(SectorsPerSlot, blockdev.RoleSwap)
	tab := New(dev)
	page := bytes.Repeat([]byte{0x02}, PageSize)

	tab.Write(page)
	require.Panics(t, func() { tab.Write(page) })
}
