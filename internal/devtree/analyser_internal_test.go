package devtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/chunktable"
	"btrfsqcow.dev/audit/internal/qcow2"
)

func TestCarveSuperblocksSplitsContainingExtent(t *testing.T) {
	extents := []BtrfsExtent{
		{Offset: 0, Length: 0x1000000, Alloc: Unallocated},
	}
	out := carveSuperblocks(extents, 0x1000000)

	// Only WellKnownOffsets[0] (0x10000) fits inside a 16 MiB device; the
	// other three are all larger than the device.
	require.Len(t, out, 3)
	require.Equal(t, btrfsvol.PhysicalAddr(0), out[0].Offset)
	require.Equal(t, btrfsvol.AddrDelta(0x10000), out[0].Length)
	require.Equal(t, Unallocated, out[0].Alloc)

	require.Equal(t, btrfsvol.PhysicalAddr(0x10000), out[1].Offset)
	require.Equal(t, btrfsvol.AddrDelta(4096), out[1].Length)
	require.Equal(t, Superblock, out[1].Alloc)

	require.Equal(t, btrfsvol.PhysicalAddr(0x11000), out[2].Offset)
	require.Equal(t, Unallocated, out[2].Alloc)
}

func TestCarveSuperblocksPreservesChunkAddress(t *testing.T) {
	extents := []BtrfsExtent{
		{Offset: 0, Length: 0x1000000, Alloc: Chunk, Address: 0x5000000},
	}
	out := carveSuperblocks(extents, 0x1000000)
	require.Len(t, out, 3)
	require.Equal(t, Chunk, out[0].Alloc)
	require.Equal(t, btrfsvol.LogicalAddr(0x5000000), out[0].Address)
	require.Equal(t, Superblock, out[1].Alloc)
	require.Equal(t, btrfsvol.LogicalAddr(0x5010000), out[1].Address) // 0x5000000 + (0x10000-0)
	require.Equal(t, Chunk, out[2].Alloc)
	require.Equal(t, btrfsvol.LogicalAddr(0x5011000), out[2].Address)
}

func TestCoalesceQcowMergesAdjacentSameAlloc(t *testing.T) {
	segs := []qcow2.Segment{
		{Start: 0, Length: 0x1000, Data: true},
		{Start: 0x1000, Length: 0x1000, Data: true},
		{Start: 0x2000, Length: 0x1000, Zero: true},
	}
	merged := coalesceQcow(segs)
	require.Len(t, merged, 2)
	require.Equal(t, btrfsvol.AddrDelta(0x2000), merged[0].Length)
	require.True(t, merged[0].QcowAlloc)
	require.False(t, merged[1].QcowAlloc)
}

func TestLockstepMergeSplitsAtShorterBoundary(t *testing.T) {
	dev := []BtrfsExtent{
		{Offset: 0, Length: 0x3000, Alloc: Chunk, Address: 0x1000000},
	}
	qcow := []Merged{
		{Offset: 0, Length: 0x1000, QcowAlloc: true},
		{Offset: 0x1000, Length: 0x2000, QcowAlloc: false},
	}
	out := lockstepMerge(dev, qcow)
	require.Len(t, out, 2)
	require.Equal(t, btrfsvol.AddrDelta(0x1000), out[0].Length)
	require.True(t, out[0].QcowAlloc)
	require.Equal(t, btrfsvol.LogicalAddr(0x1000000), out[0].Address)
	require.Equal(t, btrfsvol.AddrDelta(0x2000), out[1].Length)
	require.False(t, out[1].QcowAlloc)
	require.Equal(t, btrfsvol.LogicalAddr(0x1001000), out[1].Address)
}

func TestGroupAndReportBucketsByOwningChunk(t *testing.T) {
	chunks := chunktable.New()
	require.NoError(t, chunks.Insert(0x1000000, btrfsitem.Chunk{
		Size:       0x100000,
		NumStripes: 1,
		Stripes:    []btrfsitem.ChunkStripe{{Offset: 0x2000000}},
	}))

	merged := []Merged{
		{Offset: 0x2000000, Length: 0x100000, QcowAlloc: true, BtrfsAlloc: Chunk, Address: 0x1000000},
		{Offset: DeviceRangeReservation + 0x1000, Length: 0x1000, QcowAlloc: true, BtrfsAlloc: Unallocated},
	}
	byChunk, findings := groupAndReport(merged, chunks)

	require.Len(t, byChunk[0x1000000], 1)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "not part of any btrfs chunk")
}

func TestGroupAndReportSkipsDeviceRangeReservation(t *testing.T) {
	chunks := chunktable.New()
	merged := []Merged{
		{Offset: 0x1000, Length: 0x1000, QcowAlloc: true, BtrfsAlloc: Unallocated},
	}
	_, findings := groupAndReport(merged, chunks)
	require.Empty(t, findings)
}

func TestGroupAndReportTrimsIntervalStraddlingDeviceRangeReservation(t *testing.T) {
	chunks := chunktable.New()
	merged := []Merged{
		{Offset: 0x80000, Length: 0x180000, QcowAlloc: true, BtrfsAlloc: Unallocated},
	}
	_, findings := groupAndReport(merged, chunks)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, fmt.Sprintf("qcow range %x, %x", uint64(DeviceRangeReservation), int64(0x100000)))
}

func TestGroupAndReportSuperblockNotAllocated(t *testing.T) {
	chunks := chunktable.New()
	merged := []Merged{
		{Offset: 0x10000, Length: 4096, QcowAlloc: false, BtrfsAlloc: Superblock, Address: 0},
	}
	_, findings := groupAndReport(merged, chunks)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "superblock")
}
