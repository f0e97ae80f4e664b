package fstree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/chunktable"
)

func chunkEntry(start btrfsvol.LogicalAddr, size btrfsvol.AddrDelta, physOff btrfsvol.PhysicalAddr) chunktable.Entry {
	return chunktable.Entry{
		Start: start,
		Chunk: btrfsitem.Chunk{
			Size:       size,
			NumStripes: 1,
			Stripes:    []btrfsitem.ChunkStripe{{Offset: physOff}},
		},
	}
}

func TestBuildChunkTimelineFillsGapsAroundFreePairs(t *testing.T) {
	entry := chunkEntry(0x1000000, 0x3000, 0x2000000)
	free := []freePair{{start: 0x1001000, length: 0x1000}}

	out, err := buildChunkTimeline(entry, free)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.Equal(t, btrfsvol.LogicalAddr(0x1000000), out[0].LogAddress)
	require.Equal(t, btrfsvol.AddrDelta(0x1000), out[0].Length)
	require.True(t, out[0].Alloc)

	require.Equal(t, btrfsvol.LogicalAddr(0x1001000), out[1].LogAddress)
	require.Equal(t, btrfsvol.AddrDelta(0x1000), out[1].Length)
	require.False(t, out[1].Alloc)

	require.Equal(t, btrfsvol.LogicalAddr(0x1002000), out[2].LogAddress)
	require.Equal(t, btrfsvol.AddrDelta(0x1000), out[2].Length)
	require.True(t, out[2].Alloc)
}

func TestBuildChunkTimelineWithNoFreeSpaceIsOneAllocInterval(t *testing.T) {
	entry := chunkEntry(0x1000000, 0x3000, 0x2000000)
	out, err := buildChunkTimeline(entry, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Alloc)
	require.Equal(t, btrfsvol.AddrDelta(0x3000), out[0].Length)
}

func TestBuildChunkTimelineRejectsOverlappingFreePairs(t *testing.T) {
	entry := chunkEntry(0x1000000, 0x3000, 0x2000000)
	free := []freePair{
		{start: 0x1001000, length: 0x1000},
		{start: 0x1001500, length: 0x1000},
	}
	_, err := buildChunkTimeline(entry, free)
	require.Error(t, err)
}

func TestBuildChunkTimelineRejectsFreeSpacePastChunkEnd(t *testing.T) {
	entry := chunkEntry(0x1000000, 0x3000, 0x2000000)
	free := []freePair{{start: 0x1002800, length: 0x1000}}
	_, err := buildChunkTimeline(entry, free)
	require.Error(t, err)
}

func TestTranslateToPhysicalOffsetsByStripe0(t *testing.T) {
	entry := chunkEntry(0x1000000, 0x3000, 0x2000000)
	timeline := []SpaceEntry{
		{LogAddress: 0x1000000, Length: 0x1000, Alloc: true},
		{LogAddress: 0x1001000, Length: 0x2000, Alloc: false},
	}
	out := translateToPhysical(entry, timeline)
	require.Len(t, out, 2)
	require.Equal(t, btrfsvol.PhysicalAddr(0x2000000), out[0].PhysAddress)
	require.Equal(t, btrfsvol.PhysicalAddr(0x2001000), out[1].PhysAddress)
}
