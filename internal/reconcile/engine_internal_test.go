package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/devtree"
	"btrfsqcow.dev/audit/internal/fstree"
)

func TestClassifyLeakedSpace(t *testing.T) {
	findings := classify(0x2000000, 0x1000, 0x1000000, true, false, false)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "allocated (address 1000000) but is free space")
}

func TestClassifyDataLoss(t *testing.T) {
	findings := classify(0x2000000, 0x1000, 0x1000000, false, false, true)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "discarded (address 1000000) but is allocated")
}

func TestClassifyAgreementProducesNoFinding(t *testing.T) {
	require.Empty(t, classify(0x2000000, 0x1000, 0x1000000, true, false, true))
	require.Empty(t, classify(0x2000000, 0x1000, 0x1000000, false, false, false))
}

func TestClassifySuperblockNeverFlagged(t *testing.T) {
	require.Empty(t, classify(0x2000000, 0x1000, 0x1000000, true, true, false))
	require.Empty(t, classify(0x2000000, 0x1000, 0x1000000, false, true, true))
}

func TestReconcileChunkSplitsAtShorterFreeSpaceBoundary(t *testing.T) {
	dev := []devtree.Merged{
		{Offset: 0x2000000, Length: 0x2000, QcowAlloc: true, BtrfsAlloc: devtree.Chunk, Address: 0x1000000},
	}
	space := []fstree.SpaceEntry{
		{PhysAddress: 0x2000000, LogAddress: 0x1000000, Length: 0x1000, Alloc: true},
		{PhysAddress: 0x2001000, LogAddress: 0x1001000, Length: 0x1000, Alloc: false},
	}
	findings, err := reconcileChunk(dev, space)
	require.NoError(t, err)
	// first half agrees (alloc && used), second half is leaked (alloc && free)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "address 1001000")
}

func TestReconcileChunkMissingFreeSpaceTimelineTreatsAllUsed(t *testing.T) {
	dev := []devtree.Merged{
		{Offset: 0x2000000, Length: 0x1000, QcowAlloc: false, BtrfsAlloc: devtree.Chunk, Address: 0x1000000},
	}
	findings, err := reconcileChunk(dev, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Contains(t, findings[0].Message, "discarded")
}

func TestReconcileChunkErrorsOnDivergentTimelines(t *testing.T) {
	dev := []devtree.Merged{
		{Offset: 0x2000000, Length: 0x1000, QcowAlloc: true, BtrfsAlloc: devtree.Chunk, Address: 0x1000000},
	}
	space := []fstree.SpaceEntry{
		{PhysAddress: 0x2005000, LogAddress: 0x1005000, Length: 0x1000, Alloc: true},
	}
	_, err := reconcileChunk(dev, space)
	require.Error(t, err)
}

func TestRunSkipsChunkExternalBucket(t *testing.T) {
	dev := map[btrfsvol.LogicalAddr][]devtree.Merged{
		0: {{Offset: 0x1000, Length: 0x1000, QcowAlloc: true, BtrfsAlloc: devtree.Unallocated}},
	}
	findings, err := Run(dev, nil)
	require.NoError(t, err)
	require.Empty(t, findings)
}
