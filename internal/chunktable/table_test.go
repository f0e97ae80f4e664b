package chunktable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/chunktable"
)

func singleStripeChunk(size btrfsvol.AddrDelta, physOff btrfsvol.PhysicalAddr) btrfsitem.Chunk {
	return btrfsitem.Chunk{
		Size:       size,
		NumStripes: 1,
		Stripes:    []btrfsitem.ChunkStripe{{Offset: physOff}},
	}
}

func TestInsertAndFindPredecessor(t *testing.T) {
	table := chunktable.New()
	require.NoError(t, table.Insert(0x1000000, singleStripeChunk(0x100000, 0x2000000)))
	require.NoError(t, table.Insert(0x2000000, singleStripeChunk(0x100000, 0x3000000)))

	entry, err := table.Find(0x1000500)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.LogicalAddr(0x1000000), entry.Start)

	entry, err = table.Find(0x2050000)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.LogicalAddr(0x2000000), entry.Start)
}

func TestFindBeforeFirstChunk(t *testing.T) {
	table := chunktable.New()
	require.NoError(t, table.Insert(0x1000000, singleStripeChunk(0x100000, 0x2000000)))
	_, err := table.Find(0x500000)
	require.Error(t, err)
}

func TestFindInGapBetweenChunks(t *testing.T) {
	table := chunktable.New()
	require.NoError(t, table.Insert(0x1000000, singleStripeChunk(0x100000, 0x2000000)))
	require.NoError(t, table.Insert(0x2000000, singleStripeChunk(0x100000, 0x3000000)))
	_, err := table.Find(0x1200000) // past the end of the first chunk, before the second
	require.Error(t, err)
}

func TestInsertRejectsTooManyStripes(t *testing.T) {
	table := chunktable.New()
	chunk := btrfsitem.Chunk{NumStripes: 3, Stripes: make([]btrfsitem.ChunkStripe, 3)}
	err := table.Insert(0x1000000, chunk)
	require.Error(t, err)
}

func TestInsertRejectsZeroStripes(t *testing.T) {
	table := chunktable.New()
	err := table.Insert(0x1000000, btrfsitem.Chunk{NumStripes: 0})
	require.Error(t, err)
}

func TestResolveTranslatesThroughStripe0(t *testing.T) {
	table := chunktable.New()
	require.NoError(t, table.Insert(0x1000000, singleStripeChunk(0x100000, 0x2000000)))

	phys, profile, err := table.Resolve(0x1000123)
	require.NoError(t, err)
	require.Equal(t, btrfsvol.PhysicalAddr(0x2000123), phys)
	require.Equal(t, btrfsvol.BlockGroupFlags(0), profile)
}

func TestResolveRejectsUnsupportedProfile(t *testing.T) {
	table := chunktable.New()
	chunk := singleStripeChunk(0x100000, 0x2000000)
	chunk.Type = btrfsvol.BLOCK_GROUP_RAID0
	require.NoError(t, table.Insert(0x1000000, chunk))

	_, _, err := table.Resolve(0x1000000)
	require.Error(t, err)
}

func TestEntriesAreAscendingByStart(t *testing.T) {
	table := chunktable.New()
	require.NoError(t, table.Insert(0x3000000, singleStripeChunk(0x100000, 0x4000000)))
	require.NoError(t, table.Insert(0x1000000, singleStripeChunk(0x100000, 0x2000000)))
	require.NoError(t, table.Insert(0x2000000, singleStripeChunk(0x100000, 0x3000000)))

	entries := table.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, btrfsvol.LogicalAddr(0x1000000), entries[0].Start)
	require.Equal(t, btrfsvol.LogicalAddr(0x2000000), entries[1].Start)
	require.Equal(t, btrfsvol.LogicalAddr(0x3000000), entries[2].Start)
}
