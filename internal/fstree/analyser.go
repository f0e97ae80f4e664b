// Package fstree implements the Free-Space-Tree Analyser: it decodes
// free-space extents and bitmaps into per-chunk allocated/free timelines
// and translates them to the physical address space via each chunk's
// stripe[0].
package fstree

import (
	"fmt"
	"sort"

	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfstree"
	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/chunktable"
)

// SpaceEntry is one physical interval of a chunk's space, after
// translating through stripe[0].
type SpaceEntry struct {
	LogAddress  btrfsvol.LogicalAddr
	PhysAddress btrfsvol.PhysicalAddr
	Length      btrfsvol.AddrDelta
	Alloc       bool // true = in use, false = free
}

// Finding is a non-fatal warning the analyser reports (orphaned free-space
// entries whose start lies in no chunk: before the first chunk, in a gap
// between chunks, or past the last one).
type Finding struct {
	Message string
}

// Result groups each chunk's space timeline by the chunk's logical start,
// matching chunktable.Table's key space so the reconciliation engine can
// join the two by that key.
type Result struct {
	ByChunk  map[btrfsvol.LogicalAddr][]SpaceEntry
	Findings []Finding
}

type freePair struct {
	start  btrfsvol.LogicalAddr
	length btrfsvol.AddrDelta
}

// Analyse runs the full free-space-tree analysis described in spec.md
// §4.5. Callers must check Superblock.HasFreeSpaceTree first; this
// function assumes the tree exists and is reachable.
func Analyse(tree *btrfstree.Tree, chunks *chunktable.Table, rootTreeRoot btrfsvol.LogicalAddr, rootTreeLevel uint8, rootTreeGen btrfsprim.Generation, sectorSize uint32) (*Result, error) {
	fstRoot, fstLevel, fstGen, err := findFSTRoot(tree, rootTreeRoot, rootTreeLevel, rootTreeGen)
	if err != nil {
		return nil, err
	}

	pairs, err := collectFreePairs(tree, fstRoot, fstLevel, fstGen, sectorSize)
	if err != nil {
		return nil, err
	}

	byChunkPairs := map[btrfsvol.LogicalAddr][]freePair{}
	var findings []Finding
	for _, p := range pairs {
		entry, err := chunks.Find(p.start)
		if err != nil {
			findings = append(findings, Finding{Message: fmt.Sprintf("free space tree entry at %x, %x is not inside any chunk (orphaned)", uint64(p.start), int64(p.length))})
			continue
		}
		byChunkPairs[entry.Start] = append(byChunkPairs[entry.Start], p)
	}

	byChunk := map[btrfsvol.LogicalAddr][]SpaceEntry{}
	for _, entry := range chunks.Entries() {
		sort.Slice(byChunkPairs[entry.Start], func(i, j int) bool {
			return byChunkPairs[entry.Start][i].start < byChunkPairs[entry.Start][j].start
		})
		timeline, err := buildChunkTimeline(entry, byChunkPairs[entry.Start])
		if err != nil {
			return nil, err
		}
		byChunk[entry.Start] = translateToPhysical(entry, timeline)
	}

	return &Result{ByChunk: byChunk, Findings: findings}, nil
}

func findFSTRoot(tree *btrfstree.Tree, rootTreeRoot btrfsvol.LogicalAddr, rootTreeLevel uint8, rootTreeGen btrfsprim.Generation) (btrfsvol.LogicalAddr, uint8, btrfsprim.Generation, error) {
	key := btrfsprim.Key{ObjectID: btrfsprim.FREE_SPACE_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	var root btrfsitem.Root
	found, err := tree.FindItem(rootTreeRoot, rootTreeLevel, rootTreeGen, btrfsprim.ROOT_TREE_OBJECTID, key, func(payload []byte) error {
		_, err := root.UnmarshalBinary(payload)
		return err
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fstree: looking up free space tree root item: %w", err)
	}
	if !found {
		return 0, 0, 0, fmt.Errorf("fstree: no ROOT_ITEM for the free space tree")
	}
	return root.ByteNr, root.Level, root.Generation, nil
}

func collectFreePairs(tree *btrfstree.Tree, fstRoot btrfsvol.LogicalAddr, fstLevel uint8, fstGen btrfsprim.Generation, sectorSize uint32) ([]freePair, error) {
	var pairs []freePair
	var walkErr error
	err := tree.WalkTree(fstRoot, fstLevel, fstGen, btrfsprim.FREE_SPACE_TREE_OBJECTID, func(key btrfsprim.Key, payload []byte) bool {
		switch key.ItemType {
		case btrfsprim.FREE_SPACE_EXTENT_KEY:
			pairs = append(pairs, freePair{start: btrfsvol.LogicalAddr(key.ObjectID), length: btrfsvol.AddrDelta(key.Offset)})
		case btrfsprim.FREE_SPACE_BITMAP_KEY:
			var bm btrfsitem.FreeSpaceBitmap
			if _, err := bm.UnmarshalBinary(payload); err != nil {
				walkErr = fmt.Errorf("fstree: decoding bitmap at %x: %w", uint64(key.ObjectID), err)
				return false
			}
			extents, err := bm.ExtentsAt(btrfsvol.LogicalAddr(key.ObjectID), sectorSize)
			if err != nil {
				walkErr = fmt.Errorf("fstree: bitmap at %x: %w", uint64(key.ObjectID), err)
				return false
			}
			for _, e := range extents {
				pairs = append(pairs, freePair{start: e.Start, length: e.Length})
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("fstree: walking free space tree: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return pairs, nil
}

// buildChunkTimeline synthesises alloc=true fillers around the free
// pairs, so the result always covers [chunkStart, chunkStart+chunkLength)
// with alternating alloc/free intervals (or a single alloc=true interval
// when the chunk has no recorded free space at all).
func buildChunkTimeline(entry chunktable.Entry, free []freePair) ([]SpaceEntry, error) {
	chunkEnd := entry.Start.Add(entry.Chunk.Size)
	var out []SpaceEntry
	cursor := entry.Start
	for _, p := range free {
		if p.start < cursor {
			return nil, fmt.Errorf("fstree: free space entries overlap at %v in chunk@%v", p.start, entry.Start)
		}
		if p.start > cursor {
			out = append(out, SpaceEntry{LogAddress: cursor, Length: p.start.Sub(cursor), Alloc: true})
		}
		out = append(out, SpaceEntry{LogAddress: p.start, Length: p.length, Alloc: false})
		cursor = p.start.Add(p.length)
	}
	if cursor > chunkEnd {
		return nil, fmt.Errorf("fstree: free space extends past chunk@%v end", entry.Start)
	}
	if cursor < chunkEnd {
		out = append(out, SpaceEntry{LogAddress: cursor, Length: chunkEnd.Sub(cursor), Alloc: true})
	}
	return out, nil
}

// translateToPhysical maps each logical interval through the chunk's
// stripe[0], which is this tool's documented single-copy simplification.
func translateToPhysical(entry chunktable.Entry, timeline []SpaceEntry) []SpaceEntry {
	base := entry.Chunk.Stripe0().Offset
	out := make([]SpaceEntry, len(timeline))
	for i, e := range timeline {
		delta := e.LogAddress.Sub(entry.Start)
		out[i] = SpaceEntry{
			LogAddress:  e.LogAddress,
			PhysAddress: base.Add(delta),
			Length:      e.Length,
			Alloc:       e.Alloc,
		}
	}
	return out
}
