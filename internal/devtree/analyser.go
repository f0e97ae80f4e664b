// Package devtree implements the Device-Tree Analyser: it turns the
// device tree's extent records and the qcow2 segment map into a single
// lockstep-merged physical timeline, carving out the well-known superblock
// slots and reporting discrepancies that fall outside every chunk.
package devtree

import (
	"fmt"
	"sort"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfs"
	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfstree"
	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/chunktable"
	"btrfsqcow.dev/audit/internal/qcow2"
)

// Alloc classifies a physical interval by what the filesystem's own
// accounting says it is for. ChunkUsed and ChunkFree name the two states
// the reconciliation engine distinguishes within a Chunk-tagged interval
// once it has the free-space-tree timeline to consult (it carries that
// distinction as a boolean and does not store these values); this
// analyser only ever emits Unallocated, Superblock, or Chunk.
type Alloc int

const (
	Unallocated Alloc = iota
	Superblock
	Chunk
	ChunkUsed
	ChunkFree
)

func (a Alloc) String() string {
	switch a {
	case Unallocated:
		return "unallocated"
	case Superblock:
		return "superblock"
	case Chunk:
		return "chunk"
	case ChunkUsed:
		return "chunk_used"
	case ChunkFree:
		return "chunk_free"
	default:
		return fmt.Sprintf("alloc(%d)", int(a))
	}
}

// BtrfsExtent is one interval of the physical device timeline as the
// filesystem's own records describe it.
type BtrfsExtent struct {
	Offset  btrfsvol.PhysicalAddr
	Length  btrfsvol.AddrDelta
	Alloc   Alloc
	Address btrfsvol.LogicalAddr // meaningful when Alloc == Chunk, or Superblock carved out of a Chunk extent; 0 otherwise
}

func (e BtrfsExtent) end() btrfsvol.PhysicalAddr { return e.Offset.Add(e.Length) }

// Merged is one physical interval after the device timeline has been
// reconciled against the qcow allocation map.
type Merged struct {
	Offset     btrfsvol.PhysicalAddr
	Length     btrfsvol.AddrDelta
	QcowAlloc  bool
	BtrfsAlloc Alloc
	Address    btrfsvol.LogicalAddr
}

// Finding is one non-fatal discrepancy or warning the analyser reports.
type Finding struct {
	Message string
}

// Result is everything the reconciliation engine needs downstream: the
// merged timeline grouped by owning chunk (bucket 0 holds chunk-external
// intervals, already reported into Findings) plus the raw findings.
type Result struct {
	ByChunk  map[btrfsvol.LogicalAddr][]Merged
	Findings []Finding
}

// DeviceRangeReservation is the first megabyte of the device, which is
// reserved and must never be reported as leaked space.
const DeviceRangeReservation = btrfsvol.PhysicalAddr(0x100000)

// Analyse runs the full device-tree analysis described in spec.md §4.4.
func Analyse(tree *btrfstree.Tree, chunks *chunktable.Table, rootTreeRoot btrfsvol.LogicalAddr, rootTreeLevel uint8, rootTreeGen btrfsprim.Generation, segments []qcow2.Segment) (*Result, error) {
	devRoot, devLevel, devGen, err := findDevTreeRoot(tree, rootTreeRoot, rootTreeLevel, rootTreeGen)
	if err != nil {
		return nil, err
	}

	deviceSize := qcow2.DeviceSize(segments)
	extents, err := buildDeviceTimeline(tree, devRoot, devLevel, devGen, deviceSize)
	if err != nil {
		return nil, err
	}
	extents = carveSuperblocks(extents, deviceSize)

	qcowExtents := coalesceQcow(segments)

	merged := lockstepMerge(extents, qcowExtents)

	byChunk, findings := groupAndReport(merged, chunks)

	return &Result{ByChunk: byChunk, Findings: findings}, nil
}

func findDevTreeRoot(tree *btrfstree.Tree, rootTreeRoot btrfsvol.LogicalAddr, rootTreeLevel uint8, rootTreeGen btrfsprim.Generation) (btrfsvol.LogicalAddr, uint8, btrfsprim.Generation, error) {
	key := btrfsprim.Key{ObjectID: btrfsprim.DEV_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY, Offset: 0}
	var root btrfsitem.Root
	found, err := tree.FindItem(rootTreeRoot, rootTreeLevel, rootTreeGen, btrfsprim.ROOT_TREE_OBJECTID, key, func(payload []byte) error {
		_, err := root.UnmarshalBinary(payload)
		return err
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("devtree: looking up device tree root item: %w", err)
	}
	if !found {
		return 0, 0, 0, fmt.Errorf("devtree: no ROOT_ITEM for the device tree")
	}
	return root.ByteNr, root.Level, root.Generation, nil
}

func buildDeviceTimeline(tree *btrfstree.Tree, devRoot btrfsvol.LogicalAddr, devLevel uint8, devGen btrfsprim.Generation, deviceSize uint64) ([]BtrfsExtent, error) {
	type rawExtent struct {
		start, end btrfsvol.PhysicalAddr
		chunkAddr  btrfsvol.LogicalAddr
	}
	var raws []rawExtent

	var walkErr error
	err := tree.WalkTree(devRoot, devLevel, devGen, btrfsprim.DEV_TREE_OBJECTID, func(key btrfsprim.Key, payload []byte) bool {
		if key.ItemType != btrfsprim.DEV_EXTENT_KEY {
			return true
		}
		var de btrfsitem.DevExtent
		if _, err := binstruct.Unmarshal(payload, &de); err != nil {
			walkErr = fmt.Errorf("devtree: decoding dev extent at phys %#x: %w", key.Offset, err)
			return false
		}
		start := btrfsvol.PhysicalAddr(key.Offset)
		raws = append(raws, rawExtent{start: start, end: start.Add(de.Length), chunkAddr: de.ChunkOffset})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("devtree: walking device tree: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(raws, func(i, j int) bool { return raws[i].start < raws[j].start })

	var out []BtrfsExtent
	var cursor btrfsvol.PhysicalAddr
	for _, r := range raws {
		if r.start < cursor {
			return nil, fmt.Errorf("devtree: device extents overlap at %#x", r.start)
		}
		if r.start > cursor {
			out = append(out, BtrfsExtent{Offset: cursor, Length: r.start.Sub(cursor), Alloc: Unallocated})
		}
		out = append(out, BtrfsExtent{Offset: r.start, Length: r.end.Sub(r.start), Alloc: Chunk, Address: r.chunkAddr})
		cursor = r.end
	}
	if end := btrfsvol.PhysicalAddr(deviceSize); cursor < end {
		out = append(out, BtrfsExtent{Offset: cursor, Length: end.Sub(cursor), Alloc: Unallocated})
	}
	return out, nil
}

// carveSuperblocks splits out a 4096-byte Superblock-tagged slot at every
// well-known offset that lies wholly within an existing extent.
func carveSuperblocks(extents []BtrfsExtent, deviceSize uint64) []BtrfsExtent {
	const slotSize = btrfsvol.AddrDelta(4096)
	for _, sbOff := range btrfs.WellKnownOffsets {
		if uint64(sbOff)+4096 > deviceSize {
			continue
		}
		extents = carveOne(extents, sbOff, slotSize)
	}
	return extents
}

func carveOne(extents []BtrfsExtent, at btrfsvol.PhysicalAddr, length btrfsvol.AddrDelta) []BtrfsExtent {
	slotEnd := at.Add(length)
	for i, e := range extents {
		if at < e.Offset || slotEnd > e.end() {
			continue
		}
		var delta btrfsvol.AddrDelta
		if e.Alloc == Chunk {
			delta = at.Sub(e.Offset)
		}
		var replacement []BtrfsExtent
		if at > e.Offset {
			replacement = append(replacement, BtrfsExtent{Offset: e.Offset, Length: at.Sub(e.Offset), Alloc: e.Alloc, Address: e.Address})
		}
		replacement = append(replacement, BtrfsExtent{Offset: at, Length: length, Alloc: Superblock, Address: addAddress(e, delta)})
		if slotEnd < e.end() {
			rightAddr := e.Address
			if e.Alloc == Chunk {
				rightAddr = e.Address.Add(delta + length)
			}
			replacement = append(replacement, BtrfsExtent{Offset: slotEnd, Length: e.end().Sub(slotEnd), Alloc: e.Alloc, Address: rightAddr})
		}
		out := make([]BtrfsExtent, 0, len(extents)+len(replacement)-1)
		out = append(out, extents[:i]...)
		out = append(out, replacement...)
		out = append(out, extents[i+1:]...)
		return out
	}
	return extents
}

func addAddress(e BtrfsExtent, delta btrfsvol.AddrDelta) btrfsvol.LogicalAddr {
	if e.Alloc != Chunk {
		return 0
	}
	return e.Address.Add(delta)
}

// coalesceQcow collapses consecutive qcow2 segments with the same
// allocation status into single extents.
func coalesceQcow(segments []qcow2.Segment) []Merged {
	var out []Merged
	for _, seg := range segments {
		alloc := seg.Allocated()
		if n := len(out); n > 0 && out[n-1].QcowAlloc == alloc {
			out[n-1].Length += btrfsvol.AddrDelta(seg.Length)
			continue
		}
		out = append(out, Merged{Offset: btrfsvol.PhysicalAddr(seg.Start), Length: btrfsvol.AddrDelta(seg.Length), QcowAlloc: alloc})
	}
	return out
}

// lockstepMerge sweeps the device timeline and the coalesced qcow timeline
// together, emitting one interval per step sized to the shorter side.
func lockstepMerge(dev []BtrfsExtent, qcow []Merged) []Merged {
	var out []Merged
	i, j := 0, 0
	for i < len(dev) && j < len(qcow) {
		d, q := dev[i], qcow[j]
		length := d.Length
		if q.Length < length {
			length = q.Length
		}
		out = append(out, Merged{
			Offset:     d.Offset,
			Length:     length,
			QcowAlloc:  q.QcowAlloc,
			BtrfsAlloc: d.Alloc,
			Address:    d.Address,
		})
		dev[i].Offset = dev[i].Offset.Add(length)
		dev[i].Length -= length
		if dev[i].Alloc == Chunk {
			dev[i].Address = dev[i].Address.Add(length)
		}
		qcow[j].Offset = qcow[j].Offset.Add(length)
		qcow[j].Length -= length
		if dev[i].Length == 0 {
			i++
		}
		if qcow[j].Length == 0 {
			j++
		}
	}
	return out
}

// groupAndReport buckets merged intervals by owning chunk (found via the
// chunk table's upper-bound lookup, keyed on the chunk's own logical
// start) and reports chunk-external discrepancies (bucket 0).
func groupAndReport(merged []Merged, chunks *chunktable.Table) (map[btrfsvol.LogicalAddr][]Merged, []Finding) {
	byChunk := map[btrfsvol.LogicalAddr][]Merged{}
	var findings []Finding

	for _, m := range merged {
		insideChunk := m.BtrfsAlloc == Chunk || (m.BtrfsAlloc == Superblock && m.Address != 0)
		if insideChunk {
			if entry, err := chunks.Find(m.Address); err == nil {
				byChunk[entry.Start] = append(byChunk[entry.Start], m)
				continue
			}
			// Falls through to bucket 0: the device tree claims this range
			// belongs to a chunk the chunk table doesn't know about.
		}
		byChunk[0] = append(byChunk[0], m)

		if m.BtrfsAlloc == Superblock {
			if !m.QcowAlloc {
				findings = append(findings, Finding{Message: fmt.Sprintf("superblock at %x not allocated", uint64(m.Offset))})
			}
			continue
		}
		// Unallocated, and therefore chunk-external: bucket 0, but only the
		// portion at or past the reservation boundary — an interval that
		// straddles it is trimmed, not dropped whole.
		end := m.Offset.Add(m.Length)
		if end <= DeviceRangeReservation {
			continue
		}
		offset, length := m.Offset, m.Length
		if offset < DeviceRangeReservation {
			length -= DeviceRangeReservation.Sub(offset)
			offset = DeviceRangeReservation
		}
		if m.QcowAlloc {
			findings = append(findings, Finding{Message: fmt.Sprintf("qcow range %x, %x allocated but not part of any btrfs chunk", uint64(offset), int64(length))})
		}
	}
	return byChunk, findings
}
