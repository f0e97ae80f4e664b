// Package reconcile implements the Reconciliation Engine: per chunk, it
// sweeps the device-extent timeline and the free-space-tree-derived
// timeline in lockstep and emits the two discrepancy classes this tool
// exists to find.
package reconcile

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/btrfsvol"
	"btrfsqcow.dev/audit/internal/devtree"
	"btrfsqcow.dev/audit/internal/fstree"
)

// Finding is one discrepancy the reconciliation engine reports: either
// leaked space (qcow-allocated, filesystem-free) or data loss
// (qcow-discarded, filesystem-in-use).
type Finding struct {
	Message string
}

// Run reconciles every chunk present in devByChunk; a chunk that appears
// only in spaceByChunk has no device intervals and is not visited. A chunk with a device-extent bucket but no free-space-tree timeline (the
// free-space tree was not analysed, or the chunk has no free-space-tree
// presence) is treated as fully allocated, matching §4.7's "missing FST is
// a warning, not a fatal error for §4.4" rule.
func Run(devByChunk map[btrfsvol.LogicalAddr][]devtree.Merged, spaceByChunk map[btrfsvol.LogicalAddr][]fstree.SpaceEntry) ([]Finding, error) {
	var findings []Finding
	for chunkAddr, dev := range devByChunk {
		if chunkAddr == 0 {
			continue // bucket 0 is chunk-external and already reported by devtree.
		}
		space := spaceByChunk[chunkAddr]
		chunkFindings, err := reconcileChunk(dev, space)
		if err != nil {
			return nil, fmt.Errorf("reconcile: chunk@%v: %w", chunkAddr, err)
		}
		findings = append(findings, chunkFindings...)
	}
	return findings, nil
}

func reconcileChunk(dev []devtree.Merged, space []fstree.SpaceEntry) ([]Finding, error) {
	var findings []Finding
	i, j := 0, 0
	dev = append([]devtree.Merged(nil), dev...)
	space = append([]fstree.SpaceEntry(nil), space...)

	for i < len(dev) {
		d := dev[i]
		if len(space) == 0 {
			// No free-space-tree presence for this chunk: treat the whole
			// remainder as used.
			findings = append(findings, classify(d.Offset, d.Length, d.Address, d.QcowAlloc, d.BtrfsAlloc == devtree.Superblock, true)...)
			i++
			continue
		}
		if j >= len(space) {
			return nil, fmt.Errorf("device timeline has %v bytes remaining with no matching free-space timeline", d.Length)
		}
		s := space[j]
		if d.Offset != s.PhysAddress {
			return nil, fmt.Errorf("device/free-space timelines diverge: device at %v, free-space at %v", d.Offset, s.PhysAddress)
		}

		length := d.Length
		if s.Length < length {
			length = s.Length
		}

		findings = append(findings, classify(d.Offset, length, d.Address, d.QcowAlloc, d.BtrfsAlloc == devtree.Superblock, s.Alloc)...)

		dev[i].Offset = dev[i].Offset.Add(length)
		dev[i].Length -= length
		if dev[i].BtrfsAlloc == devtree.Chunk {
			dev[i].Address = dev[i].Address.Add(length)
		}
		space[j].PhysAddress = space[j].PhysAddress.Add(length)
		space[j].LogAddress = space[j].LogAddress.Add(length)
		space[j].Length -= length
		if dev[i].Length == 0 {
			i++
		}
		if space[j].Length == 0 {
			j++
		}
	}
	return findings, nil
}

// classify implements spec.md §4.6's tag rule and the two discrepancy
// messages of §4.6/§8, verbatim down to the wording the boundary scenarios
// specify. address is the chunk-logical address corresponding to offset,
// reported alongside the physical qcow range for cross-reference.
func classify(offset btrfsvol.PhysicalAddr, length btrfsvol.AddrDelta, address btrfsvol.LogicalAddr, qcowAlloc, isSuperblock, chunkUsed bool) []Finding {
	switch {
	case isSuperblock:
		return nil
	case qcowAlloc && !chunkUsed:
		return []Finding{{Message: fmt.Sprintf("qcow range %x, %x allocated (address %x) but is free space", uint64(offset), int64(length), uint64(address))}}
	case !qcowAlloc && chunkUsed:
		return []Finding{{Message: fmt.Sprintf("qcow range %x, %x discarded (address %x) but is allocated", uint64(offset), int64(length), uint64(address))}}
	default:
		return nil
	}
}
