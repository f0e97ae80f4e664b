// Package chunktable implements the Chunk Table: the sorted mapping from
// logical chunk start to chunk descriptor that every logical-address
// translation in this tool goes through.
package chunktable

import (
	"fmt"
	"sort"

	"btrfsqcow.dev/audit/internal/btrfs"
	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfstree"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// MaxStripes is the fixed upper bound spec.md §4.2 imposes: this tool only
// ever translates through stripe[0]. SINGLE, DUP and RAID1 chunks have at
// most two stripes; RAID1C3 and RAID1C4 chunks carry three or four, so
// Insert rejects them even though their profile bits are not in
// btrfsvol.UnsupportedProfileMask.
const MaxStripes = 2

// Entry is one chunk's logical start plus its decoded payload.
type Entry struct {
	Start btrfsvol.LogicalAddr
	Chunk btrfsitem.Chunk
}

func (e Entry) end() btrfsvol.LogicalAddr { return e.Start.Add(e.Chunk.Size) }

// Table is the ordered, immutable-once-built map from logical chunk start
// to chunk descriptor. A sorted slice with binary search is sufficient:
// the table is built once, read-only for the rest of the run.
type Table struct {
	entries []Entry
}

// New returns an empty table; Insert keeps it in logical-start order
// whatever order chunks are inserted in.
func New() *Table { return &Table{} }

// Insert adds a chunk, rejecting stripe counts this tool cannot translate.
func (t *Table) Insert(start btrfsvol.LogicalAddr, chunk btrfsitem.Chunk) error {
	if int(chunk.NumStripes) == 0 || int(chunk.NumStripes) > MaxStripes {
		return fmt.Errorf("chunktable: chunk@%v: num_stripes=%d exceeds supported maximum %d", start, chunk.NumStripes, MaxStripes)
	}
	entry := Entry{Start: start, Chunk: chunk}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Start >= start })
	if i < len(t.entries) && t.entries[i].Start == start {
		t.entries[i] = entry
		return nil
	}
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = entry
	return nil
}

// Entries returns the chunks in ascending logical-start order.
func (t *Table) Entries() []Entry { return t.entries }

// Find performs the predecessor (upper_bound - 1) lookup spec.md §4.2
// describes: the candidate is the last entry whose start is <= address,
// and it must actually contain address.
func (t *Table) Find(address btrfsvol.LogicalAddr) (Entry, error) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Start > address })
	if i == 0 {
		return Entry{}, fmt.Errorf("chunktable: address %v precedes every chunk", address)
	}
	cand := t.entries[i-1]
	if cand.end() <= address {
		return Entry{}, fmt.Errorf("chunktable: address %v falls in a gap after chunk@%v (ends at %v)", address, cand.Start, cand.end())
	}
	return cand, nil
}

// Resolve implements btrfstree.AddrResolver: it finds the owning chunk and
// translates through stripe[0], which is this tool's documented
// simplification for every supported profile (see SPEC_FULL.md Open
// Questions).
func (t *Table) Resolve(addr btrfsvol.LogicalAddr) (btrfsvol.PhysicalAddr, btrfsvol.BlockGroupFlags, error) {
	entry, err := t.Find(addr)
	if err != nil {
		return 0, 0, err
	}
	if entry.Chunk.Type.Unsupported() {
		return 0, 0, fmt.Errorf("chunktable: chunk@%v has unsupported profile %v", entry.Start, entry.Chunk.Type)
	}
	delta := addr.Sub(entry.Start)
	phys := entry.Chunk.Stripe0().Offset.Add(delta)
	return phys, entry.Chunk.Type, nil
}

var _ btrfstree.AddrResolver = (*Table)(nil)

// Bootstrap builds the initial table from the superblock's embedded
// system chunk array (spec.md §4.2 Phase A): enough chunks to start
// walking the real chunk tree.
func Bootstrap(sb *btrfs.Superblock) (*Table, error) {
	bootstrapChunks, err := sb.SystemChunks()
	if err != nil {
		return nil, fmt.Errorf("chunktable: bootstrap: %w", err)
	}
	t := New()
	for _, bc := range bootstrapChunks {
		if err := t.Insert(bc.Start, bc.Chunk); err != nil {
			return nil, fmt.Errorf("chunktable: bootstrap: %w", err)
		}
	}
	return t, nil
}

// Load walks the chunk tree (spec.md §4.2 Phase B), resolving its own
// logical addresses through bootstrap, and returns the authoritative
// table built from CHUNK_ITEM leaves owned by the chunk tree.
func Load(sb *btrfs.Superblock, reader btrfstree.Reader) (*Table, error) {
	bootstrap, err := Bootstrap(sb)
	if err != nil {
		return nil, err
	}

	bootTree := &btrfstree.Tree{
		Resolver:     bootstrap,
		Reader:       reader,
		NodeSize:     sb.NodeSize,
		ChecksumType: sb.CSumType,
		FSUUID:       sb.FSID,
	}

	authoritative := New()
	var walkErr error
	err = bootTree.WalkTree(sb.ChunkRoot, sb.ChunkRootLevel, sb.ChunkRootGeneration, btrfsprim.CHUNK_TREE_OBJECTID, func(key btrfsprim.Key, payload []byte) bool {
		if key.ItemType != btrfsprim.CHUNK_ITEM_KEY || key.ObjectID != btrfsprim.FIRST_CHUNK_TREE_OBJECTID {
			return true
		}
		var chunk btrfsitem.Chunk
		if _, err := chunk.UnmarshalBinary(payload); err != nil {
			walkErr = fmt.Errorf("chunktable: decoding chunk@%v: %w", key.Offset, err)
			return false
		}
		if err := authoritative.Insert(btrfsvol.LogicalAddr(key.Offset), chunk); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("chunktable: walking chunk tree: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	if len(authoritative.entries) == 0 {
		return nil, fmt.Errorf("chunktable: chunk tree walk produced no chunks")
	}
	return authoritative, nil
}
