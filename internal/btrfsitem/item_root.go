package btrfsitem

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// rootItemCoreSize is the size of a ROOT_ITEM up to and including `level`,
// the format every on-disk image carries regardless of kernel version.
const rootItemCoreSize = 0xa0 + 0x4f // inode(0xa0) + generation..level(0x4f)

// Root is the ROOT_ITEM payload this tool needs: just enough to locate and
// validate a tree's root node. The inode embedded at the front of the
// on-disk structure (size, times, uid/gid — irrelevant to an allocation
// audit) is kept only as its raw bytes so later fields land at the right
// offset.
// Root's own UnmarshalBinary takes over entirely, so its fields carry no
// bin tags: reflection never walks this struct directly.
type Root struct {
	InodeRaw     [0xa0]byte
	Generation   btrfsprim.Generation
	RootDirID    btrfsprim.ObjID
	ByteNr       btrfsvol.LogicalAddr
	ByteLimit    uint64
	BytesUsed    uint64
	LastSnapshot btrfsprim.Generation
	Flags        uint64
	Refs         uint32
	DropProgress btrfsprim.Key
	DropLevel    uint8
	Level        uint8

	// UUID is only present in the post-4.10 ROOT_ITEM extension; it is the
	// zero UUID when the item predates it.
	UUID btrfsprim.UUID
}

// UnmarshalBinary decodes the fixed core unconditionally, then the
// extension fields only if the payload is long enough to carry them —
// older filesystems wrote the shorter, pre-extension ROOT_ITEM.
func (r *Root) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < rootItemCoreSize {
		return 0, fmt.Errorf("btrfsitem: root item: %w", binstruct.ErrTruncated)
	}
	copy(r.InodeRaw[:], dat[:0xa0])
	// Offsets here are relative to the post-inode region (dat[0xa0:]), not
	// to the start of the item payload.
	type core struct {
		Generation    btrfsprim.Generation `bin:"off=0x0,  siz=0x8"`
		RootDirID     btrfsprim.ObjID      `bin:"off=0x8,  siz=0x8"`
		ByteNr        btrfsvol.LogicalAddr `bin:"off=0x10, siz=0x8"`
		ByteLimit     uint64               `bin:"off=0x18, siz=0x8"`
		BytesUsed     uint64               `bin:"off=0x20, siz=0x8"`
		LastSnapshot  btrfsprim.Generation `bin:"off=0x28, siz=0x8"`
		Flags         uint64               `bin:"off=0x30, siz=0x8"`
		Refs          uint32               `bin:"off=0x38, siz=0x4"`
		DropProgress  btrfsprim.Key        `bin:"off=0x3c, siz=0x11"`
		DropLevel     uint8                `bin:"off=0x4d, siz=0x1"`
		Level         uint8                `bin:"off=0x4e, siz=0x1"`
		binstruct.End `bin:"off=0x4f"`
	}
	var c core
	if _, err := binstruct.Unmarshal(dat[0xa0:], &c); err != nil {
		return 0, fmt.Errorf("btrfsitem: root item core: %w", err)
	}
	r.Generation, r.RootDirID, r.ByteNr = c.Generation, c.RootDirID, c.ByteNr
	r.ByteLimit, r.BytesUsed, r.LastSnapshot = c.ByteLimit, c.BytesUsed, c.LastSnapshot
	r.Flags, r.Refs, r.DropProgress, r.DropLevel, r.Level = c.Flags, c.Refs, c.DropProgress, c.DropLevel, c.Level

	const extSize = 0x1b7 - 0xef
	if len(dat) >= 0xef+extSize {
		var uuid btrfsprim.UUID
		if _, err := uuid.UnmarshalBinary(dat[0xf7 : 0xf7+16]); err == nil {
			r.UUID = uuid
		}
		return 0x1b7, nil
	}
	return rootItemCoreSize, nil
}
