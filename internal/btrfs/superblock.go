// Package btrfs decodes the Btrfs superblock: the fixed-size, fixed-offset
// root descriptor every other component bootstraps from.
package btrfs

import (
	"bytes"
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsitem"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfssum"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// Magic is the fixed 8-byte tag every valid superblock carries at 0x40.
var Magic = [8]byte{'_', 'B', 'H', 'R', 'f', 'S', '_', 'M'}

// WellKnownOffsets are the four fixed physical slots a superblock copy can
// live at. This tool only ever reads the first (see Open Questions in
// SPEC_FULL.md); the rest are listed so the device-tree analyser can carve
// them out of the physical timeline whether or not they hold a valid copy.
var WellKnownOffsets = [4]btrfsvol.PhysicalAddr{
	0x10000,
	0x4000000,
	0x4000000000,
	0x4000000000000,
}

// CompatROFreeSpaceTree is the compat_ro_flags bit that says the free-space
// tree is present and should be trusted over the free-space cache.
const CompatROFreeSpaceTree uint64 = 1 << 0

// Superblock is the 4096-byte filesystem-root descriptor. Only the fields
// the audit pipeline consumes are given real types; the dev_item, label,
// and backup-roots regions are kept as raw bytes since nothing here reads
// them structurally.
type Superblock struct {
	Checksum            btrfssum.CSum         `bin:"off=0x0,   siz=0x20"`
	FSID                btrfsprim.UUID        `bin:"off=0x20,  siz=0x10"`
	ByteNr              btrfsvol.PhysicalAddr `bin:"off=0x30,  siz=0x8"`
	Flags               uint64                `bin:"off=0x38,  siz=0x8"`
	MagicBytes          [8]byte               `bin:"off=0x40,  siz=0x8"`
	Generation          btrfsprim.Generation  `bin:"off=0x48,  siz=0x8"`
	Root                btrfsvol.LogicalAddr  `bin:"off=0x50,  siz=0x8"`
	ChunkRoot           btrfsvol.LogicalAddr  `bin:"off=0x58,  siz=0x8"`
	LogRoot             btrfsvol.LogicalAddr  `bin:"off=0x60,  siz=0x8"`
	LogRootTransID      uint64                `bin:"off=0x68,  siz=0x8"`
	TotalBytes          uint64                `bin:"off=0x70,  siz=0x8"`
	BytesUsed           uint64                `bin:"off=0x78,  siz=0x8"`
	RootDirObjectID     btrfsprim.ObjID       `bin:"off=0x80,  siz=0x8"`
	NumDevices          uint64                `bin:"off=0x88,  siz=0x8"`
	SectorSize          uint32                `bin:"off=0x90,  siz=0x4"`
	NodeSize            uint32                `bin:"off=0x94,  siz=0x4"`
	LeafSize            uint32                `bin:"off=0x98,  siz=0x4"`
	StripeSize          uint32                `bin:"off=0x9c,  siz=0x4"`
	SysChunkArraySize   uint32                `bin:"off=0xa0,  siz=0x4"`
	ChunkRootGeneration btrfsprim.Generation  `bin:"off=0xa4,  siz=0x8"`
	CompatFlags         uint64                `bin:"off=0xac,  siz=0x8"`
	CompatROFlags       uint64                `bin:"off=0xb4,  siz=0x8"`
	IncompatFlags       uint64                `bin:"off=0xbc,  siz=0x8"`
	CSumType            btrfssum.CSumType     `bin:"off=0xc4,  siz=0x2"`
	RootLevel           uint8                 `bin:"off=0xc6,  siz=0x1"`
	ChunkRootLevel      uint8                 `bin:"off=0xc7,  siz=0x1"`
	LogRootLevel        uint8                 `bin:"off=0xc8,  siz=0x1"`
	DevItemRaw          [0x62]byte            `bin:"off=0xc9,  siz=0x62"`
	LabelRaw            [0x100]byte           `bin:"off=0x12b, siz=0x100"`
	CacheGeneration     uint64                `bin:"off=0x22b, siz=0x8"`
	UUIDTreeGeneration  uint64                `bin:"off=0x233, siz=0x8"`
	MetadataUUID        btrfsprim.UUID        `bin:"off=0x23b, siz=0x10"`
	ReservedRaw         [0xe0]byte            `bin:"off=0x24b, siz=0xe0"`
	SysChunkArrayRaw    [0x800]byte           `bin:"off=0x32b, siz=0x800"`
	SuperRootsRaw       [0x4d5]byte           `bin:"off=0xb2b, siz=0x4d5"`
	binstruct.End       `bin:"off=0x1000"`
}

// Decode parses a 4096-byte superblock buffer without yet validating it;
// see DecodeAndValidate for the structural checks spec.md §4 requires
// before the rest of the pipeline trusts any field.
func Decode(buf []byte) (*Superblock, error) {
	var sb Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return nil, fmt.Errorf("btrfs: decode superblock: %w", err)
	}
	return &sb, nil
}

// DecodeAndValidate decodes buf and validates it against its own
// checksum, computed over the raw bytes rather than any re-encoding of the
// parsed struct.
func DecodeAndValidate(buf []byte) (*Superblock, error) {
	if len(buf) < 0x1000 {
		return nil, fmt.Errorf("btrfs: superblock buffer is %d bytes, want 4096", len(buf))
	}
	sb, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(sb.MagicBytes[:], Magic[:]) {
		return nil, fmt.Errorf("btrfs: superblock: bad magic %q", sb.MagicBytes[:])
	}
	calced, err := btrfssum.Sum(sb.CSumType, buf[0x20:0x1000])
	if err != nil {
		return nil, fmt.Errorf("btrfs: superblock: %w", err)
	}
	if calced != sb.Checksum {
		return nil, fmt.Errorf("btrfs: superblock: checksum mismatch: stored=%v calculated=%v", sb.Checksum.Fmt(sb.CSumType), calced.Fmt(sb.CSumType))
	}
	if sb.NumDevices != 1 {
		return nil, fmt.Errorf("btrfs: superblock: num_devices=%d, only single-device filesystems are supported", sb.NumDevices)
	}
	return sb, nil
}

// HasFreeSpaceTree reports whether this filesystem's free space is tracked
// by the free-space tree (vs. the legacy free-space cache, which this tool
// does not read).
func (sb *Superblock) HasFreeSpaceTree() bool {
	return sb.CompatROFlags&CompatROFreeSpaceTree != 0
}

// BootstrapChunk is one entry of the superblock's embedded system chunk
// array: enough information to resolve the handful of logical addresses
// needed to start walking the real chunk tree.
type BootstrapChunk struct {
	Start btrfsvol.LogicalAddr
	Chunk btrfsitem.Chunk
}

// SystemChunks parses the sys_chunk_array region sequentially: {key,
// chunk} pairs back to back, for exactly SysChunkArraySize bytes.
func (sb *Superblock) SystemChunks() ([]BootstrapChunk, error) {
	if sb.SysChunkArraySize > uint32(len(sb.SysChunkArrayRaw)) {
		return nil, fmt.Errorf("btrfs: superblock: sys_chunk_array_size %d exceeds embedded buffer of %d", sb.SysChunkArraySize, len(sb.SysChunkArrayRaw))
	}
	buf := sb.SysChunkArrayRaw[:sb.SysChunkArraySize]

	var out []BootstrapChunk
	off := 0
	for off < len(buf) {
		var key btrfsprim.Key
		n, err := binstruct.Unmarshal(buf[off:], &key)
		if err != nil {
			return nil, fmt.Errorf("btrfs: superblock: sys_chunk_array: key at offset %#x: %w", off, err)
		}
		off += n
		if key.ItemType != btrfsprim.CHUNK_ITEM_KEY {
			return nil, fmt.Errorf("btrfs: superblock: sys_chunk_array: expected CHUNK_ITEM key at offset %#x, got %v", off-n, key.ItemType)
		}
		var chunk btrfsitem.Chunk
		n, err = binstruct.Unmarshal(buf[off:], &chunk)
		if err != nil {
			return nil, fmt.Errorf("btrfs: superblock: sys_chunk_array: chunk at offset %#x: %w", off, err)
		}
		off += n
		out = append(out, BootstrapChunk{Start: btrfsvol.LogicalAddr(key.Offset), Chunk: chunk})
	}
	return out, nil
}
