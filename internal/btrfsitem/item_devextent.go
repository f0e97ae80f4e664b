package btrfsitem

import (
	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// DevExtent is the DEV_EXTENT_KEY payload: a physical range on one device
// claimed by a particular chunk. The item's own key carries the device ID
// (objectid) and the physical start (offset); this payload carries back
// which chunk owns the range and how long it is.
type DevExtent struct {
	ChunkTree     btrfsprim.ObjID      `bin:"off=0x0,  siz=0x8"`
	ChunkObjectID btrfsprim.ObjID      `bin:"off=0x8,  siz=0x8"`
	ChunkOffset   btrfsvol.LogicalAddr `bin:"off=0x10, siz=0x8"`
	Length        btrfsvol.AddrDelta   `bin:"off=0x18, siz=0x8"`
	ChunkTreeUUID btrfsprim.UUID       `bin:"off=0x20, siz=0x10"`
	binstruct.End `bin:"off=0x30"`
}
