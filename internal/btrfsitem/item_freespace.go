package btrfsitem

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// FreeSpaceInfo is the FREE_SPACE_INFO_KEY payload: a per-block-group
// summary recording how many free extents it has and whether they are
// recorded as explicit extents or as a packed bitmap.
type FreeSpaceInfo struct {
	ExtentCount   uint32 `bin:"off=0x0, siz=0x4"`
	Flags         uint32 `bin:"off=0x4, siz=0x4"`
	binstruct.End `bin:"off=0x8"`
}

// UsesBitmaps reports whether this block group's free space is recorded as
// FREE_SPACE_BITMAP items rather than individual FREE_SPACE_EXTENT items.
func (f FreeSpaceInfo) UsesBitmaps() bool { return f.Flags&0x1 != 0 }

// FreeSpaceExtent is a decoded FREE_SPACE_EXTENT_KEY entry. The item
// carries no payload: start and length come entirely from the item's key
// (objectid and offset respectively), which the free-space-tree analyser
// reads directly rather than through this package.
type FreeSpaceExtent struct {
	Start  btrfsvol.LogicalAddr
	Length btrfsvol.AddrDelta
}

// FreeSpaceBitmap is a decoded FREE_SPACE_BITMAP_KEY payload: one bit per
// sectorsize-byte unit across [start, start+length), set when that unit is
// free. The key carries start and length; the payload is the packed bits.
type FreeSpaceBitmap struct {
	Bits []byte
}

func (b *FreeSpaceBitmap) UnmarshalBinary(dat []byte) (int, error) {
	b.Bits = append([]byte(nil), dat...)
	return len(dat), nil
}

// ExtentsAt walks the bitmap's set-bit runs, yielding contiguous free
// ranges relative to start in units of sectorSize.
func (b FreeSpaceBitmap) ExtentsAt(start btrfsvol.LogicalAddr, sectorSize uint32) ([]FreeSpaceExtent, error) {
	if sectorSize == 0 {
		return nil, fmt.Errorf("btrfsitem: free space bitmap: sector size is zero")
	}
	var extents []FreeSpaceExtent
	bitAt := func(i int) bool { return b.Bits[i/8]&(1<<uint(i%8)) != 0 }
	nbits := len(b.Bits) * 8
	i := 0
	for i < nbits {
		if !bitAt(i) {
			i++
			continue
		}
		runStart := i
		for i < nbits && bitAt(i) {
			i++
		}
		extents = append(extents, FreeSpaceExtent{
			Start:  start.Add(btrfsvol.AddrDelta(runStart) * btrfsvol.AddrDelta(sectorSize)),
			Length: btrfsvol.AddrDelta(i-runStart) * btrfsvol.AddrDelta(sectorSize),
		})
	}
	return extents, nil
}
