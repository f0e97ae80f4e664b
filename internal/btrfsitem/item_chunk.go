package btrfsitem

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// ChunkStripe is one device's slice of a chunk: stripe[0] is the only one
// this tool ever reads, per the supported-profile restriction in
// btrfsvol.BlockGroupFlags.
type ChunkStripe struct {
	DeviceID      btrfsvol.DeviceID     `bin:"off=0x0,  siz=0x8"`
	Offset        btrfsvol.PhysicalAddr `bin:"off=0x8,  siz=0x8"`
	DeviceUUID    btrfsprim.UUID        `bin:"off=0x10, siz=0x10"`
	binstruct.End `bin:"off=0x20"`
}

// Chunk is the CHUNK_ITEM payload: a logical extent of the volume and the
// stripes across physical devices that back it. Its own UnmarshalBinary
// takes over entirely, since the stripe array's length is data-dependent;
// the fields below carry no bin tags because reflection never walks this
// struct directly.
type Chunk struct {
	Size       btrfsvol.AddrDelta
	Owner      btrfsprim.ObjID
	StripeLen  uint64
	Type       btrfsvol.BlockGroupFlags
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	NumStripes uint16
	SubStripes uint16

	Stripes []ChunkStripe
}

// UnmarshalBinary implements binstruct.Unmarshaler directly (rather than
// relying on the struct-tag walk) because the stripe array's length is
// data-dependent on NumStripes.
func (c *Chunk) UnmarshalBinary(dat []byte) (int, error) {
	type fixedChunk struct {
		Size          btrfsvol.AddrDelta       `bin:"off=0x0,  siz=0x8"`
		Owner         btrfsprim.ObjID          `bin:"off=0x8,  siz=0x8"`
		StripeLen     uint64                   `bin:"off=0x10, siz=0x8"`
		Type          btrfsvol.BlockGroupFlags `bin:"off=0x18, siz=0x8"`
		IOAlign       uint32                   `bin:"off=0x20, siz=0x4"`
		IOWidth       uint32                   `bin:"off=0x24, siz=0x4"`
		SectorSize    uint32                   `bin:"off=0x28, siz=0x4"`
		NumStripes    uint16                   `bin:"off=0x2c, siz=0x2"`
		SubStripes    uint16                   `bin:"off=0x2e, siz=0x2"`
		binstruct.End `bin:"off=0x30"`
	}
	var fx fixedChunk
	n, err := binstruct.Unmarshal(dat, &fx)
	if err != nil {
		return 0, fmt.Errorf("btrfsitem: chunk: %w", err)
	}
	c.Size, c.Owner, c.StripeLen, c.Type = fx.Size, fx.Owner, fx.StripeLen, fx.Type
	c.IOAlign, c.IOWidth, c.SectorSize = fx.IOAlign, fx.IOWidth, fx.SectorSize
	c.NumStripes, c.SubStripes = fx.NumStripes, fx.SubStripes

	if c.NumStripes == 0 {
		return 0, fmt.Errorf("btrfsitem: chunk: num_stripes is zero")
	}
	c.Stripes = make([]ChunkStripe, c.NumStripes)
	for i := range c.Stripes {
		nn, err := binstruct.Unmarshal(dat[n:], &c.Stripes[i])
		if err != nil {
			return 0, fmt.Errorf("btrfsitem: chunk: stripe %d: %w", i, err)
		}
		n += nn
	}
	return n, nil
}

// Stripe0 returns the chunk's first stripe, which is the only stripe the
// chunk table and the free-space-tree analyser ever translate through.
func (c *Chunk) Stripe0() ChunkStripe { return c.Stripes[0] }
