package btrfsprim

import (
	"fmt"

	"github.com/google/uuid"

	"btrfsqcow.dev/audit/internal/binstruct"
)

// Generation is a Btrfs transaction ID / commit generation number.
type Generation uint64

// UUID is a 16-byte on-disk identifier, decoded via google/uuid so that
// diagnostics print the standard hyphenated form instead of raw hex.
type UUID uuid.UUID

func (UUID) BinaryStaticSize() int { return 16 }

func (u *UUID) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 16 {
		return 0, fmt.Errorf("btrfsprim: UUID: %w", binstruct.ErrTruncated)
	}
	copy(u[:], dat[:16])
	return 16, nil
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Time is an on-disk timestamp: seconds since the epoch plus nanoseconds.
type Time struct {
	Sec           int64  `bin:"off=0x0, siz=0x8"`
	NSec          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}
