package btrfsprim

import (
	"fmt"
	"math"

	"btrfsqcow.dev/audit/internal/binstruct"
)

// Key is a Btrfs item key: the total order it imposes (lexicographic over
// ObjectID, then ItemType, then Offset) is what makes a tree's leaves
// searchable by ordered descent.
type Key struct {
	ObjectID      ObjID    `bin:"off=0x0, siz=0x8"`
	ItemType      ItemType `bin:"off=0x8, siz=0x1"`
	Offset        uint64   `bin:"off=0x9, siz=0x8"`
	binstruct.End `bin:"off=0x11"`
}

const MaxOffset uint64 = math.MaxUint64

// MaxKey sorts after every possible key.
var MaxKey = Key{ObjectID: MaxObjID, ItemType: MaxItemType, Offset: MaxOffset}

// Compare returns -1, 0, or 1 as a sorts before, equal to, or after b.
func (a Key) Compare(b Key) int {
	switch {
	case a.ObjectID < b.ObjectID:
		return -1
	case a.ObjectID > b.ObjectID:
		return 1
	}
	switch {
	case a.ItemType < b.ItemType:
		return -1
	case a.ItemType > b.ItemType:
		return 1
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

func (a Key) String() string {
	return fmt.Sprintf("(%v %v %#x)", a.ObjectID, a.ItemType, a.Offset)
}
