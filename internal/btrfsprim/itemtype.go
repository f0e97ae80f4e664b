package btrfsprim

import "fmt"

// ItemType is the one-byte discriminant in the middle of a Key that says
// how to interpret an item's payload.
type ItemType uint8

const (
	UNTYPED_KEY           ItemType = 0
	ROOT_ITEM_KEY         ItemType = 132
	EXTENT_CSUM_KEY       ItemType = 128
	DEV_EXTENT_KEY        ItemType = 204
	DEV_ITEM_KEY          ItemType = 216
	CHUNK_ITEM_KEY        ItemType = 228
	FREE_SPACE_INFO_KEY   ItemType = 198
	FREE_SPACE_EXTENT_KEY ItemType = 199
	FREE_SPACE_BITMAP_KEY ItemType = 200

	MaxItemType ItemType = 255
)

var itemTypeNames = map[ItemType]string{
	UNTYPED_KEY:           "UNTYPED",
	ROOT_ITEM_KEY:         "ROOT_ITEM",
	EXTENT_CSUM_KEY:       "EXTENT_CSUM",
	DEV_EXTENT_KEY:        "DEV_EXTENT",
	DEV_ITEM_KEY:          "DEV_ITEM",
	CHUNK_ITEM_KEY:        "CHUNK_ITEM",
	FREE_SPACE_INFO_KEY:   "FREE_SPACE_INFO",
	FREE_SPACE_EXTENT_KEY: "FREE_SPACE_EXTENT",
	FREE_SPACE_BITMAP_KEY: "FREE_SPACE_BITMAP",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%d", uint8(t))
}
