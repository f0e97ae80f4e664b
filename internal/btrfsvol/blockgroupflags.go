package btrfsvol

import "strings"

// BlockGroupFlags is the chunk `type` bitmask: it encodes both the chunk's
// purpose (DATA/SYSTEM/METADATA) and its replication profile
// (SINGLE/DUP/RAID*).
type BlockGroupFlags uint64

const (
	BLOCK_GROUP_DATA = BlockGroupFlags(1 << iota)
	BLOCK_GROUP_SYSTEM
	BLOCK_GROUP_METADATA
	BLOCK_GROUP_RAID0
	BLOCK_GROUP_RAID1
	BLOCK_GROUP_DUP
	BLOCK_GROUP_RAID10
	BLOCK_GROUP_RAID5
	BLOCK_GROUP_RAID6
	BLOCK_GROUP_RAID1C3
	BLOCK_GROUP_RAID1C4

	// profileMask is every profile bit; a chunk with none of these set
	// is SINGLE.
	profileMask = BLOCK_GROUP_RAID0 | BLOCK_GROUP_RAID1 | BLOCK_GROUP_DUP |
		BLOCK_GROUP_RAID10 | BLOCK_GROUP_RAID5 | BLOCK_GROUP_RAID6 |
		BLOCK_GROUP_RAID1C3 | BLOCK_GROUP_RAID1C4

	// SupportedProfileMask is the set of profiles this tool's single-stripe
	// logical->physical translation can audit: SINGLE, DUP, and the
	// RAID1-family (one logical copy of the data lives at stripe[0],
	// which is all this tool ever reads). RAID0/RAID5/RAID6/RAID10 stripe
	// or parity data across multiple devices in a way that stripe[0] alone
	// cannot represent, so chunks with those bits set are rejected.
	SupportedProfileMask = BLOCK_GROUP_DUP | BLOCK_GROUP_RAID1 | BLOCK_GROUP_RAID1C3 | BLOCK_GROUP_RAID1C4
	UnsupportedProfileMask = BLOCK_GROUP_RAID0 | BLOCK_GROUP_RAID5 | BLOCK_GROUP_RAID6 | BLOCK_GROUP_RAID10
)

func (f BlockGroupFlags) Has(req BlockGroupFlags) bool { return f&req == req }

// Unsupported reports whether the chunk's replication profile is one this
// tool cannot safely translate (RAID0/5/6/10): spec.md restricts the
// logical->physical translation to stripe[0], which loses data for any
// profile that stripes or computes parity across multiple devices.
func (f BlockGroupFlags) Unsupported() bool {
	return f&UnsupportedProfileMask != 0
}

func (f BlockGroupFlags) String() string {
	var parts []string
	for bit, name := range map[BlockGroupFlags]string{
		BLOCK_GROUP_DATA:     "DATA",
		BLOCK_GROUP_SYSTEM:   "SYSTEM",
		BLOCK_GROUP_METADATA: "METADATA",
	} {
		if f.Has(bit) {
			parts = append(parts, name)
		}
	}
	switch {
	case f&profileMask == 0:
		parts = append(parts, "single")
	case f.Has(BLOCK_GROUP_DUP):
		parts = append(parts, "DUP")
	case f.Has(BLOCK_GROUP_RAID1):
		parts = append(parts, "RAID1")
	case f.Has(BLOCK_GROUP_RAID1C3):
		parts = append(parts, "RAID1C3")
	case f.Has(BLOCK_GROUP_RAID1C4):
		parts = append(parts, "RAID1C4")
	case f.Has(BLOCK_GROUP_RAID0):
		parts = append(parts, "RAID0")
	case f.Has(BLOCK_GROUP_RAID10):
		parts = append(parts, "RAID10")
	case f.Has(BLOCK_GROUP_RAID5):
		parts = append(parts, "RAID5")
	case f.Has(BLOCK_GROUP_RAID6):
		parts = append(parts, "RAID6")
	}
	return strings.Join(parts, "|")
}
