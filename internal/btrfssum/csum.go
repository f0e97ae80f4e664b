// Package btrfssum implements the checksum algorithms a Btrfs superblock
// can advertise via csum_type, dispatching on the tag to the algorithm's
// digest, stored at the start of the fixed 32-byte on-disk checksum field
// and zero-padded on the right.
package btrfssum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"btrfsqcow.dev/audit/internal/binstruct"
)

// CSum is the on-disk 32-byte checksum field; algorithms whose digest is
// shorter than 32 bytes are zero-padded on the right.
type CSum [32]byte

func (CSum) BinaryStaticSize() int { return 32 }

func (c *CSum) UnmarshalBinary(dat []byte) (int, error) {
	if len(dat) < 32 {
		return 0, fmt.Errorf("btrfssum: CSum: %w", binstruct.ErrTruncated)
	}
	copy(c[:], dat[:32])
	return 32, nil
}

func (c CSum) String() string { return hex.EncodeToString(c[:]) }

// Fmt renders only the digest bytes that typ actually produces, omitting
// the zero padding.
func (c CSum) Fmt(typ CSumType) string { return hex.EncodeToString(c[:typ.Size()]) }

// CSumType is the superblock's csum_type tag.
type CSumType uint16

const (
	TYPE_CRC32  CSumType = 0
	TYPE_XXHASH CSumType = 1
	TYPE_SHA256 CSumType = 2
	TYPE_BLAKE2 CSumType = 3
)

func (typ CSumType) String() string {
	switch typ {
	case TYPE_CRC32:
		return "crc32c"
	case TYPE_XXHASH:
		return "xxhash64"
	case TYPE_SHA256:
		return "sha256"
	case TYPE_BLAKE2:
		return "blake2"
	default:
		return fmt.Sprintf("csum_type(%d)", uint16(typ))
	}
}

// Size is the number of meaningful (non-padding) digest bytes typ produces.
func (typ CSumType) Size() int {
	switch typ {
	case TYPE_CRC32:
		return 4
	case TYPE_XXHASH:
		return 8
	case TYPE_SHA256:
		return 32
	case TYPE_BLAKE2:
		return 32
	default:
		return len(CSum{})
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Sum computes typ's digest of data and stores it at the start of a CSum,
// leaving the remaining bytes zero.
func Sum(typ CSumType, data []byte) (CSum, error) {
	var ret CSum
	switch typ {
	case TYPE_CRC32:
		binary.LittleEndian.PutUint32(ret[:4], crc32.Checksum(data, crc32cTable))
	case TYPE_XXHASH:
		binary.LittleEndian.PutUint64(ret[:8], xxhash.Sum64(data))
	case TYPE_SHA256:
		digest := sha256.Sum256(data)
		copy(ret[:], digest[:])
	case TYPE_BLAKE2:
		digest := blake2b.Sum256(data)
		copy(ret[:], digest[:])
	default:
		return CSum{}, fmt.Errorf("btrfssum: unknown csum_type %v", typ)
	}
	return ret, nil
}
