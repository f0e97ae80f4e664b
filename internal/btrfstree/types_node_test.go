package btrfstree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfssum"
	"btrfsqcow.dev/audit/internal/btrfstree"
)

const headerSize = 0x65

func putLE64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func putLE32(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func newHeader(numItems uint32, level uint8) []byte {
	buf := make([]byte, headerSize)
	putLE64(buf, 0x30, 0x1000000) // Addr
	putLE64(buf, 0x50, 5)         // Generation
	putLE64(buf, 0x58, uint64(btrfsprim.CHUNK_TREE_OBJECTID))
	putLE32(buf, 0x60, numItems)
	buf[0x64] = level
	return buf
}

func putKey(buf []byte, off int, key btrfsprim.Key) {
	putLE64(buf, off, uint64(key.ObjectID))
	buf[off+8] = byte(key.ItemType)
	putLE64(buf, off+9, key.Offset)
}

func TestDecodeNodeLeafSingleItem(t *testing.T) {
	bodyLen := 200
	buf := append(newHeader(1, 0), make([]byte, bodyLen)...)
	body := buf[headerSize:]

	key := btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0x20000000}
	putKey(body, 0, key)
	dataOff, dataSize := bodyLen-10, 10
	putLE32(body, 0x11, uint32(dataOff))
	putLE32(body, 0x15, uint32(dataSize))
	copy(body[dataOff:dataOff+dataSize], []byte("0123456789"))

	n, err := btrfstree.DecodeNode(buf, btrfssum.TYPE_CRC32)
	require.NoError(t, err)
	require.Equal(t, uint8(0), n.Header.Level)
	require.Len(t, n.Items, 1)
	require.Equal(t, key, n.Items[0].Key)
	require.Equal(t, []byte("0123456789"), n.Items[0].Payload)
}

func TestDecodeNodeInternalSingleKeyPointer(t *testing.T) {
	bodyLen := 64
	buf := append(newHeader(1, 1), make([]byte, bodyLen)...)
	body := buf[headerSize:]

	key := btrfsprim.Key{ObjectID: 1, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0}
	putKey(body, 0, key)
	putLE64(body, 0x11, 0x2000000) // BlockPtr
	putLE64(body, 0x19, 5)         // Generation

	n, err := btrfstree.DecodeNode(buf, btrfssum.TYPE_CRC32)
	require.NoError(t, err)
	require.Equal(t, uint8(1), n.Header.Level)
	require.Len(t, n.KeyPointers, 1)
	require.Equal(t, key, n.KeyPointers[0].Key)
	require.EqualValues(t, 0x2000000, n.KeyPointers[0].BlockPtr)
}

func TestDecodeNodeRejectsShortBuffer(t *testing.T) {
	_, err := btrfstree.DecodeNode(make([]byte, 10), btrfssum.TYPE_CRC32)
	require.Error(t, err)
}

func TestDecodeNodeLeafRejectsItemCountOverflow(t *testing.T) {
	buf := append(newHeader(100, 0), make([]byte, 32)...)
	_, err := btrfstree.DecodeNode(buf, btrfssum.TYPE_CRC32)
	require.Error(t, err)
}

func TestDecodeNodeLeafRejectsDataNotAbuttingTail(t *testing.T) {
	bodyLen := 200
	buf := append(newHeader(1, 0), make([]byte, bodyLen)...)
	body := buf[headerSize:]

	key := btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.CHUNK_ITEM_KEY, Offset: 0}
	putKey(body, 0, key)
	putLE32(body, 0x11, 50) // dataOff does not reach bodyLen given dataSize
	putLE32(body, 0x15, 10)

	_, err := btrfstree.DecodeNode(buf, btrfssum.TYPE_CRC32)
	require.Error(t, err)
}
