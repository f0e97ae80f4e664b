// Package btrfstree implements the generic, logical-address-addressed
// B-tree reader: node decoding, per-node validation, full traversal, and
// ordered key lookup. It knows nothing about what any particular tree's
// items mean; higher layers (chunk table, device-tree analyser,
// free-space-tree analyser) interpret payload bytes themselves.
package btrfstree

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfssum"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// NodeHeader is the common header of every tree block, whether leaf or
// internal.
type NodeHeader struct {
	Checksum      btrfssum.CSum        `bin:"off=0x0,  siz=0x20"`
	FSUUID        btrfsprim.UUID       `bin:"off=0x20, siz=0x10"`
	Addr          btrfsvol.LogicalAddr `bin:"off=0x30, siz=0x8"`
	Flags         [7]byte              `bin:"off=0x38, siz=0x7"`
	BackrefRev    uint8                `bin:"off=0x3f, siz=0x1"`
	ChunkTreeUUID btrfsprim.UUID       `bin:"off=0x40, siz=0x10"`
	Generation    btrfsprim.Generation `bin:"off=0x50, siz=0x8"`
	Owner         btrfsprim.ObjID      `bin:"off=0x58, siz=0x8"`
	NumItems      uint32               `bin:"off=0x60, siz=0x4"`
	Level         uint8                `bin:"off=0x64, siz=0x1"`
	binstruct.End `bin:"off=0x65"`
}

// KeyPointer is one entry of an internal node's body: the key is the
// smallest key reachable through the child, blockptr its logical address.
type KeyPointer struct {
	Key           btrfsprim.Key        `bin:"off=0x0, siz=0x11"`
	BlockPtr      btrfsvol.LogicalAddr `bin:"off=0x11, siz=0x8"`
	Generation    btrfsprim.Generation `bin:"off=0x19, siz=0x8"`
	binstruct.End `bin:"off=0x21"`
}

// ItemHeader is one entry of a leaf node's item index; the payload itself
// lives at the tail of the node, growing backward from the end.
type ItemHeader struct {
	Key           btrfsprim.Key `bin:"off=0x0,  siz=0x11"`
	DataOffset    uint32        `bin:"off=0x11, siz=0x4"`
	DataSize      uint32        `bin:"off=0x15, siz=0x4"`
	binstruct.End `bin:"off=0x19"`
}

// Item is a decoded leaf entry: key plus raw payload bytes. Interpreting
// the payload is the job of the btrfsitem package.
type Item struct {
	Key     btrfsprim.Key
	Payload []byte
}

// Node is a fully decoded tree block: either an internal node
// (KeyPointers populated, Level > 0) or a leaf (Items populated, Level ==
// 0), never both.
type Node struct {
	Header      NodeHeader
	KeyPointers []KeyPointer
	Items       []Item
}

func headerSize() int { return binstruct.StaticSize(NodeHeader{}) }

// DecodeNode parses a raw node buffer (exactly nodesize bytes, as read from
// disk by the caller) into a Node, without yet verifying its checksum or
// any of the caller's structural expectations — see ReadNode for that.
func DecodeNode(buf []byte, checksumType btrfssum.CSumType) (*Node, error) {
	if len(buf) <= headerSize() {
		return nil, fmt.Errorf("btrfstree: node buffer of %d bytes is not larger than header size %d", len(buf), headerSize())
	}
	var n Node
	if _, err := binstruct.Unmarshal(buf, &n.Header); err != nil {
		return nil, fmt.Errorf("btrfstree: decode node header: %w", err)
	}

	body := buf[headerSize():]
	if n.Header.Level > 0 {
		if err := n.decodeInternal(body); err != nil {
			return nil, fmt.Errorf("btrfstree: node@%v: internal body: %w", n.Header.Addr, err)
		}
	} else {
		if err := n.decodeLeaf(body); err != nil {
			return nil, fmt.Errorf("btrfstree: node@%v: leaf body: %w", n.Header.Addr, err)
		}
	}
	return &n, nil
}

func (n *Node) decodeInternal(body []byte) error {
	kpSize := binstruct.StaticSize(KeyPointer{})
	if uint64(kpSize)*uint64(n.Header.NumItems) > uint64(len(body)) {
		return fmt.Errorf("nritems=%d overflows node body of %d bytes", n.Header.NumItems, len(body))
	}
	n.KeyPointers = make([]KeyPointer, n.Header.NumItems)
	off := 0
	for i := range n.KeyPointers {
		nn, err := binstruct.Unmarshal(body[off:], &n.KeyPointers[i])
		if err != nil {
			return fmt.Errorf("key pointer %d: %w", i, err)
		}
		off += nn
	}
	return nil
}

func (n *Node) decodeLeaf(body []byte) error {
	ihSize := binstruct.StaticSize(ItemHeader{})
	if uint64(ihSize)*uint64(n.Header.NumItems) > uint64(len(body)) {
		return fmt.Errorf("nritems=%d overflows node body of %d bytes", n.Header.NumItems, len(body))
	}
	n.Items = make([]Item, n.Header.NumItems)
	head := 0
	tail := len(body)
	for i := range n.Items {
		var ih ItemHeader
		nn, err := binstruct.Unmarshal(body[head:], &ih)
		if err != nil {
			return fmt.Errorf("item %d header: %w", i, err)
		}
		head += nn
		if head > tail {
			return fmt.Errorf("item %d: header runs past current tail", i)
		}
		dataOff := int(ih.DataOffset)
		dataSize := int(ih.DataSize)
		if dataOff < head {
			return fmt.Errorf("item %d: data offset %#x is inside the header region (< %#x)", i, dataOff, head)
		}
		if dataOff+dataSize != tail {
			return fmt.Errorf("item %d: data end %#x does not abut current tail %#x", i, dataOff+dataSize, tail)
		}
		tail = dataOff
		n.Items[i] = Item{Key: ih.Key, Payload: body[dataOff : dataOff+dataSize]}
	}
	return nil
}
