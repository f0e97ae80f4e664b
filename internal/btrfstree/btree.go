package btrfstree

import (
	"fmt"

	"btrfsqcow.dev/audit/internal/binstruct"
	"btrfsqcow.dev/audit/internal/btrfsprim"
	"btrfsqcow.dev/audit/internal/btrfssum"
	"btrfsqcow.dev/audit/internal/btrfsvol"
)

// AddrResolver turns a logical tree-block address into the physical offset
// it is backed by. The chunk table is the concrete implementation; during
// its own bootstrap it resolves through the superblock's system-chunk
// array before the full chunk table exists.
type AddrResolver interface {
	Resolve(addr btrfsvol.LogicalAddr) (btrfsvol.PhysicalAddr, btrfsvol.BlockGroupFlags, error)
}

// Reader reads nodesize-aligned bytes at a physical offset. The Image
// Access Layer is the concrete implementation.
type Reader interface {
	ReadAt(buf []byte, paddr btrfsvol.PhysicalAddr) error
}

// Tree is a logical-address-addressed B-tree reader bound to a particular
// filesystem image. It does no caching: every ReadNode call re-reads and
// re-validates a node's bytes, which is acceptable because this tool walks
// each tree at most a handful of times.
type Tree struct {
	Resolver     AddrResolver
	Reader       Reader
	NodeSize     uint32
	ChecksumType btrfssum.CSumType
	FSUUID       btrfsprim.UUID
}

// Expectations constrains what ReadNode will accept; any field a caller
// leaves at its zero value that is meaningful for a root node (e.g. want
// the level from the root item) must be passed explicitly.
type Expectations struct {
	Level      uint8
	MaxGen     btrfsprim.Generation
	Owner      btrfsprim.ObjID
	CheckOwner bool
}

// ReadNode resolves addr to a physical offset, reads exactly NodeSize
// bytes, verifies the node checksum, and checks the header against exp.
func (t *Tree) ReadNode(addr btrfsvol.LogicalAddr, exp Expectations) (*Node, error) {
	paddr, profile, err := t.Resolver.Resolve(addr)
	if err != nil {
		return nil, fmt.Errorf("btrfstree: resolve node@%v: %w", addr, err)
	}
	if profile.Unsupported() {
		return nil, fmt.Errorf("btrfstree: node@%v: chunk has unsupported profile %v", addr, profile)
	}

	buf := make([]byte, t.NodeSize)
	if err := t.Reader.ReadAt(buf, paddr); err != nil {
		return nil, fmt.Errorf("btrfstree: read node@%v (phys %v): %w", addr, paddr, err)
	}

	stored, err := decodeChecksumOnly(buf)
	if err != nil {
		return nil, fmt.Errorf("btrfstree: node@%v: %w", addr, err)
	}
	calced, err := btrfssum.Sum(t.ChecksumType, buf[binstruct.StaticSize(btrfssum.CSum{}):])
	if err != nil {
		return nil, fmt.Errorf("btrfstree: node@%v: %w", addr, err)
	}
	if stored != calced {
		return nil, fmt.Errorf("btrfstree: node@%v: checksum mismatch: stored=%v calculated=%v", addr, stored, calced)
	}

	node, err := DecodeNode(buf, t.ChecksumType)
	if err != nil {
		return nil, fmt.Errorf("btrfstree: node@%v: %w", addr, err)
	}

	if node.Header.Addr != addr {
		return nil, fmt.Errorf("btrfstree: node@%v: header claims address %v", addr, node.Header.Addr)
	}
	if node.Header.Level != exp.Level {
		return nil, fmt.Errorf("btrfstree: node@%v: expected level=%d, got level=%d", addr, exp.Level, node.Header.Level)
	}
	if exp.MaxGen != 0 && node.Header.Generation > exp.MaxGen {
		return nil, fmt.Errorf("btrfstree: node@%v: expected generation<=%d, got generation=%d", addr, exp.MaxGen, node.Header.Generation)
	}
	if exp.CheckOwner && node.Header.Owner != exp.Owner {
		return nil, fmt.Errorf("btrfstree: node@%v: expected owner=%v, got owner=%v", addr, exp.Owner, node.Header.Owner)
	}

	return node, nil
}

func decodeChecksumOnly(buf []byte) (btrfssum.CSum, error) {
	var c btrfssum.CSum
	if _, err := binstruct.Unmarshal(buf, &c); err != nil {
		return btrfssum.CSum{}, err
	}
	return c, nil
}

// VisitFunc is called once per leaf item in key order during WalkTree. It
// returns false to stop the entire traversal early.
type VisitFunc func(key btrfsprim.Key, payload []byte) bool

// WalkTree performs a full, ordered, recursive descent of the tree rooted
// at rootAddr, calling visit for each leaf item. Tree height is bounded by
// the on-disk format, so a recursive (rather than explicit-stack)
// implementation is safe here.
func (t *Tree) WalkTree(rootAddr btrfsvol.LogicalAddr, rootLevel uint8, rootGen btrfsprim.Generation, owner btrfsprim.ObjID, visit VisitFunc) error {
	return t.walk(rootAddr, Expectations{Level: rootLevel, MaxGen: rootGen, Owner: owner, CheckOwner: true}, visit)
}

func (t *Tree) walk(addr btrfsvol.LogicalAddr, exp Expectations, visit VisitFunc) error {
	node, err := t.ReadNode(addr, exp)
	if err != nil {
		return err
	}
	if node.Header.Level > 0 {
		childExp := Expectations{Level: node.Header.Level - 1, Owner: exp.Owner, CheckOwner: true}
		for _, kp := range node.KeyPointers {
			childExp.MaxGen = kp.Generation
			if err := t.walk(kp.BlockPtr, childExp, visit); err != nil {
				return err
			}
		}
		return nil
	}
	for _, item := range node.Items {
		if !visit(item.Key, item.Payload) {
			return nil
		}
	}
	return nil
}

// AcceptFunc is called with the payload of an exactly-matching item;
// returning an error aborts FindItem with that error.
type AcceptFunc func(payload []byte) error

// FindItem descends the tree to locate a single key exactly, using the
// standard B+-tree predecessor-style search: at an internal node, follow
// the rightmost key-pointer whose key is <= the target; at the leaf, scan
// the items in key order for an exact match, stopping once keys exceed the
// target. Returns false (with a nil error) if no item has exactly that key.
func (t *Tree) FindItem(rootAddr btrfsvol.LogicalAddr, rootLevel uint8, rootGen btrfsprim.Generation, owner btrfsprim.ObjID, target btrfsprim.Key, accept AcceptFunc) (bool, error) {
	exp := Expectations{Level: rootLevel, MaxGen: rootGen, Owner: owner, CheckOwner: true}
	addr := rootAddr
	for {
		node, err := t.ReadNode(addr, exp)
		if err != nil {
			return false, err
		}
		if node.Header.Level > 0 {
			idx := -1
			for i, kp := range node.KeyPointers {
				if kp.Key.Compare(target) <= 0 {
					idx = i
				} else {
					break
				}
			}
			if idx == -1 {
				return false, nil
			}
			addr = node.KeyPointers[idx].BlockPtr
			exp = Expectations{Level: node.Header.Level - 1, MaxGen: node.KeyPointers[idx].Generation, Owner: exp.Owner, CheckOwner: true}
			continue
		}
		for _, item := range node.Items {
			cmp := item.Key.Compare(target)
			if cmp == 0 {
				if accept != nil {
					if err := accept(item.Payload); err != nil {
						return false, err
					}
				}
				return true, nil
			}
			if cmp > 0 {
				return false, nil
			}
		}
		return false, nil
	}
}
