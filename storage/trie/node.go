package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/storage/merkle"
)

// ref points at a subtree: a leaf (full path, value hash) or a branch
// (prefix path, branch hash).
type ref struct {
	path Path
	hash common.Hash
}

const refSize = PathSize + common.HashLength

func (r ref) encode() []byte {
	return append(r.path.Encode(), r.hash[:]...)
}

func decodeRef(b []byte) (ref, error) {
	if len(b) != refSize {
		return ref{}, fmt.Errorf("%w: ref of %d bytes", errBadPath, len(b))
	}
	p, err := DecodePath(b[:PathSize])
	if err != nil {
		return ref{}, err
	}
	return ref{path: p, hash: common.BytesToHash(b[PathSize:])}, nil
}

// branch has exactly two children, split on the bit following its path.
type branch struct {
	children [2]ref
}

func newBranch(a, b ref, bit int) branch {
	if a.path.Bit(bit) == 0 {
		return branch{children: [2]ref{a, b}}
	}
	return branch{children: [2]ref{b, a}}
}

func (b branch) hash() common.Hash {
	return branchHash(b.children[0], b.children[1])
}

func branchHash(left, right ref) common.Hash {
	return merkle.Hash(merkle.TagBranch, left.hash[:], right.hash[:], left.path.Encode(), right.path.Encode())
}

func (b branch) encode() []byte {
	out := make([]byte, 0, 2*refSize)
	out = append(out, b.children[0].encode()...)
	return append(out, b.children[1].encode()...)
}

func decodeBranch(raw []byte) (branch, error) {
	if len(raw) != 2*refSize {
		return branch{}, fmt.Errorf("trie: branch of %d bytes", len(raw))
	}
	left, err := decodeRef(raw[:refSize])
	if err != nil {
		return branch{}, err
	}
	right, err := decodeRef(raw[refSize:])
	if err != nil {
		return branch{}, err
	}
	return branch{children: [2]ref{left, right}}, nil
}

// EmptyRoot is the root hash of a map with no entries.
var EmptyRoot = merkle.Hash(merkle.TagMapRoot, []byte{0x00})

func rootHash(root *ref) common.Hash {
	switch {
	case root == nil:
		return EmptyRoot
	case root.path.IsLeaf():
		return merkle.Hash(merkle.TagMapRoot, []byte{0x01}, root.path.Encode(), root.hash[:])
	default:
		return merkle.Hash(merkle.TagMapRoot, []byte{0x02}, root.hash[:])
	}
}
