// Package prooflist implements ProofList, an append-oriented list whose
// elements are committed to by a dense binary Merkle tree.
//
// Node (h, i) covers elements [i*2^h, (i+1)*2^h). Height 0 holds element
// hashes, a branch hashes its children and a branch without a right child
// hashes the left child alone. Only nodes on the path of a modified element
// are recomputed, so Push and Set cost O(log n).
//
// Storage layout inside the index namespace:
//
//	0x00 | index(8 BE)              element value
//	0x01 | height(1) | index(8 BE)  node hash
package prooflist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/index"
	"ledgercore/storage/merkle"
)

const (
	valuePrefix byte = 0x00
	nodePrefix  byte = 0x01
)

var errMissingNode = errors.New("prooflist: missing node")

// ProofList is a list with positional Merkle proofs.
type ProofList[V any] struct {
	view  *index.View
	codec codec.Codec[V]
}

// New opens the proof list stored under name.
func New[V any](access storage.Snapshot, name string, c codec.Codec[V]) (*ProofList[V], error) {
	return NewAt(access, index.NewAddress(name), c)
}

// NewInFamily opens the family member id of the proof list family name.
func NewInFamily[V any](access storage.Snapshot, name string, id []byte, c codec.Codec[V]) (*ProofList[V], error) {
	return NewAt(access, index.NewAddress(name).InFamily(id), c)
}

// NewAt opens the proof list at addr.
func NewAt[V any](access storage.Snapshot, addr index.Address, c codec.Codec[V]) (*ProofList[V], error) {
	view, err := index.NewView(access, addr, index.TypeProofList)
	if err != nil {
		return nil, err
	}
	return &ProofList[V]{view: view, codec: c}, nil
}

// rootHeight is the height of the root node of a tree over n elements.
func rootHeight(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// levelCount is the number of nodes at height h.
func levelCount(n uint64, h int) uint64 {
	if h >= 64 {
		if n == 0 {
			return 0
		}
		return 1
	}
	return (n + (uint64(1) << h) - 1) >> h
}

func valueKey(i uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{valuePrefix}, i)
}

func nodeKey(h int, i uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{nodePrefix, byte(h)}, i)
}

func branchHash(left common.Hash, right *common.Hash) common.Hash {
	if right == nil {
		return merkle.Hash(merkle.TagBranch, left[:])
	}
	return merkle.Hash(merkle.TagBranch, left[:], right[:])
}

func listRoot(n uint64, top common.Hash) common.Hash {
	return merkle.Hash(merkle.TagListRoot, binary.BigEndian.AppendUint64(nil, n), top[:])
}

func (l *ProofList[V]) corrupted(op string, err error) error {
	return storage.Corrupted(l.view.Access(), "proof list "+l.view.Address().String()+": "+op, err)
}

func (l *ProofList[V]) node(h int, i uint64) (common.Hash, error) {
	raw, err := l.view.Get(nodeKey(h, i))
	if err != nil {
		return common.Hash{}, err
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, l.corrupted("node", fmt.Errorf("%w: height %d index %d", errMissingNode, h, i))
	}
	return common.BytesToHash(raw), nil
}

// updatePath recomputes every node above element i for a list of length n.
func (l *ProofList[V]) updatePath(i, n uint64) error {
	cur, err := l.node(0, i)
	if err != nil {
		return err
	}
	top := rootHeight(n)
	for h := 1; h <= top; h++ {
		child := i >> (h - 1)
		left, right := child&^1, child|1
		var leftHash common.Hash
		var rightHash *common.Hash
		if child == left {
			leftHash = cur
			if right < levelCount(n, h-1) {
				rh, err := l.node(h-1, right)
				if err != nil {
					return err
				}
				rightHash = &rh
			}
		} else {
			lh, err := l.node(h-1, left)
			if err != nil {
				return err
			}
			leftHash, rightHash = lh, &cur
		}
		cur = branchHash(leftHash, rightHash)
		if err := l.view.Put(nodeKey(h, i>>h), cur[:]); err != nil {
			return err
		}
	}
	return nil
}

func (l *ProofList[V]) Len() (uint64, error) { return l.view.Len() }

func (l *ProofList[V]) IsEmpty() (bool, error) {
	n, err := l.Len()
	return n == 0, err
}

// Get returns the element at i; ok is false past the end.
func (l *ProofList[V]) Get(i uint64) (v V, ok bool, err error) {
	raw, err := l.view.Get(valueKey(i))
	if err != nil || raw == nil {
		return v, false, err
	}
	v, err = l.codec.Decode(raw)
	if err != nil {
		return v, false, l.corrupted("value", err)
	}
	return v, true, nil
}

// Last returns the final element.
func (l *ProofList[V]) Last() (v V, ok bool, err error) {
	n, err := l.Len()
	if err != nil || n == 0 {
		return v, false, err
	}
	return l.Get(n - 1)
}

func (l *ProofList[V]) put(i uint64, v V) error {
	raw := l.codec.Encode(v)
	if err := l.view.Put(valueKey(i), raw); err != nil {
		return err
	}
	h := merkle.LeafHash(raw)
	return l.view.Put(nodeKey(0, i), h[:])
}

func (l *ProofList[V]) Push(v V) error {
	n, err := l.Len()
	if err != nil {
		return err
	}
	if err := l.put(n, v); err != nil {
		return err
	}
	if err := l.view.SetLen(n + 1); err != nil {
		return err
	}
	return l.updatePath(n, n+1)
}

func (l *ProofList[V]) Extend(vs ...V) error {
	for _, v := range vs {
		if err := l.Push(v); err != nil {
			return err
		}
	}
	return nil
}

// Set overwrites position i, which must be below Len.
func (l *ProofList[V]) Set(i uint64, v V) error {
	n, err := l.Len()
	if err != nil {
		return err
	}
	if i >= n {
		return fmt.Errorf("%w: set %d on %s with length %d", index.ErrIndexOutOfBounds, i, l.view.Address(), n)
	}
	if err := l.put(i, v); err != nil {
		return err
	}
	return l.updatePath(i, n)
}

// Pop removes and returns the last element.
func (l *ProofList[V]) Pop() (v V, ok bool, err error) {
	v, ok, err = l.Last()
	if err != nil || !ok {
		return v, ok, err
	}
	n, err := l.Len()
	if err != nil {
		return v, false, err
	}
	return v, true, l.Truncate(n - 1)
}

// Truncate shortens the list to n elements, dropping the nodes that only
// covered removed elements; it is a no-op when n >= Len.
func (l *ProofList[V]) Truncate(n uint64) error {
	size, err := l.Len()
	if err != nil {
		return err
	}
	if n >= size {
		return nil
	}
	for i := n; i < size; i++ {
		if err := l.view.Delete(valueKey(i)); err != nil {
			return err
		}
	}
	newTop := rootHeight(n)
	for h := 0; h <= rootHeight(size); h++ {
		keep := levelCount(n, h)
		if h > newTop {
			keep = 0
		}
		for i := keep; i < levelCount(size, h); i++ {
			if err := l.view.Delete(nodeKey(h, i)); err != nil {
				return err
			}
		}
	}
	if err := l.view.SetLen(n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return l.updatePath(n-1, n)
}

// Clear removes every element in O(1).
func (l *ProofList[V]) Clear() error { return l.view.Clear() }

func (l *ProofList[V]) rootNode(n uint64) (common.Hash, error) {
	if n == 0 {
		return common.Hash{}, nil
	}
	return l.node(rootHeight(n), 0)
}

// RootHash returns the Merkle root, which commits to the length as well as
// to the elements in order.
func (l *ProofList[V]) RootHash() (common.Hash, error) {
	n, err := l.Len()
	if err != nil {
		return common.Hash{}, err
	}
	top, err := l.rootNode(n)
	if err != nil {
		return common.Hash{}, err
	}
	return listRoot(n, top), nil
}

type valueKeyCodec struct{}

func (valueKeyCodec) Encode(i uint64) []byte { return valueKey(i) }

func (valueKeyCodec) Decode(b []byte) (uint64, error) {
	if len(b) != 9 || b[0] != valuePrefix {
		return 0, fmt.Errorf("prooflist: bad element key %x", b)
	}
	return binary.BigEndian.Uint64(b[1:]), nil
}

// Iterator walks (position, value) pairs from the start.
func (l *ProofList[V]) Iterator() *index.Iterator[uint64, V] {
	return l.IteratorFrom(0)
}

// IteratorFrom walks (position, value) pairs starting at position from.
func (l *ProofList[V]) IteratorFrom(from uint64) *index.Iterator[uint64, V] {
	return index.NewIterator(l.view.Iterator([]byte{valuePrefix}, valueKey(from)), codec.Codec[uint64](valueKeyCodec{}), l.codec)
}
