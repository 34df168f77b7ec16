// Package trie implements ProofMap, a Merkelized map over 256-bit keys.
//
// The map is a compressed binary Patricia (crit-bit) trie: every branch has
// exactly two children and sits at the longest common prefix of the keys
// below it. That shape depends only on the key set, so the root hash is a
// pure function of the content and not of the order of operations.
//
// Storage layout inside the index namespace:
//
//	0x00               root ref (path | hash), absent when the map is empty
//	0x01 | path        branch node (left ref | right ref)
//	0x02 | key         leaf value
package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/index"
	"ledgercore/storage/merkle"
)

const (
	rootPrefix   byte = 0x00
	branchPrefix byte = 0x01
	leafPrefix   byte = 0x02
)

// HashedKey derives a map key from arbitrary bytes.
func HashedKey(b []byte) common.Hash {
	return crypto.Keccak256Hash(b)
}

// ProofMap is a map with inclusion and exclusion proofs.
type ProofMap[V any] struct {
	view  *index.View
	codec codec.Codec[V]
}

// New opens the proof map stored under name.
func New[V any](access storage.Snapshot, name string, c codec.Codec[V]) (*ProofMap[V], error) {
	return NewAt(access, index.NewAddress(name), c)
}

// NewInFamily opens the family member id of the proof map family name.
func NewInFamily[V any](access storage.Snapshot, name string, id []byte, c codec.Codec[V]) (*ProofMap[V], error) {
	return NewAt(access, index.NewAddress(name).InFamily(id), c)
}

// NewAt opens the proof map at addr.
func NewAt[V any](access storage.Snapshot, addr index.Address, c codec.Codec[V]) (*ProofMap[V], error) {
	view, err := index.NewView(access, addr, index.TypeProofMap)
	if err != nil {
		return nil, err
	}
	return &ProofMap[V]{view: view, codec: c}, nil
}

func leafKey(key common.Hash) []byte {
	return append([]byte{leafPrefix}, key[:]...)
}

func branchKey(p Path) []byte {
	return append([]byte{branchPrefix}, p.Encode()...)
}

func (m *ProofMap[V]) corrupted(op string, err error) error {
	return storage.Corrupted(m.view.Access(), "proof map "+m.view.Address().String()+": "+op, err)
}

func (m *ProofMap[V]) root() (*ref, error) {
	raw, err := m.view.Get([]byte{rootPrefix})
	if err != nil || raw == nil {
		return nil, err
	}
	r, err := decodeRef(raw)
	if err != nil {
		return nil, m.corrupted("root", err)
	}
	return &r, nil
}

func (m *ProofMap[V]) setRoot(r *ref) error {
	if r == nil {
		return m.view.Delete([]byte{rootPrefix})
	}
	return m.view.Put([]byte{rootPrefix}, r.encode())
}

func (m *ProofMap[V]) loadBranch(p Path) (branch, error) {
	raw, err := m.view.Get(branchKey(p))
	if err != nil {
		return branch{}, err
	}
	if raw == nil {
		return branch{}, m.corrupted("branch", errMissingBranch(p))
	}
	b, err := decodeBranch(raw)
	if err != nil {
		return branch{}, m.corrupted("branch", err)
	}
	return b, nil
}

func (m *ProofMap[V]) storeBranch(p Path, b branch) (ref, error) {
	if err := m.view.Put(branchKey(p), b.encode()); err != nil {
		return ref{}, err
	}
	return ref{path: p, hash: b.hash()}, nil
}

// RootHash returns the Merkle root of the map.
func (m *ProofMap[V]) RootHash() (common.Hash, error) {
	r, err := m.root()
	if err != nil {
		return common.Hash{}, err
	}
	return rootHash(r), nil
}

// Get returns the value stored for key.
func (m *ProofMap[V]) Get(key common.Hash) (v V, ok bool, err error) {
	raw, err := m.view.Get(leafKey(key))
	if err != nil || raw == nil {
		return v, false, err
	}
	v, err = m.codec.Decode(raw)
	if err != nil {
		return v, false, m.corrupted("value", err)
	}
	return v, true, nil
}

// Contains reports whether key is present.
func (m *ProofMap[V]) Contains(key common.Hash) (bool, error) {
	return m.view.Contains(leafKey(key))
}

// Put inserts or replaces the value for key and updates the hashes on its path.
func (m *ProofMap[V]) Put(key common.Hash, v V) error {
	raw := m.codec.Encode(v)
	if err := m.view.Put(leafKey(key), raw); err != nil {
		return err
	}
	leaf := ref{path: LeafPath(key), hash: merkle.LeafHash(raw)}
	root, err := m.root()
	if err != nil {
		return err
	}
	if root == nil {
		return m.setRoot(&leaf)
	}
	next, err := m.insert(*root, leaf)
	if err != nil {
		return err
	}
	return m.setRoot(&next)
}

func (m *ProofMap[V]) insert(cur, leaf ref) (ref, error) {
	cp := cur.path.CommonPrefix(leaf.path)
	if cp == keyBits {
		return leaf, nil
	}
	if cp < cur.path.Len() {
		// leaf diverges above cur: split here
		return m.storeBranch(leaf.path.Prefix(cp), newBranch(cur, leaf, cp))
	}
	b, err := m.loadBranch(cur.path)
	if err != nil {
		return ref{}, err
	}
	bit := leaf.path.Bit(cur.path.Len())
	child, err := m.insert(b.children[bit], leaf)
	if err != nil {
		return ref{}, err
	}
	b.children[bit] = child
	return m.storeBranch(cur.path, b)
}

// Remove deletes key; it is a no-op when the key is absent.
func (m *ProofMap[V]) Remove(key common.Hash) error {
	ok, err := m.Contains(key)
	if err != nil || !ok {
		return err
	}
	if err := m.view.Delete(leafKey(key)); err != nil {
		return err
	}
	root, err := m.root()
	if err != nil {
		return err
	}
	if root == nil {
		return m.corrupted("remove", errMissingBranch(LeafPath(key)))
	}
	next, err := m.remove(*root, LeafPath(key))
	if err != nil {
		return err
	}
	return m.setRoot(next)
}

// remove returns the replacement for cur, nil when the subtree became empty.
func (m *ProofMap[V]) remove(cur ref, key Path) (*ref, error) {
	if cur.path.IsLeaf() {
		if cur.path.Compare(key) != 0 {
			return nil, m.corrupted("remove", errMissingBranch(key))
		}
		return nil, nil
	}
	if !cur.path.IsPrefixOf(key) {
		return nil, m.corrupted("remove", errMissingBranch(key))
	}
	b, err := m.loadBranch(cur.path)
	if err != nil {
		return nil, err
	}
	bit := key.Bit(cur.path.Len())
	child, err := m.remove(b.children[bit], key)
	if err != nil {
		return nil, err
	}
	if child == nil {
		// collapse into the surviving sibling
		if err := m.view.Delete(branchKey(cur.path)); err != nil {
			return nil, err
		}
		sibling := b.children[1-bit]
		return &sibling, nil
	}
	b.children[bit] = *child
	next, err := m.storeBranch(cur.path, b)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Clear removes every entry in O(1).
func (m *ProofMap[V]) Clear() error {
	return m.view.Clear()
}

type leafKeyCodec struct{}

func (leafKeyCodec) Encode(k common.Hash) []byte { return leafKey(k) }

func (leafKeyCodec) Decode(b []byte) (common.Hash, error) {
	if len(b) != 1+common.HashLength || b[0] != leafPrefix {
		return common.Hash{}, errBadPath
	}
	return common.BytesToHash(b[1:]), nil
}

// Iterator walks entries in key order.
func (m *ProofMap[V]) Iterator() *index.Iterator[common.Hash, V] {
	return index.NewIterator(m.view.Iterator([]byte{leafPrefix}, nil), codec.Codec[common.Hash](leafKeyCodec{}), m.codec)
}

// IteratorFrom walks entries with keys >= from.
func (m *ProofMap[V]) IteratorFrom(from common.Hash) *index.Iterator[common.Hash, V] {
	return index.NewIterator(m.view.Iterator([]byte{leafPrefix}, leafKey(from)), codec.Codec[common.Hash](leafKeyCodec{}), m.codec)
}

// Keys collects every key in order.
func (m *ProofMap[V]) Keys() ([]common.Hash, error) {
	it := m.Iterator()
	defer it.Release()
	var keys []common.Hash
	for it.Next() {
		keys = append(keys, it.Key())
	}
	return keys, it.Error()
}
