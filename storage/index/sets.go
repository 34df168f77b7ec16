package index

import (
	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"

	"ledgercore/storage"
	"ledgercore/storage/codec"
)

// KeySet stores keys with no payload.
type KeySet[K any] struct {
	view *View
	keys codec.Codec[K]
}

func NewKeySet[K any](access storage.Snapshot, name string, keys codec.Codec[K]) (*KeySet[K], error) {
	return NewKeySetAt(access, NewAddress(name), keys)
}

func NewKeySetInFamily[K any](access storage.Snapshot, name string, id []byte, keys codec.Codec[K]) (*KeySet[K], error) {
	return NewKeySetAt(access, NewAddress(name).InFamily(id), keys)
}

func NewKeySetAt[K any](access storage.Snapshot, addr Address, keys codec.Codec[K]) (*KeySet[K], error) {
	view, err := NewView(access, addr, TypeKeySet)
	if err != nil {
		return nil, err
	}
	return &KeySet[K]{view: view, keys: keys}, nil
}

func (s *KeySet[K]) Insert(k K) error { return s.view.Put(s.keys.Encode(k), []byte{}) }

func (s *KeySet[K]) Contains(k K) (bool, error) { return s.view.Contains(s.keys.Encode(k)) }

func (s *KeySet[K]) Remove(k K) error { return s.view.Delete(s.keys.Encode(k)) }

func (s *KeySet[K]) Clear() error { return s.view.Clear() }

func (s *KeySet[K]) Iterator() *Iterator[K, struct{}] {
	return NewIterator[K, struct{}](s.view.Iterator(nil, nil), s.keys, unitCodec{})
}

// ValueSet stores values keyed by the blake3 digest of their encoding.
type ValueSet[V any] struct {
	view *View
	vals codec.Codec[V]
}

func NewValueSet[V any](access storage.Snapshot, name string, vals codec.Codec[V]) (*ValueSet[V], error) {
	return NewValueSetAt(access, NewAddress(name), vals)
}

func NewValueSetInFamily[V any](access storage.Snapshot, name string, id []byte, vals codec.Codec[V]) (*ValueSet[V], error) {
	return NewValueSetAt(access, NewAddress(name).InFamily(id), vals)
}

func NewValueSetAt[V any](access storage.Snapshot, addr Address, vals codec.Codec[V]) (*ValueSet[V], error) {
	view, err := NewView(access, addr, TypeValueSet)
	if err != nil {
		return nil, err
	}
	return &ValueSet[V]{view: view, vals: vals}, nil
}

// ValueHash is the key a value is stored under.
func ValueHash(encoded []byte) common.Hash {
	return common.Hash(blake3.Sum256(encoded))
}

// Insert stores v and returns its digest.
func (s *ValueSet[V]) Insert(v V) (common.Hash, error) {
	raw := s.vals.Encode(v)
	h := ValueHash(raw)
	return h, s.view.Put(h.Bytes(), raw)
}

func (s *ValueSet[V]) Contains(v V) (bool, error) {
	return s.ContainsByHash(ValueHash(s.vals.Encode(v)))
}

func (s *ValueSet[V]) ContainsByHash(h common.Hash) (bool, error) {
	return s.view.Contains(h.Bytes())
}

func (s *ValueSet[V]) Remove(v V) error {
	return s.RemoveByHash(ValueHash(s.vals.Encode(v)))
}

func (s *ValueSet[V]) RemoveByHash(h common.Hash) error {
	return s.view.Delete(h.Bytes())
}

func (s *ValueSet[V]) Clear() error { return s.view.Clear() }

// Iterator walks (digest, value) pairs in digest order.
func (s *ValueSet[V]) Iterator() *Iterator[common.Hash, V] {
	return NewIterator(s.view.Iterator(nil, nil), codec.Hash, s.vals)
}
