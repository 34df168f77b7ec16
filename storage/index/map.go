package index

import (
	"ledgercore/storage"
	"ledgercore/storage/codec"
)

// Map is a key-value collection iterated in encoded key order.
type Map[K, V any] struct {
	view *View
	keys codec.Codec[K]
	vals codec.Codec[V]
}

func NewMap[K, V any](access storage.Snapshot, name string, keys codec.Codec[K], vals codec.Codec[V]) (*Map[K, V], error) {
	return NewMapAt(access, NewAddress(name), keys, vals)
}

func NewMapInFamily[K, V any](access storage.Snapshot, name string, id []byte, keys codec.Codec[K], vals codec.Codec[V]) (*Map[K, V], error) {
	return NewMapAt(access, NewAddress(name).InFamily(id), keys, vals)
}

func NewMapAt[K, V any](access storage.Snapshot, addr Address, keys codec.Codec[K], vals codec.Codec[V]) (*Map[K, V], error) {
	view, err := NewView(access, addr, TypeMap)
	if err != nil {
		return nil, err
	}
	return &Map[K, V]{view: view, keys: keys, vals: vals}, nil
}

func (m *Map[K, V]) Get(k K) (v V, ok bool, err error) {
	raw, err := m.view.Get(m.keys.Encode(k))
	if err != nil || raw == nil {
		return v, false, err
	}
	v, err = decode(m.view, m.vals, raw)
	return v, err == nil, err
}

func (m *Map[K, V]) Contains(k K) (bool, error) {
	return m.view.Contains(m.keys.Encode(k))
}

func (m *Map[K, V]) Put(k K, v V) error {
	return m.view.Put(m.keys.Encode(k), m.vals.Encode(v))
}

func (m *Map[K, V]) Remove(k K) error {
	return m.view.Delete(m.keys.Encode(k))
}

func (m *Map[K, V]) Clear() error { return m.view.Clear() }

func (m *Map[K, V]) Iterator() *Iterator[K, V] {
	return NewIterator(m.view.Iterator(nil, nil), m.keys, m.vals)
}

// IteratorFrom starts at the first key whose encoding is >= from's.
func (m *Map[K, V]) IteratorFrom(from K) *Iterator[K, V] {
	return NewIterator(m.view.Iterator(nil, m.keys.Encode(from)), m.keys, m.vals)
}
