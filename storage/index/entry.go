package index

import (
	"ledgercore/storage"
	"ledgercore/storage/codec"
)

// Entry holds at most one value.
type Entry[V any] struct {
	view  *View
	codec codec.Codec[V]
}

func NewEntry[V any](access storage.Snapshot, name string, c codec.Codec[V]) (*Entry[V], error) {
	return NewEntryAt(access, NewAddress(name), c)
}

func NewEntryInFamily[V any](access storage.Snapshot, name string, id []byte, c codec.Codec[V]) (*Entry[V], error) {
	return NewEntryAt(access, NewAddress(name).InFamily(id), c)
}

func NewEntryAt[V any](access storage.Snapshot, addr Address, c codec.Codec[V]) (*Entry[V], error) {
	view, err := NewView(access, addr, TypeEntry)
	if err != nil {
		return nil, err
	}
	return &Entry[V]{view: view, codec: c}, nil
}

var entryKey = []byte{}

func (e *Entry[V]) Get() (v V, ok bool, err error) {
	raw, err := e.view.Get(entryKey)
	if err != nil || raw == nil {
		return v, false, err
	}
	v, err = decode(e.view, e.codec, raw)
	return v, err == nil, err
}

func (e *Entry[V]) Exists() (bool, error) { return e.view.Contains(entryKey) }

func (e *Entry[V]) Set(v V) error { return e.view.Put(entryKey, e.codec.Encode(v)) }

func (e *Entry[V]) Remove() error { return e.view.Delete(entryKey) }

// Take returns the value and removes it.
func (e *Entry[V]) Take() (v V, ok bool, err error) {
	v, ok, err = e.Get()
	if err != nil || !ok {
		return v, ok, err
	}
	return v, true, e.Remove()
}
