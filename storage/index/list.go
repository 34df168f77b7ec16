package index

import (
	"fmt"

	"ledgercore/storage"
	"ledgercore/storage/codec"
)

// List is an append-oriented sequence addressed by position.
type List[V any] struct {
	view  *View
	codec codec.Codec[V]
}

// NewList opens the list stored under name.
func NewList[V any](access storage.Snapshot, name string, c codec.Codec[V]) (*List[V], error) {
	return NewListAt(access, NewAddress(name), c)
}

// NewListInFamily opens the family member id of the list family name.
func NewListInFamily[V any](access storage.Snapshot, name string, id []byte, c codec.Codec[V]) (*List[V], error) {
	return NewListAt(access, NewAddress(name).InFamily(id), c)
}

// NewListAt opens the list at addr.
func NewListAt[V any](access storage.Snapshot, addr Address, c codec.Codec[V]) (*List[V], error) {
	view, err := NewView(access, addr, TypeList)
	if err != nil {
		return nil, err
	}
	return &List[V]{view: view, codec: c}, nil
}

func (l *List[V]) Len() (uint64, error) { return l.view.Len() }

func (l *List[V]) IsEmpty() (bool, error) {
	n, err := l.Len()
	return n == 0, err
}

// Get returns the element at i; ok is false past the end.
func (l *List[V]) Get(i uint64) (v V, ok bool, err error) {
	raw, err := l.view.Get(codec.Uint64.Encode(i))
	if err != nil || raw == nil {
		return v, false, err
	}
	v, err = decode(l.view, l.codec, raw)
	return v, err == nil, err
}

// Last returns the final element.
func (l *List[V]) Last() (v V, ok bool, err error) {
	n, err := l.Len()
	if err != nil || n == 0 {
		return v, false, err
	}
	return l.Get(n - 1)
}

func (l *List[V]) Push(v V) error {
	n, err := l.Len()
	if err != nil {
		return err
	}
	if err := l.view.Put(codec.Uint64.Encode(n), l.codec.Encode(v)); err != nil {
		return err
	}
	return l.view.SetLen(n + 1)
}

func (l *List[V]) Extend(vs ...V) error {
	for _, v := range vs {
		if err := l.Push(v); err != nil {
			return err
		}
	}
	return nil
}

// Pop removes and returns the last element.
func (l *List[V]) Pop() (v V, ok bool, err error) {
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

// Set overwrites position i, which must be below Len.
func (l *List[V]) Set(i uint64, v V) error {
	n, err := l.Len()
	if err != nil {
		return err
	}
	if i >= n {
		return fmt.Errorf("%w: set %d on %s with length %d", ErrIndexOutOfBounds, i, l.view.addr, n)
	}
	return l.view.Put(codec.Uint64.Encode(i), l.codec.Encode(v))
}

// Truncate shortens the list to n elements; it is a no-op when n >= Len.
func (l *List[V]) Truncate(n uint64) error {
	size, err := l.Len()
	if err != nil {
		return err
	}
	if n >= size {
		return nil
	}
	for i := n; i < size; i++ {
		if err := l.view.Delete(codec.Uint64.Encode(i)); err != nil {
			return err
		}
	}
	return l.view.SetLen(n)
}

func (l *List[V]) Clear() error { return l.view.Clear() }

// Iterator walks (position, value) pairs from the start.
func (l *List[V]) Iterator() *Iterator[uint64, V] {
	return l.IteratorFrom(0)
}

// IteratorFrom walks (position, value) pairs starting at position from.
func (l *List[V]) IteratorFrom(from uint64) *Iterator[uint64, V] {
	return NewIterator(l.view.Iterator(nil, codec.Uint64.Encode(from)), codec.Uint64, l.codec)
}
