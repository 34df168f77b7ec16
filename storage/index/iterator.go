package index

import (
	"ledgercore/storage"
	"ledgercore/storage/codec"
)

// Iterator decodes the entries of a collection in key order.
type Iterator[K, V any] struct {
	raw   *RawIterator
	keys  codec.Codec[K]
	vals  codec.Codec[V]
	key   K
	value V
	err   error
}

// NewIterator decodes raw entries with the given codecs.
func NewIterator[K, V any](raw *RawIterator, keys codec.Codec[K], vals codec.Codec[V]) *Iterator[K, V] {
	return &Iterator[K, V]{raw: raw, keys: keys, vals: vals}
}

func (it *Iterator[K, V]) Next() bool {
	if it.err != nil || !it.raw.Next() {
		return false
	}
	k, err := it.keys.Decode(it.raw.Key())
	if err != nil {
		it.err = storage.Corrupted(it.raw.view.access, "decode key "+it.raw.view.addr.String(), err)
		return false
	}
	v, err := it.vals.Decode(it.raw.Value())
	if err != nil {
		it.err = storage.Corrupted(it.raw.view.access, "decode value "+it.raw.view.addr.String(), err)
		return false
	}
	it.key, it.value = k, v
	return true
}

func (it *Iterator[K, V]) Key() K   { return it.key }
func (it *Iterator[K, V]) Value() V { return it.value }

func (it *Iterator[K, V]) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.raw.Error()
}

func (it *Iterator[K, V]) Release() { it.raw.Release() }

type unitCodec struct{}

func (unitCodec) Encode(struct{}) []byte { return []byte{} }

func (unitCodec) Decode([]byte) (struct{}, error) { return struct{}{}, nil }

func decode[V any](v *View, c codec.Codec[V], raw []byte) (V, error) {
	out, err := c.Decode(raw)
	if err != nil {
		var zero V
		return zero, storage.Corrupted(v.access, "decode "+v.addr.String(), err)
	}
	return out, nil
}
