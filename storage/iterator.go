package storage

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb/iterator"
)

// mergedIterator walks the fork buffer and the snapshot side by side. On equal
// keys the buffer wins; tombstones hide the snapshot entry.
type mergedIterator struct {
	fork *Fork
	buf  iterator.Iterator
	base Iterator

	started       bool
	bufOK, baseOK bool
	key, value    []byte
	err           error
	released      bool
}

func (it *mergedIterator) Next() bool {
	if it.released || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.bufOK = it.buf.Next()
		it.baseOK = it.base.Next()
	}
	for {
		if err := it.checkErr(); err != nil {
			return false
		}
		if !it.bufOK && !it.baseOK {
			it.key, it.value = nil, nil
			return false
		}
		fromBuf := false
		switch {
		case !it.baseOK:
			fromBuf = true
		case !it.bufOK:
		default:
			c := bytes.Compare(it.buf.Key(), it.base.Key())
			if c == 0 {
				it.baseOK = it.base.Next()
			}
			fromBuf = c <= 0
		}
		if !fromBuf {
			it.key = copyBytes(it.base.Key())
			it.value = present(it.base.Value())
			it.baseOK = it.base.Next()
			return true
		}
		v := it.buf.Value()
		deleted := v[0] == tagDeleted
		if !deleted {
			it.key = copyBytes(it.buf.Key())
			it.value = present(v[1:])
		}
		it.bufOK = it.buf.Next()
		if !deleted {
			return true
		}
	}
}

func (it *mergedIterator) checkErr() error {
	if it.err != nil {
		return it.err
	}
	if err := it.base.Error(); err != nil {
		it.err = it.fork.observe(err)
	} else if err := it.buf.Error(); err != nil {
		it.err = it.fork.observe(NewError(KindIO, "fork iterate", err))
	}
	return it.err
}

func (it *mergedIterator) Key() []byte   { return it.key }
func (it *mergedIterator) Value() []byte { return it.value }

func (it *mergedIterator) Error() error {
	return it.checkErr()
}

func (it *mergedIterator) Release() {
	if it.released {
		return
	}
	it.released = true
	it.buf.Release()
	it.base.Release()
}

type errIterator struct {
	err error
}

func (it *errIterator) Next() bool    { return false }
func (it *errIterator) Key() []byte   { return nil }
func (it *errIterator) Value() []byte { return nil }
func (it *errIterator) Error() error  { return it.err }
func (it *errIterator) Release()      {}
