package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/comparer"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Buffered values carry a one byte tag so that a delete can shadow a
// snapshot value without removing the key from the buffer.
const (
	tagDeleted byte = 0x00
	tagPut     byte = 0x01
)

// Savepoint identifies a nested checkpoint on a fork.
type Savepoint int

type undo struct {
	key  []byte
	prev []byte // tagged buffer value before the write, nil if absent
}

// Fork is a mutable overlay of buffered writes over a snapshot. It implements
// Snapshot, so every read helper works on both. A fork is owned by a single
// goroutine.
type Fork struct {
	snap     Snapshot
	buf      *memdb.DB
	log      []undo
	marks    []int
	err      error
	consumed bool
}

func newFork(snap Snapshot) *Fork {
	return &Fork{
		snap: snap,
		buf:  memdb.New(comparer.DefaultComparer, 0),
	}
}

// Err returns the first storage fault observed through this fork.
func (f *Fork) Err() error {
	return f.err
}

func (f *Fork) fail(err error) {
	if f.err == nil && err != nil {
		f.err = err
	}
}

// Fail records err if it is a storage fault, so that it survives callers
// that handle the error themselves.
func (f *Fork) Fail(err error) {
	_ = f.observe(err)
}

func (f *Fork) observe(err error) error {
	if IsFatal(err) {
		f.fail(err)
	}
	return err
}

func (f *Fork) buffered(key []byte) ([]byte, bool) {
	v, err := f.buf.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Get returns the value visible through the fork.
func (f *Fork) Get(key []byte) ([]byte, error) {
	if f.consumed {
		return nil, ErrForkConsumed
	}
	if v, ok := f.buffered(key); ok {
		if v[0] == tagDeleted {
			return nil, nil
		}
		return present(v[1:]), nil
	}
	v, err := f.snap.Get(key)
	if err != nil {
		return nil, f.observe(err)
	}
	return v, nil
}

// Contains reports whether key is visible through the fork.
func (f *Fork) Contains(key []byte) (bool, error) {
	v, err := f.Get(key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Put buffers a write.
func (f *Fork) Put(key, value []byte) error {
	return f.write(key, append([]byte{tagPut}, value...))
}

// Delete buffers a removal.
func (f *Fork) Delete(key []byte) error {
	return f.write(key, []byte{tagDeleted})
}

func (f *Fork) write(key, tagged []byte) error {
	if f.consumed {
		return ErrForkConsumed
	}
	if len(f.marks) > 0 {
		prev, _ := f.buffered(key)
		f.log = append(f.log, undo{key: copyBytes(key), prev: copyBytes(prev)})
	}
	if err := f.buf.Put(key, tagged); err != nil {
		return f.observe(NewError(KindIO, "fork put", err))
	}
	return nil
}

// Checkpoint opens a nested savepoint. Changes made after it can be undone
// with Rollback or kept with Commit.
func (f *Fork) Checkpoint() Savepoint {
	f.marks = append(f.marks, len(f.log))
	return Savepoint(len(f.marks) - 1)
}

// Commit keeps the changes made since sp and closes it together with every
// savepoint opened after it.
func (f *Fork) Commit(sp Savepoint) {
	f.checkSavepoint(sp)
	f.marks = f.marks[:sp]
	if len(f.marks) == 0 {
		f.log = f.log[:0]
	}
}

// Rollback undoes every change made since sp and closes it together with
// every savepoint opened after it.
func (f *Fork) Rollback(sp Savepoint) {
	f.checkSavepoint(sp)
	mark := f.marks[sp]
	for i := len(f.log) - 1; i >= mark; i-- {
		u := f.log[i]
		if u.prev == nil {
			_ = f.buf.Delete(u.key)
		} else {
			_ = f.buf.Put(u.key, u.prev)
		}
	}
	f.log = f.log[:mark]
	f.marks = f.marks[:sp]
}

func (f *Fork) checkSavepoint(sp Savepoint) {
	if int(sp) < 0 || int(sp) >= len(f.marks) {
		panic(fmt.Sprintf("storage: savepoint %d is not open (depth %d)", sp, len(f.marks)))
	}
}

// Iterator merges the buffered writes with the underlying snapshot.
func (f *Fork) Iterator(prefix, from []byte) Iterator {
	if f.consumed {
		return &errIterator{err: ErrForkConsumed}
	}
	return &mergedIterator{
		fork: f,
		buf:  f.buf.NewIterator(scanRange(prefix, from)),
		base: f.snap.Iterator(prefix, from),
	}
}

// IntoPatch consumes the fork and returns its buffered writes. A fork that
// observed a storage fault refuses to produce a patch.
func (f *Fork) IntoPatch() (*Patch, error) {
	if f.consumed {
		return nil, ErrForkConsumed
	}
	defer f.Discard()
	if f.err != nil {
		return nil, f.err
	}
	changes := make([]Change, 0, f.buf.Len())
	it := f.buf.NewIterator(nil)
	defer it.Release()
	for it.Next() {
		v := it.Value()
		c := Change{Key: copyBytes(it.Key())}
		if v[0] == tagDeleted {
			c.Deleted = true
		} else {
			c.Value = present(v[1:])
		}
		changes = append(changes, c)
	}
	if err := it.Error(); err != nil {
		return nil, NewError(KindIO, "fork into patch", err)
	}
	return &Patch{changes: changes}, nil
}

// Discard drops the buffered writes and releases the snapshot.
func (f *Fork) Discard() {
	if f.consumed {
		return
	}
	f.consumed = true
	f.snap.Release()
	f.buf.Reset()
	f.log = nil
	f.marks = nil
}

// Release is Discard, so a fork can be used wherever a Snapshot is expected.
func (f *Fork) Release() {
	f.Discard()
}

func scanRange(prefix, from []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	if from != nil && (r.Start == nil || comparer.DefaultComparer.Compare(from, r.Start) > 0) {
		r.Start = from
	}
	return r
}

func isNotFound(err error) bool {
	return errors.Is(err, lerrors.ErrNotFound)
}
