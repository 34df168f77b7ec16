package storage

import (
	"bytes"
	"sort"
)

// Database is the durable key-value substrate. Reads go through immutable
// snapshots, writes are buffered in forks and applied atomically with Merge.
//
// Merge is the only mutation boundary and is not arbitrated by the store:
// callers keep at most one create/merge cycle in flight per database.
type Database interface {
	// Snapshot returns a point-in-time read view. Release it when done.
	Snapshot() (Snapshot, error)
	// Fork opens an isolated write overlay on top of the latest snapshot.
	Fork() (*Fork, error)
	// Merge atomically applies the patch. Any returned error is a *Error.
	Merge(patch *Patch) error
	// Close shuts down the backend.
	Close() error
}

// Snapshot is an immutable read view. Get returns (nil, nil) for missing keys
// and a non-nil slice for present ones, even when the stored value is empty.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	Contains(key []byte) (bool, error)
	// Iterator walks keys sharing prefix in ascending order, starting at the
	// first key >= from (from may be nil).
	Iterator(prefix, from []byte) Iterator
	Release()
}

// Iterator is a forward cursor in the style of the goleveldb iterators.
// Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Change is a single buffered write.
type Change struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// Patch is the immutable, key-ordered diff produced by a fork.
type Patch struct {
	changes []Change
}

// NewPatch builds a patch from changes, which must be sorted by key without
// duplicates. It is exported for tools replaying stored diffs.
func NewPatch(changes []Change) *Patch {
	cp := make([]Change, len(changes))
	copy(cp, changes)
	sort.SliceStable(cp, func(i, j int) bool { return bytes.Compare(cp[i].Key, cp[j].Key) < 0 })
	return &Patch{changes: cp}
}

// Len reports the number of changes in the patch.
func (p *Patch) Len() int {
	if p == nil {
		return 0
	}
	return len(p.changes)
}

// Changes returns the changes in key order. The slice must not be modified.
func (p *Patch) Changes() []Change {
	if p == nil {
		return nil
	}
	return p.changes
}

// Get looks up the change recorded for key.
func (p *Patch) Get(key []byte) (Change, bool) {
	if p == nil {
		return Change{}, false
	}
	i := sort.Search(len(p.changes), func(i int) bool {
		return bytes.Compare(p.changes[i].Key, key) >= 0
	})
	if i < len(p.changes) && bytes.Equal(p.changes[i].Key, key) {
		return p.changes[i], true
	}
	return Change{}, false
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// present returns a non-nil copy of b, so that an empty stored value stays
// distinguishable from a missing key.
func present(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
