// Package index implements named, typed collections on top of a storage
// Snapshot or Fork.
//
// Every index lives at an Address (a name plus an optional family id) and
// owns two key ranges:
//
//	metadata: 0x00 | uvarint(len(name)) | name | uvarint(len(family)) | family
//	data:     0x01 | uvarint(len(name)) | name | uvarint(len(family)) | family | generation(8 BE) | key
//
// The length-prefixed namespace is prefix free, so two addresses never share
// a key. Clear bumps the generation instead of deleting data, which makes it
// O(1) regardless of index size; entries of older generations are never read
// again.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"ledgercore/storage"
)

var (
	// ErrIndexTypeMismatch is returned when an address already holds an index of another type.
	ErrIndexTypeMismatch = errors.New("index: address holds an index of another type")
	// ErrReadOnly is returned when mutating an index opened over a Snapshot.
	ErrReadOnly = errors.New("index: read-only access")
	// ErrIndexOutOfBounds is returned for positional access past the end of a list.
	ErrIndexOutOfBounds = errors.New("index: position out of bounds")
	// ErrIteratorInvalidated ends an iterator whose index was cleared underneath it.
	ErrIteratorInvalidated = errors.New("index: iterator invalidated by clear")
	// ErrInvalidName is returned for empty names or names outside [A-Za-z0-9_.-].
	ErrInvalidName = errors.New("index: invalid name")
)

const (
	metaPrefix byte = 0x00
	dataPrefix byte = 0x01
)

// Type tags the kind of collection stored at an address.
type Type uint8

const (
	TypeEntry Type = iota + 1
	TypeList
	TypeMap
	TypeKeySet
	TypeValueSet
	TypeProofMap
	TypeProofList
)

func (t Type) String() string {
	switch t {
	case TypeEntry:
		return "entry"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	case TypeKeySet:
		return "key_set"
	case TypeValueSet:
		return "value_set"
	case TypeProofMap:
		return "proof_map"
	case TypeProofList:
		return "proof_list"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Address names an index.
type Address struct {
	Name   string
	Family []byte
}

// NewAddress returns a top-level address.
func NewAddress(name string) Address {
	return Address{Name: name}
}

// InFamily returns the member of the index family identified by id.
func (a Address) InFamily(id []byte) Address {
	fam := make([]byte, len(id))
	copy(fam, id)
	return Address{Name: a.Name, Family: fam}
}

func (a Address) String() string {
	if a.Family == nil {
		return a.Name
	}
	return fmt.Sprintf("%s[%x]", a.Name, a.Family)
}

// Validate checks the name alphabet.
func (a Address) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	for _, r := range a.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, a.Name)
		}
	}
	return nil
}

func (a Address) namespace() []byte {
	ns := binary.AppendUvarint(nil, uint64(len(a.Name)))
	ns = append(ns, a.Name...)
	ns = binary.AppendUvarint(ns, uint64(len(a.Family)))
	return append(ns, a.Family...)
}

type metadata struct {
	Type       uint8
	Generation uint64
	Length     uint64
}

// View is the untyped state shared by every collection: it resolves keys
// inside the address namespace and tracks metadata. The proof indexes build
// on it directly.
type View struct {
	access storage.Snapshot
	fork   *storage.Fork
	addr   Address
	typ    Type
	ns     []byte
}

// NewView opens the address for an index of type typ.
func NewView(access storage.Snapshot, addr Address, typ Type) (*View, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	v := &View{access: access, addr: addr, typ: typ, ns: addr.namespace()}
	if fork, ok := access.(*storage.Fork); ok {
		v.fork = fork
	}
	meta, exists, err := v.meta()
	if err != nil {
		return nil, err
	}
	if exists && Type(meta.Type) != typ {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrIndexTypeMismatch, addr, Type(meta.Type), typ)
	}
	return v, nil
}

// Address reports where the view lives.
func (v *View) Address() Address { return v.addr }

// Access returns the underlying snapshot or fork.
func (v *View) Access() storage.Snapshot { return v.access }

// Writable reports whether the view was opened over a fork.
func (v *View) Writable() bool { return v.fork != nil }

func (v *View) metaKey() []byte {
	return append([]byte{metaPrefix}, v.ns...)
}

func (v *View) meta() (metadata, bool, error) {
	raw, err := v.access.Get(v.metaKey())
	if err != nil {
		return metadata{}, false, err
	}
	if raw == nil {
		return metadata{Type: uint8(v.typ)}, false, nil
	}
	var m metadata
	if err := rlp.DecodeBytes(raw, &m); err != nil {
		return metadata{}, false, storage.Corrupted(v.access, "index metadata "+v.addr.String(), err)
	}
	return m, true, nil
}

func (v *View) putMeta(m metadata) error {
	m.Type = uint8(v.typ)
	raw, err := rlp.EncodeToBytes(&m)
	if err != nil {
		return err
	}
	return v.fork.Put(v.metaKey(), raw)
}

func (v *View) writable() error {
	if v.fork == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, v.addr)
	}
	return nil
}

func (v *View) prefix(gen uint64) []byte {
	p := make([]byte, 0, 1+len(v.ns)+8)
	p = append(p, dataPrefix)
	p = append(p, v.ns...)
	return binary.BigEndian.AppendUint64(p, gen)
}

func (v *View) dataKey(gen uint64, key []byte) []byte {
	return append(v.prefix(gen), key...)
}

// Get reads a raw value, nil if absent.
func (v *View) Get(key []byte) ([]byte, error) {
	m, _, err := v.meta()
	if err != nil {
		return nil, err
	}
	return v.access.Get(v.dataKey(m.Generation, key))
}

// Contains reports whether key is present.
func (v *View) Contains(key []byte) (bool, error) {
	raw, err := v.Get(key)
	return raw != nil, err
}

// Put writes a raw value.
func (v *View) Put(key, value []byte) error {
	if err := v.writable(); err != nil {
		return err
	}
	m, exists, err := v.meta()
	if err != nil {
		return err
	}
	if !exists {
		if err := v.putMeta(m); err != nil {
			return err
		}
	}
	return v.fork.Put(v.dataKey(m.Generation, key), value)
}

// Delete removes a raw value.
func (v *View) Delete(key []byte) error {
	if err := v.writable(); err != nil {
		return err
	}
	m, _, err := v.meta()
	if err != nil {
		return err
	}
	return v.fork.Delete(v.dataKey(m.Generation, key))
}

// Len returns the length counter kept in metadata.
func (v *View) Len() (uint64, error) {
	m, _, err := v.meta()
	return m.Length, err
}

// SetLen stores the length counter.
func (v *View) SetLen(n uint64) error {
	if err := v.writable(); err != nil {
		return err
	}
	m, _, err := v.meta()
	if err != nil {
		return err
	}
	m.Length = n
	return v.putMeta(m)
}

// Clear drops every entry by moving to a fresh generation.
func (v *View) Clear() error {
	if err := v.writable(); err != nil {
		return err
	}
	m, _, err := v.meta()
	if err != nil {
		return err
	}
	m.Generation++
	m.Length = 0
	return v.putMeta(m)
}

// Iterator walks raw entries whose key starts with sub, beginning at the
// first key >= from. Keys are reported relative to the index namespace.
func (v *View) Iterator(sub, from []byte) *RawIterator {
	m, _, err := v.meta()
	if err != nil {
		return &RawIterator{err: err}
	}
	base := v.prefix(m.Generation)
	var start []byte
	if from != nil {
		start = append(append([]byte{}, base...), from...)
	}
	return &RawIterator{
		view: v,
		gen:  m.Generation,
		skip: len(base),
		it:   v.access.Iterator(append(base, sub...), start),
	}
}

// RawIterator yields raw entries of one generation. A Clear on the same
// access ends it with ErrIteratorInvalidated.
type RawIterator struct {
	view       *View
	it         storage.Iterator
	gen        uint64
	skip       int
	key, value []byte
	err        error
}

func (r *RawIterator) Next() bool {
	if r.err != nil || r.it == nil {
		return false
	}
	m, _, err := r.view.meta()
	if err != nil {
		r.err = err
		return false
	}
	if m.Generation != r.gen {
		r.err = ErrIteratorInvalidated
		return false
	}
	if !r.it.Next() {
		r.err = r.it.Error()
		return false
	}
	r.key = append(r.key[:0], r.it.Key()[r.skip:]...)
	r.value = append(r.value[:0], r.it.Value()...)
	return true
}

// Key returns the current key relative to the index namespace. It is reused
// by the next call to Next.
func (r *RawIterator) Key() []byte { return r.key }

// Value returns the current value. It is reused by the next call to Next.
func (r *RawIterator) Value() []byte { return r.value }

func (r *RawIterator) Error() error { return r.err }

func (r *RawIterator) Release() {
	if r.it != nil {
		r.it.Release()
		r.it = nil
	}
}
