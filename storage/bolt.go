package storage

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("ledger")

// boltBatch bounds how many entries an iterator reads per read transaction.
const boltBatch = 256

var errSnapshotReleased = errors.New("snapshot released")

// BoltDB is a Database backed by a single bbolt bucket. Values are stored
// with a one byte marker so that empty values survive the round trip.
//
// Snapshots never hold a bbolt read transaction between calls, so they cannot
// stall a merge that remaps the file. Instead Merge copies the previous value
// of every key it touches into each open snapshot before committing.
type BoltDB struct {
	db *bolt.DB

	// mu serializes merges against snapshot registration.
	mu    sync.Mutex
	snaps map[*boltSnapshot]struct{}
}

// BoltOptions tune the bbolt backend.
type BoltOptions struct {
	// InitialMmapSize preallocates the mapping to avoid early remaps.
	InitialMmapSize int
	Timeout         time.Duration
	// NoSync skips fsync on merge. Only for tests.
	NoSync bool
}

// NewBoltDB initialises (and migrates) the bbolt-backed store.
func NewBoltDB(path string, opts *BoltOptions) (*BoltDB, error) {
	if opts == nil {
		opts = &BoltOptions{}
	}
	options := &bolt.Options{Timeout: opts.Timeout, InitialMmapSize: opts.InitialMmapSize, NoSync: opts.NoSync}
	if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, boltError("open "+path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, boltError("create bucket", err)
	}
	return &BoltDB{db: db, snaps: make(map[*boltSnapshot]struct{})}, nil
}

// Snapshot pins the current state. Its memory grows with the keys merged
// while it is open, so long-lived snapshots should be released promptly.
func (b *BoltDB) Snapshot() (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &boltSnapshot{owner: b, prior: memdb.New(comparer.DefaultComparer, 0)}
	b.snaps[s] = struct{}{}
	return s, nil
}

// Fork opens a write overlay over a fresh snapshot.
func (b *BoltDB) Fork() (*Fork, error) {
	snap, err := b.Snapshot()
	if err != nil {
		return nil, err
	}
	return newFork(snap), nil
}

// Merge applies the patch inside one read-write transaction.
func (b *BoltDB) Merge(patch *Patch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, c := range patch.Changes() {
			if len(b.snaps) > 0 {
				b.preserve(c.Key, bucket.Get(c.Key))
			}
			if c.Deleted {
				if err := bucket.Delete(c.Key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(c.Key, append([]byte{tagPut}, c.Value...)); err != nil {
				return err
			}
		}
		return nil
	})
	return boltError("merge", err)
}

// preserve records stored, the raw value of key before the merge, in every
// open snapshot that has not seen the key change yet.
func (b *BoltDB) preserve(key, stored []byte) {
	prev := []byte{tagDeleted}
	if stored != nil {
		prev = stored
	}
	for s := range b.snaps {
		if ok := s.prior.Contains(key); ok {
			continue
		}
		_ = s.prior.Put(key, prev)
	}
}

// Close releases the underlying Bolt database handle.
func (b *BoltDB) Close() error {
	return boltError("close", b.db.Close())
}

func boltError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTxClosed) {
		return NewError(KindClosed, op, err)
	}
	if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
		return NewError(KindCorruption, op, err)
	}
	return NewError(KindIO, op, err)
}

// boltSnapshot reads the live bucket and corrects it with prior, which holds
// the values as of the snapshot for every key merged since.
type boltSnapshot struct {
	owner    *BoltDB
	prior    *memdb.DB
	released atomic.Bool
}

func (s *boltSnapshot) Get(key []byte) ([]byte, error) {
	if s.released.Load() {
		return nil, NewError(KindClosed, "get", errSnapshotReleased)
	}
	var raw []byte
	err := s.owner.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get(key); v != nil {
			raw = copyBytes(v)
		}
		return nil
	})
	if err != nil {
		return nil, boltError("get", err)
	}
	if raw != nil && (len(raw) == 0 || raw[0] != tagPut) {
		return nil, NewError(KindCorruption, "get", errors.New("missing value marker"))
	}
	// prior is consulted after the bucket: Merge fills it before committing.
	if prev, err := s.prior.Get(key); err == nil {
		raw = prev
	}
	if raw == nil || raw[0] != tagPut {
		return nil, nil
	}
	return present(raw[1:]), nil
}

func (s *boltSnapshot) Contains(key []byte) (bool, error) {
	v, err := s.Get(key)
	return v != nil, err
}

func (s *boltSnapshot) Iterator(prefix, from []byte) Iterator {
	if s.released.Load() {
		return &errIterator{err: NewError(KindClosed, "iterate", errSnapshotReleased)}
	}
	start := prefix
	if from != nil && bytes.Compare(from, start) > 0 {
		start = from
	}
	return &boltIterator{snap: s, prefix: prefix, start: copyBytes(start)}
}

func (s *boltSnapshot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.owner.mu.Lock()
	delete(s.owner.snaps, s)
	s.owner.mu.Unlock()
	s.prior.Reset()
}

type boltEntry struct {
	key, raw []byte
}

// boltIterator reads the bucket in batches, each in its own short read
// transaction, and overlays the snapshot's prior values for the same range.
type boltIterator struct {
	snap      *boltSnapshot
	prefix    []byte
	start     []byte
	exhausted bool
	done      bool

	batch      []boltEntry
	pos        int
	key, value []byte
	err        error
}

func (i *boltIterator) Next() bool {
	for {
		if i.done || i.err != nil {
			return false
		}
		if i.pos < len(i.batch) {
			e := i.batch[i.pos]
			i.pos++
			i.key, i.value = e.key, e.raw[1:]
			return true
		}
		if i.exhausted {
			i.done = true
			i.key, i.value = nil, nil
			return false
		}
		if i.snap.released.Load() {
			i.err = NewError(KindClosed, "iterate", errSnapshotReleased)
			return false
		}
		if err := i.fill(); err != nil {
			i.err = err
			return false
		}
	}
}

// fill loads the next batch: up to boltBatch stored keys from start, and
// every prior entry below the first key left for the following batch.
func (i *boltIterator) fill() error {
	var stored []boltEntry
	var limit []byte
	err := i.snap.owner.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		var k, v []byte
		if len(i.start) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(i.start)
		}
		for ; k != nil && bytes.HasPrefix(k, i.prefix); k, v = c.Next() {
			if len(stored) == boltBatch {
				limit = copyBytes(k)
				return nil
			}
			if len(v) == 0 || v[0] != tagPut {
				return NewError(KindCorruption, "iterate", errors.New("missing value marker"))
			}
			stored = append(stored, boltEntry{key: copyBytes(k), raw: copyBytes(v)})
		}
		return nil
	})
	if err != nil {
		if _, ok := AsError(err); ok {
			return err
		}
		return boltError("iterate", err)
	}

	rng := util.BytesPrefix(i.prefix)
	rng.Start = i.start
	if limit != nil {
		rng.Limit = limit
	}
	var prior []boltEntry
	it := i.snap.prior.NewIterator(rng)
	for it.Next() {
		prior = append(prior, boltEntry{key: copyBytes(it.Key()), raw: copyBytes(it.Value())})
	}
	it.Release()

	i.batch = mergeEntries(i.batch[:0], stored, prior)
	i.pos = 0
	if limit == nil {
		i.exhausted = true
	} else {
		i.start = limit
	}
	return nil
}

// mergeEntries merges two sorted runs, letting prior win on equal keys, and
// drops entries prior marks as absent.
func mergeEntries(out, stored, prior []boltEntry) []boltEntry {
	a, b := 0, 0
	for a < len(stored) || b < len(prior) {
		var e boltEntry
		switch {
		case b == len(prior):
			e = stored[a]
			a++
		case a == len(stored):
			e = prior[b]
			b++
		default:
			c := bytes.Compare(stored[a].key, prior[b].key)
			if c == 0 {
				a++
			}
			if c < 0 {
				e = stored[a]
				a++
			} else {
				e = prior[b]
				b++
			}
		}
		if len(e.raw) > 0 && e.raw[0] == tagPut {
			out = append(out, e)
		}
	}
	return out
}

func (i *boltIterator) Key() []byte   { return i.key }
func (i *boltIterator) Value() []byte { return i.value }
func (i *boltIterator) Error() error  { return i.err }

func (i *boltIterator) Release() {
	i.done = true
	i.batch = nil
}
