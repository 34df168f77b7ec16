package storage

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDB is a Database backed by goleveldb, either on disk or over an
// in-memory storage.
type LevelDB struct {
	db   *leveldb.DB
	sync bool
}

// LevelDBOptions tune the goleveldb backend.
type LevelDBOptions struct {
	// CacheMB sizes the block cache. Zero keeps the goleveldb default.
	CacheMB int
	// Sync makes every merge fsync before returning.
	Sync bool
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string, opts *LevelDBOptions) (*LevelDB, error) {
	if opts == nil {
		opts = &LevelDBOptions{}
	}
	o := &opt.Options{}
	if opts.CacheMB > 0 {
		o.BlockCacheCapacity = opts.CacheMB * opt.MiB
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, backendError("open "+path, err)
	}
	return &LevelDB{db: db, sync: opts.Sync}, nil
}

// NewMemoryDB returns a non-persistent LevelDB for tests and tooling.
func NewMemoryDB() *LevelDB {
	db, err := leveldb.Open(lstorage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &LevelDB{db: db}
}

// Snapshot captures the current state of the database.
func (l *LevelDB) Snapshot() (Snapshot, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, backendError("snapshot", err)
	}
	return &levelSnapshot{snap: snap}, nil
}

// Fork opens a write overlay over a fresh snapshot.
func (l *LevelDB) Fork() (*Fork, error) {
	snap, err := l.Snapshot()
	if err != nil {
		return nil, err
	}
	return newFork(snap), nil
}

// Merge writes the patch as a single batch.
func (l *LevelDB) Merge(patch *Patch) error {
	batch := new(leveldb.Batch)
	for _, c := range patch.Changes() {
		if c.Deleted {
			batch.Delete(c.Key)
		} else {
			batch.Put(c.Key, c.Value)
		}
	}
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: l.sync}); err != nil {
		return backendError("merge", err)
	}
	return nil
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	return backendError("close", l.db.Close())
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) {
	v, err := s.snap.Get(key, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, backendError("get", err)
	}
	return present(v), nil
}

func (s *levelSnapshot) Contains(key []byte) (bool, error) {
	ok, err := s.snap.Has(key, nil)
	if err != nil {
		return false, backendError("has", err)
	}
	return ok, nil
}

func (s *levelSnapshot) Iterator(prefix, from []byte) Iterator {
	return &levelIterator{it: s.snap.NewIterator(scanRange(prefix, from), nil)}
}

func (s *levelSnapshot) Release() {
	s.snap.Release()
}

type levelIterator struct {
	it iterator.Iterator
}

func (i *levelIterator) Next() bool    { return i.it.Next() }
func (i *levelIterator) Key() []byte   { return i.it.Key() }
func (i *levelIterator) Value() []byte { return i.it.Value() }
func (i *levelIterator) Release()      { i.it.Release() }

func (i *levelIterator) Error() error {
	return backendError("iterate", i.it.Error())
}
