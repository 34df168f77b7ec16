package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func backends() map[string]func(t *testing.T) Database {
	return map[string]func(t *testing.T) Database{
		BackendMemory: func(*testing.T) Database { return NewMemoryDB() },
		BackendLevelDB: func(t *testing.T) Database {
			db, err := NewLevelDB(t.TempDir(), nil)
			require.NoError(t, err)
			return db
		},
		BackendBolt: func(t *testing.T) Database {
			db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"), &BoltOptions{NoSync: true})
			require.NoError(t, err)
			return db
		},
	}
}

func mustFork(t *testing.T, db Database) *Fork {
	t.Helper()
	fork, err := db.Fork()
	require.NoError(t, err)
	return fork
}

func mergeFork(t *testing.T, db Database, fork *Fork) {
	t.Helper()
	patch, err := fork.IntoPatch()
	require.NoError(t, err)
	require.NoError(t, db.Merge(patch))
}

func collect(t *testing.T, it Iterator) (keys, values []string) {
	t.Helper()
	defer it.Release()
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Error())
	return keys, values
}

func TestBackendsRoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			fork := mustFork(t, db)
			require.NoError(t, fork.Put([]byte("a"), []byte("1")))
			require.NoError(t, fork.Put([]byte("b"), []byte{}))
			require.NoError(t, fork.Put([]byte("c"), []byte("3")))
			mergeFork(t, db, fork)

			snap, err := db.Snapshot()
			require.NoError(t, err)
			defer snap.Release()

			v, err := snap.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), v)

			empty, err := snap.Get([]byte("b"))
			require.NoError(t, err)
			require.NotNil(t, empty)
			require.Len(t, empty, 0)

			missing, err := snap.Get([]byte("z"))
			require.NoError(t, err)
			require.Nil(t, missing)

			keys, _ := collect(t, snap.Iterator(nil, []byte("b")))
			require.Equal(t, []string{"b", "c"}, keys)
		})
	}
}

func TestForkIsolationAndDiscard(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			fork := mustFork(t, db)
			require.NoError(t, fork.Put([]byte("k"), []byte("v")))

			snap, err := db.Snapshot()
			require.NoError(t, err)
			v, err := snap.Get([]byte("k"))
			require.NoError(t, err)
			require.Nil(t, v, "unmerged writes must not be visible")
			snap.Release()

			fork.Discard()
			_, err = fork.Get([]byte("k"))
			require.ErrorIs(t, err, ErrForkConsumed)

			snap, err = db.Snapshot()
			require.NoError(t, err)
			defer snap.Release()
			ok, err := snap.Contains([]byte("k"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSnapshotIsPointInTime(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			fork := mustFork(t, db)
			require.NoError(t, fork.Put([]byte("k"), []byte("old")))
			require.NoError(t, fork.Put([]byte("gone"), []byte("x")))
			mergeFork(t, db, fork)

			snap, err := db.Snapshot()
			require.NoError(t, err)
			defer snap.Release()

			fork = mustFork(t, db)
			require.NoError(t, fork.Put([]byte("k"), []byte("new")))
			require.NoError(t, fork.Delete([]byte("gone")))
			require.NoError(t, fork.Put([]byte("fresh"), []byte("y")))
			mergeFork(t, db, fork)

			v, err := snap.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("old"), v)
			ok, err := snap.Contains([]byte("fresh"))
			require.NoError(t, err)
			require.False(t, ok)

			keys, values := collect(t, snap.Iterator(nil, nil))
			require.Equal(t, []string{"gone", "k"}, keys)
			require.Equal(t, []string{"x", "old"}, values)
		})
	}
}

func TestSnapshotIterationSpansBatches(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			const n = 3*boltBatch + 17
			key := func(i int) []byte { return []byte(fmt.Sprintf("acct/%05d", i)) }
			fork := mustFork(t, db)
			for i := 0; i < n; i += 2 {
				require.NoError(t, fork.Put(key(i), []byte("v1")))
			}
			mergeFork(t, db, fork)

			snap, err := db.Snapshot()
			require.NoError(t, err)
			defer snap.Release()

			fork = mustFork(t, db)
			for i := 0; i < n; i++ {
				switch i % 4 {
				case 0:
					require.NoError(t, fork.Delete(key(i)))
				case 1, 3:
					require.NoError(t, fork.Put(key(i), []byte("inserted")))
				case 2:
					require.NoError(t, fork.Put(key(i), []byte("v2")))
				}
			}
			mergeFork(t, db, fork)

			keys, values := collect(t, snap.Iterator([]byte("acct/"), nil))
			require.Len(t, keys, (n+1)/2)
			for j, k := range keys {
				require.Equal(t, string(key(2*j)), k)
				require.Equal(t, "v1", values[j])
			}

			keys, _ = collect(t, snap.Iterator([]byte("acct/"), key(n-3)))
			require.Equal(t, []string{string(key(n - 3)), string(key(n - 1))}, keys)

			fresh, err := db.Snapshot()
			require.NoError(t, err)
			defer fresh.Release()
			keys, _ = collect(t, fresh.Iterator([]byte("acct/"), nil))
			require.Len(t, keys, n-(n+3)/4)
		})
	}
}

// A held snapshot must not keep the bolt file from growing.
func TestBoltMergeGrowsFileWhileSnapshotHeld(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"), &BoltOptions{NoSync: true})
	require.NoError(t, err)
	defer db.Close()

	fork := mustFork(t, db)
	require.NoError(t, fork.Put([]byte("marker"), []byte("before")))
	mergeFork(t, db, fork)

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	fork = mustFork(t, db)
	value := bytes.Repeat([]byte{0xab}, 200)
	for i := 0; i < 50_000; i++ {
		require.NoError(t, fork.Put([]byte(fmt.Sprintf("bulk/%06d", i)), value))
	}
	require.NoError(t, fork.Put([]byte("marker"), []byte("after")))
	patch, err := fork.IntoPatch()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- db.Merge(patch) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("merge stalled behind an open snapshot")
	}

	v, err := snap.Get([]byte("marker"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), v)
	keys, _ := collect(t, snap.Iterator([]byte("bulk/"), nil))
	require.Empty(t, keys)

	fresh, err := db.Snapshot()
	require.NoError(t, err)
	defer fresh.Release()
	v, err = fresh.Get([]byte("marker"))
	require.NoError(t, err)
	require.Equal(t, []byte("after"), v)
	keys, _ = collect(t, fresh.Iterator([]byte("bulk/"), nil))
	require.Len(t, keys, 50_000)
}

func TestBoltReleasedSnapshotIsClosed(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"), &BoltOptions{NoSync: true})
	require.NoError(t, err)
	defer db.Close()

	snap, err := db.Snapshot()
	require.NoError(t, err)
	snap.Release()
	snap.Release()

	_, err = snap.Get([]byte("k"))
	serr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindClosed, serr.Kind)
	require.Empty(t, db.snaps)
}

func TestForkMergedIteration(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			fork := mustFork(t, db)
			for _, k := range []string{"p/1", "p/2", "p/3", "q/1"} {
				require.NoError(t, fork.Put([]byte(k), []byte("base-"+k)))
			}
			mergeFork(t, db, fork)

			fork = mustFork(t, db)
			defer fork.Discard()
			require.NoError(t, fork.Delete([]byte("p/2")))
			require.NoError(t, fork.Put([]byte("p/3"), []byte("over")))
			require.NoError(t, fork.Put([]byte("p/0"), []byte("new")))

			keys, values := collect(t, fork.Iterator([]byte("p/"), nil))
			require.Equal(t, []string{"p/0", "p/1", "p/3"}, keys)
			require.Equal(t, []string{"new", "base-p/1", "over"}, values)

			keys, _ = collect(t, fork.Iterator([]byte("p/"), []byte("p/2")))
			require.Equal(t, []string{"p/3"}, keys)
		})
	}
}

func TestForkSavepoints(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	fork := mustFork(t, db)
	require.NoError(t, fork.Put([]byte("a"), []byte("1")))

	outer := fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("a"), []byte("2")))
	require.NoError(t, fork.Put([]byte("b"), []byte("x")))

	inner := fork.Checkpoint()
	require.NoError(t, fork.Delete([]byte("a")))
	fork.Rollback(inner)

	v, err := fork.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	fork.Rollback(outer)
	v, err = fork.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	ok, err := fork.Contains([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	sp := fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("c"), []byte("kept")))
	fork.Commit(sp)

	patch, err := fork.IntoPatch()
	require.NoError(t, err)
	require.Equal(t, 2, patch.Len())
	c, ok := patch.Get([]byte("c"))
	require.True(t, ok)
	require.Equal(t, []byte("kept"), c.Value)

	_, err = fork.IntoPatch()
	require.ErrorIs(t, err, ErrForkConsumed)
}

func TestForkRollbackUnwindsNestedSavepoints(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	fork := mustFork(t, db)
	defer fork.Discard()

	outer := fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("a"), []byte("1")))
	fork.Checkpoint()
	require.NoError(t, fork.Put([]byte("b"), []byte("2")))
	fork.Rollback(outer)

	keys, _ := collect(t, fork.Iterator(nil, nil))
	require.Empty(t, keys)
	require.Panics(t, func() { fork.Commit(outer) })
}

func TestStickyFaultBlocksPatch(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	fork := mustFork(t, db)
	require.NoError(t, fork.Put([]byte("a"), []byte("1")))

	err := Corrupted(fork, "decode", errTest)
	require.True(t, IsFatal(err))
	require.ErrorIs(t, fork.Err(), errTest)

	_, err = fork.IntoPatch()
	serr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindCorruption, serr.Kind)
}

func TestDeletePatchRemovesKeys(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			defer db.Close()

			fork := mustFork(t, db)
			require.NoError(t, fork.Put([]byte("a"), []byte("1")))
			mergeFork(t, db, fork)

			fork = mustFork(t, db)
			require.NoError(t, fork.Delete([]byte("a")))
			require.NoError(t, fork.Delete([]byte("never")))
			mergeFork(t, db, fork)

			snap, err := db.Snapshot()
			require.NoError(t, err)
			defer snap.Release()
			keys, _ := collect(t, snap.Iterator(nil, nil))
			require.Empty(t, keys)
		})
	}
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir, &LevelDBOptions{Sync: true})
	require.NoError(t, err)
	fork := mustFork(t, db1)
	require.NoError(t, fork.Put([]byte("key"), []byte("value")))
	mergeFork(t, db1, fork)
	require.NoError(t, db1.Close())

	db2, err := NewLevelDB(dir, nil)
	require.NoError(t, err)
	defer db2.Close()
	snap, err := db2.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	v, err := snap.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), v)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "rocks"})
	require.ErrorIs(t, err, ErrUnknownBackend)

	db, err := Open(Options{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "nested", "ledger.db")})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
