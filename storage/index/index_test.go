package index

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgercore/storage"
	"ledgercore/storage/codec"
)

func newFork(t *testing.T, db storage.Database) *storage.Fork {
	t.Helper()
	fork, err := db.Fork()
	require.NoError(t, err)
	return fork
}

func merge(t *testing.T, db storage.Database, fork *storage.Fork) {
	t.Helper()
	patch, err := fork.IntoPatch()
	require.NoError(t, err)
	require.NoError(t, db.Merge(patch))
}

func listValues[V any](t *testing.T, l *List[V]) []V {
	t.Helper()
	it := l.Iterator()
	defer it.Release()
	var out []V
	for it.Next() {
		out = append(out, it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func TestListLaws(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	l, err := NewList(fork, "numbers", codec.Uint64)
	require.NoError(t, err)

	empty, err := l.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
	_, ok, err := l.Pop()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Extend(1, 2, 3))
	require.NoError(t, l.Push(4))
	v, ok, err := l.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), v)
	require.Equal(t, []uint64{1, 2, 3}, listValues(t, l))

	require.NoError(t, l.Truncate(10))
	n, err := l.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)

	require.NoError(t, l.Truncate(1))
	require.Equal(t, []uint64{1}, listValues(t, l))
	_, ok, err = l.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, l.Set(5, 9), ErrIndexOutOfBounds)
	require.NoError(t, l.Set(0, 9))
	last, ok, err := l.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), last)

	require.NoError(t, l.Extend(10, 11, 12))
	it := l.IteratorFrom(2)
	defer it.Release()
	require.True(t, it.Next())
	require.Equal(t, uint64(2), it.Key())
	require.Equal(t, uint64(11), it.Value())
}

func TestMapOrderedIteration(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)

	m, err := NewMap(fork, "balances", codec.String, codec.Uint64)
	require.NoError(t, err)
	for _, k := range []string{"carol", "alice", "bob", "dave"} {
		require.NoError(t, m.Put(k, uint64(len(k))))
	}
	require.NoError(t, m.Remove("dave"))
	merge(t, db, fork)

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	m, err = NewMap(snap, "balances", codec.String, codec.Uint64)
	require.NoError(t, err)

	it := m.IteratorFrom("b")
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"bob", "carol"}, keys)

	v, ok, err := m.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), v)

	require.ErrorIs(t, m.Put("eve", 1), ErrReadOnly)
}

func TestEntry(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	e, err := NewEntry(fork, "config.height", codec.Uint64)
	require.NoError(t, err)
	exists, err := e.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, e.Set(7))
	v, ok, err := e.Take()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), v)

	_, ok, err = e.Get()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSets(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	ks, err := NewKeySet(fork, "pool", codec.Uint32)
	require.NoError(t, err)
	require.NoError(t, ks.Insert(3))
	require.NoError(t, ks.Insert(1))
	require.NoError(t, ks.Insert(3))
	ok, err := ks.Contains(3)
	require.NoError(t, err)
	require.True(t, ok)

	it := ks.Iterator()
	var keys []uint32
	for it.Next() {
		keys = append(keys, it.Key())
	}
	require.NoError(t, it.Error())
	it.Release()
	require.Equal(t, []uint32{1, 3}, keys)

	vs, err := NewValueSet(fork, "notes", codec.String)
	require.NoError(t, err)
	h, err := vs.Insert("hello")
	require.NoError(t, err)
	require.Equal(t, ValueHash([]byte("hello")), h)
	ok, err = vs.ContainsByHash(h)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, vs.Remove("hello"))
	ok, err = vs.Contains("hello")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddressesDoNotCollide(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	a, err := NewMap(fork, "ab", codec.String, codec.String)
	require.NoError(t, err)
	b, err := NewMapInFamily(fork, "a", []byte("b"), codec.String, codec.String)
	require.NoError(t, err)
	c, err := NewMapInFamily(fork, "a", []byte("bc"), codec.String, codec.String)
	require.NoError(t, err)

	require.NoError(t, a.Put("k", "from ab"))
	require.NoError(t, b.Put("ck", "from a[b]"))
	require.NoError(t, c.Put("k", "from a[bc]"))

	for m, want := range map[*Map[string, string]]map[string]string{
		a: {"k": "from ab"},
		b: {"ck": "from a[b]"},
		c: {"k": "from a[bc]"},
	} {
		got := map[string]string{}
		it := m.Iterator()
		for it.Next() {
			got[it.Key()] = it.Value()
		}
		require.NoError(t, it.Error())
		it.Release()
		require.Equal(t, want, got)
	}
}

func TestTypeMismatchAndNames(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	l, err := NewList(fork, "things", codec.Uint64)
	require.NoError(t, err)
	require.NoError(t, l.Push(1))

	_, err = NewMap(fork, "things", codec.String, codec.String)
	require.ErrorIs(t, err, ErrIndexTypeMismatch)

	_, err = NewList(fork, "", codec.Uint64)
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = NewList(fork, "bad name", codec.Uint64)
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestClearLargeIndex(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)

	l, err := NewList(fork, "big", codec.Uint64)
	require.NoError(t, err)
	for i := uint64(0); i < 5000; i++ {
		require.NoError(t, l.Push(i))
	}
	merge(t, db, fork)

	fork = newFork(t, db)
	l, err = NewList(fork, "big", codec.Uint64)
	require.NoError(t, err)
	require.NoError(t, l.Clear())
	patch, err := fork.IntoPatch()
	require.NoError(t, err)
	require.Equal(t, 1, patch.Len(), "clear only rewrites metadata")
	require.NoError(t, db.Merge(patch))

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	l, err = NewList(snap, "big", codec.Uint64)
	require.NoError(t, err)
	empty, err := l.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
	require.Empty(t, listValues(t, l))
	_, ok, err := l.Get(10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearInvalidatesIterators(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	m, err := NewMap(fork, "m", codec.Uint64, codec.Uint64)
	require.NoError(t, err)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, m.Put(i, i))
	}
	it := m.Iterator()
	defer it.Release()
	require.True(t, it.Next())
	require.NoError(t, m.Clear())
	require.False(t, it.Next())
	require.ErrorIs(t, it.Error(), ErrIteratorInvalidated)
}

func TestCorruptedValueIsFatal(t *testing.T) {
	db := storage.NewMemoryDB()
	defer db.Close()
	fork := newFork(t, db)
	defer fork.Discard()

	raw, err := NewMap(fork, "m", codec.String, codec.Bytes)
	require.NoError(t, err)
	require.NoError(t, raw.Put("k", []byte{1, 2}))

	typed, err := NewMap(fork, "m", codec.String, codec.Uint64)
	require.NoError(t, err)
	_, _, err = typed.Get("k")
	require.True(t, storage.IsFatal(err))
	require.Error(t, fork.Err())
}

// TestRandomizedAgainstModel drives a list and a map with random operations
// and merges, comparing against plain Go values.
func TestRandomizedAgainstModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	db := storage.NewMemoryDB()
	defer db.Close()

	var modelList []uint64
	modelMap := map[uint64]uint64{}

	fork := newFork(t, db)
	for step := 0; step < 2000; step++ {
		l, err := NewList(fork, "list", codec.Uint64)
		require.NoError(t, err)
		m, err := NewMap(fork, "map", codec.Uint64, codec.Uint64)
		require.NoError(t, err)

		switch op := rng.Intn(10); op {
		case 0, 1, 2:
			v := rng.Uint64()
			require.NoError(t, l.Push(v))
			modelList = append(modelList, v)
		case 3:
			v, ok, err := l.Pop()
			require.NoError(t, err)
			require.Equal(t, len(modelList) > 0, ok)
			if ok {
				require.Equal(t, modelList[len(modelList)-1], v)
				modelList = modelList[:len(modelList)-1]
			}
		case 4:
			n := uint64(rng.Intn(len(modelList) + 2))
			require.NoError(t, l.Truncate(n))
			if n < uint64(len(modelList)) {
				modelList = modelList[:n]
			}
		case 5, 6:
			k, v := uint64(rng.Intn(64)), rng.Uint64()
			require.NoError(t, m.Put(k, v))
			modelMap[k] = v
		case 7:
			k := uint64(rng.Intn(64))
			require.NoError(t, m.Remove(k))
			delete(modelMap, k)
		case 8:
			if rng.Intn(20) == 0 {
				require.NoError(t, m.Clear())
				modelMap = map[uint64]uint64{}
			}
		case 9:
			merge(t, db, fork)
			fork = newFork(t, db)
		}
	}
	merge(t, db, fork)

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	l, err := NewList(snap, "list", codec.Uint64)
	require.NoError(t, err)
	got := listValues(t, l)
	if len(modelList) == 0 {
		require.Empty(t, got)
	} else {
		require.Equal(t, modelList, got)
	}

	m, err := NewMap(snap, "map", codec.Uint64, codec.Uint64)
	require.NoError(t, err)
	var wantKeys []uint64
	for k := range modelMap {
		wantKeys = append(wantKeys, k)
	}
	sort.Slice(wantKeys, func(i, j int) bool { return wantKeys[i] < wantKeys[j] })
	it := m.Iterator()
	defer it.Release()
	var gotKeys []uint64
	for it.Next() {
		gotKeys = append(gotKeys, it.Key())
		require.Equal(t, modelMap[it.Key()], it.Value())
	}
	require.NoError(t, it.Error())
	require.Equal(t, wantKeys, gotKeys)
}
