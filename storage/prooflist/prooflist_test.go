package prooflist

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/merkle"
)

func newFork(t *testing.T) (*storage.LevelDB, *storage.Fork) {
	t.Helper()
	db := storage.NewMemoryDB()
	t.Cleanup(func() { _ = db.Close() })
	fork, err := db.Fork()
	require.NoError(t, err)
	t.Cleanup(fork.Discard)
	return db, fork
}

func openList(t *testing.T, access storage.Snapshot, name string) *ProofList[uint64] {
	t.Helper()
	l, err := New(access, name, codec.Uint64)
	require.NoError(t, err)
	return l
}

// referenceRoot hashes the whole tree recursively from the values.
func referenceRoot(values []uint64) common.Hash {
	if len(values) == 0 {
		return listRoot(0, common.Hash{})
	}
	level := make([]common.Hash, len(values))
	for i, v := range values {
		level[i] = merkle.LeafHash(codec.Uint64.Encode(v))
	}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				r := level[i+1]
				next = append(next, branchHash(level[i], &r))
			} else {
				next = append(next, branchHash(level[i], nil))
			}
		}
		level = next
	}
	return listRoot(uint64(len(values)), level[0])
}

func TestRootHeight(t *testing.T) {
	for n, want := range map[uint64]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4} {
		require.Equal(t, want, rootHeight(n), "n=%d", n)
	}
	require.Equal(t, uint64(3), levelCount(5, 1))
	require.Equal(t, uint64(1), levelCount(5, 3))
}

func TestRootMatchesReference(t *testing.T) {
	_, fork := newFork(t)
	l := openList(t, fork, "list")
	var values []uint64
	for i := uint64(0); i < 37; i++ {
		root, err := l.RootHash()
		require.NoError(t, err)
		require.Equal(t, referenceRoot(values), root, "length %d", len(values))
		require.NoError(t, l.Push(i*3))
		values = append(values, i*3)
	}
}

func TestRootIsOrderSensitive(t *testing.T) {
	_, fork := newFork(t)
	a := openList(t, fork, "a")
	b := openList(t, fork, "b")
	require.NoError(t, a.Extend(1, 2))
	require.NoError(t, b.Extend(2, 1))
	ra, err := a.RootHash()
	require.NoError(t, err)
	rb, err := b.RootHash()
	require.NoError(t, err)
	require.NotEqual(t, ra, rb)
}

func TestSetTruncatePop(t *testing.T) {
	_, fork := newFork(t)
	l := openList(t, fork, "list")
	values := []uint64{5, 6, 7, 8, 9, 10, 11}
	require.NoError(t, l.Extend(values...))

	require.NoError(t, l.Set(2, 70))
	values[2] = 70
	root, err := l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(values), root)
	require.Error(t, l.Set(7, 1))

	require.NoError(t, l.Truncate(3))
	values = values[:3]
	root, err = l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(values), root)

	v, ok, err := l.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(70), v)
	values = values[:2]
	root, err = l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(values), root)

	require.NoError(t, l.Push(1))
	values = append(values, 1)
	root, err = l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(values), root)

	require.NoError(t, l.Clear())
	root, err = l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(nil), root)
	_, ok, err = l.Last()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProofs(t *testing.T) {
	for _, n := range []uint64{0, 1, 2, 3, 5, 8, 13} {
		t.Run(fmt.Sprintf("len-%d", n), func(t *testing.T) {
			_, fork := newFork(t)
			l := openList(t, fork, "list")
			for i := uint64(0); i < n; i++ {
				require.NoError(t, l.Push(100+i))
			}
			root, err := l.RootHash()
			require.NoError(t, err)

			for i := uint64(0); i <= n; i++ {
				proof, err := l.BuildProof(i)
				require.NoError(t, err)
				encoded, err := proof.Encode()
				require.NoError(t, err)
				proof, err = DecodeListProof(encoded)
				require.NoError(t, err)

				res := VerifyListProof(root, proof)
				if i < n {
					require.Equal(t, merkle.Included, res.Status, res.Err)
					require.Equal(t, codec.Uint64.Encode(100+i), res.Value)
				} else {
					require.Equal(t, merkle.Excluded, res.Status, res.Err)
				}
			}
		})
	}
}

func TestTamperedListProof(t *testing.T) {
	_, fork := newFork(t)
	l := openList(t, fork, "list")
	require.NoError(t, l.Extend(1, 2, 3, 4, 5))
	root, err := l.RootHash()
	require.NoError(t, err)

	proof, err := l.BuildProof(3)
	require.NoError(t, err)

	forged := *proof
	forged.Value = codec.Uint64.Encode(99)
	require.ErrorIs(t, VerifyListProof(root, &forged).Err, ErrRootMismatch)

	moved := *proof
	moved.Index = 2
	require.Equal(t, merkle.Invalid, VerifyListProof(root, &moved).Status)

	short := *proof
	short.Siblings = proof.Siblings[:len(proof.Siblings)-1]
	require.ErrorIs(t, VerifyListProof(root, &short).Err, ErrProofStructure)

	shrunk := *proof
	shrunk.Length = 4
	require.Equal(t, merkle.Invalid, VerifyListProof(root, &shrunk).Status)
}

func TestRandomizedAgainstModel(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	db := storage.NewMemoryDB()
	defer db.Close()

	var model []uint64
	fork, err := db.Fork()
	require.NoError(t, err)
	for step := 0; step < 1000; step++ {
		l := openList(t, fork, "list")
		switch rng.Intn(7) {
		case 0, 1, 2:
			v := rng.Uint64()
			require.NoError(t, l.Push(v))
			model = append(model, v)
		case 3:
			if len(model) > 0 {
				i := uint64(rng.Intn(len(model)))
				v := rng.Uint64()
				require.NoError(t, l.Set(i, v))
				model[i] = v
			}
		case 4:
			n := uint64(rng.Intn(len(model) + 1))
			require.NoError(t, l.Truncate(n))
			if n < uint64(len(model)) {
				model = model[:n]
			}
		case 5:
			root, err := l.RootHash()
			require.NoError(t, err)
			require.Equal(t, referenceRoot(model), root)
		case 6:
			patch, err := fork.IntoPatch()
			require.NoError(t, err)
			require.NoError(t, db.Merge(patch))
			fork, err = db.Fork()
			require.NoError(t, err)
		}
	}
	l := openList(t, fork, "list")
	root, err := l.RootHash()
	require.NoError(t, err)
	require.Equal(t, referenceRoot(model), root)

	it := l.Iterator()
	var got []uint64
	for it.Next() {
		require.Equal(t, uint64(len(got)), it.Key())
		got = append(got, it.Value())
	}
	require.NoError(t, it.Error())
	it.Release()
	require.Equal(t, len(model), len(got))
	fork.Discard()
}
