package runtime

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ledgercore/storage"
)

// recorder writes its payload under its own name.
type recorder struct {
	name  string
	table MethodTable
}

type writeTx struct {
	key, value string
	fail       bool
}

func (tx writeTx) Execute(ctx *ExecutionContext) error {
	if err := ctx.Fork().Put([]byte(tx.key), []byte(tx.value)); err != nil {
		return err
	}
	if tx.fail {
		return NewError(3, "refused")
	}
	return nil
}

// recurseTx calls itself until the depth limit stops it.
type recurseTx struct{ self CallInfo }

func (tx recurseTx) Execute(ctx *ExecutionContext) error {
	return ctx.Call(tx.self, nil)
}

func newRecorder(name string, id InstanceID) *recorder {
	r := &recorder{name: name}
	r.table = MethodTable{
		0: {Name: "write", Decode: func(p []byte) (Transaction, error) {
			return writeTx{key: name, value: string(p)}, nil
		}},
		1: {Name: "write_then_fail", Decode: func(p []byte) (Transaction, error) {
			return writeTx{key: name, value: string(p), fail: true}, nil
		}},
		2: {Name: "recurse", Decode: func([]byte) (Transaction, error) {
			return recurseTx{self: CallInfo{InstanceID: id, MethodID: 2}}, nil
		}},
		3: {Name: "strict", Decode: func(p []byte) (Transaction, error) {
			if len(p) == 0 {
				return nil, errors.New("empty payload")
			}
			return writeTx{key: name, value: string(p)}, nil
		}},
	}
	return r
}

func (r *recorder) TxFromRaw(method MethodID, payload []byte) (Transaction, error) {
	return r.table.TxFromRaw(r.name, method, payload)
}

func (r *recorder) BeforeCommit(*storage.Fork) error { return nil }

func (r *recorder) StateHash(storage.Snapshot) ([]common.Hash, error) { return nil, nil }

func TestRegistryRules(t *testing.T) {
	reg := NewRegistry()
	require.ErrorIs(t, reg.Register(InstanceSpec{ID: 0, Name: "zero"}, newRecorder("zero", 0)), ErrReservedInstance)
	require.NoError(t, reg.Register(InstanceSpec{ID: 2, Name: "b"}, newRecorder("b", 2)))
	require.NoError(t, reg.Register(InstanceSpec{ID: 1, Name: "a"}, newRecorder("a", 1)))
	require.ErrorIs(t, reg.Register(InstanceSpec{ID: 1, Name: "c"}, newRecorder("c", 1)), ErrDuplicateInstance)
	require.ErrorIs(t, reg.Register(InstanceSpec{ID: 3, Name: "a"}, newRecorder("a", 3)), ErrDuplicateInstance)
	require.Error(t, reg.Register(InstanceSpec{ID: 4, Name: "bad name"}, newRecorder("x", 4)))

	reg.Seal()
	require.ErrorIs(t, reg.Register(InstanceSpec{ID: 5, Name: "late"}, newRecorder("late", 5)), ErrRegistrySealed)

	specs := reg.Instances()
	require.Len(t, specs, 2)
	require.Equal(t, InstanceID(1), specs[0].ID)
	require.Equal(t, InstanceID(2), specs[1].ID)

	spec, ok := reg.Lookup("b")
	require.True(t, ok)
	require.Equal(t, InstanceID(2), spec.ID)

	_, err := reg.TxFromRaw(CallInfo{InstanceID: 9}, nil)
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = reg.TxFromRaw(CallInfo{InstanceID: 1, MethodID: 77}, nil)
	require.ErrorIs(t, err, ErrMethodNotFound)
	_, err = reg.TxFromRaw(CallInfo{InstanceID: 1, MethodID: 3}, nil)
	require.ErrorIs(t, err, ErrDecode)
	require.True(t, IsDispatchError(err))
}

func TestRegistryReservesCoreName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(InstanceSpec{ID: 7, Name: CoreName}, newRecorder(CoreName, 7))
	require.ErrorIs(t, err, ErrReservedInstance)
	require.Empty(t, reg.Instances())
	_, ok := reg.Lookup(CoreName)
	require.False(t, ok)
	err = reg.Register(InstanceSpec{ID: 7, Name: "core.blocks"}, newRecorder("core.blocks", 7))
	require.ErrorIs(t, err, ErrReservedInstance)

	// Lookalike names are fine, and the rejected id stays free.
	require.NoError(t, reg.Register(InstanceSpec{ID: 7, Name: "core_ext"}, newRecorder("core_ext", 7)))
	require.NoError(t, reg.Register(InstanceSpec{ID: 8, Name: "corebank"}, newRecorder("corebank", 8)))
	require.Len(t, reg.Instances(), 2)
}

func setup(t *testing.T, opts ...RegistryOption) (*Registry, *storage.Fork) {
	t.Helper()
	reg := NewRegistry(opts...)
	require.NoError(t, reg.Register(InstanceSpec{ID: 1, Name: "a"}, newRecorder("a", 1)))
	require.NoError(t, reg.Register(InstanceSpec{ID: 2, Name: "b"}, newRecorder("b", 2)))
	reg.Seal()
	db := storage.NewMemoryDB()
	t.Cleanup(func() { _ = db.Close() })
	fork, err := db.Fork()
	require.NoError(t, err)
	t.Cleanup(fork.Discard)
	return reg, fork
}

type callerTx struct {
	seen *Caller
	id   *InstanceID
}

func (tx callerTx) Execute(ctx *ExecutionContext) error {
	*tx.seen = ctx.Caller()
	*tx.id = ctx.InstanceID()
	return nil
}

func TestNestedCallRollsBackOnlyCallee(t *testing.T) {
	reg, fork := setup(t)
	ctx := NewExecutionContext(fork, reg, TxInfo{Height: 1})
	ctx = ctx.enter(1, ctx.caller, 0)

	require.NoError(t, fork.Put([]byte("a"), []byte("outer")))
	err := ctx.Call(CallInfo{InstanceID: 2, MethodID: 1}, []byte("x"))
	var eerr *ExecutionError
	require.ErrorAs(t, err, &eerr)
	require.Equal(t, uint8(3), eerr.Code)

	v, err := fork.Get([]byte("b"))
	require.NoError(t, err)
	require.Nil(t, v, "callee writes must be rolled back")
	v, err = fork.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("outer"), v)

	require.NoError(t, ctx.Call(CallInfo{InstanceID: 2, MethodID: 0}, []byte("ok")))
	v, err = fork.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), v)
}

func TestCallDepthIsBounded(t *testing.T) {
	reg, fork := setup(t, WithMaxCallDepth(3))
	ctx := NewExecutionContext(fork, reg, TxInfo{})
	err := reg.Execute(ctx, CallInfo{InstanceID: 1, MethodID: 2}, nil)
	require.ErrorIs(t, err, ErrCallDepthExceeded)
	require.Equal(t, 3, reg.MaxCallDepth())
}

func TestNestedCallerIdentity(t *testing.T) {
	reg, fork := setup(t)
	author := common.HexToAddress("0x1234")
	ctx := NewExecutionContext(fork, reg, TxInfo{Author: author}).enter(1, Caller{Kind: CallerTransaction, Author: author}, 0)

	var seen Caller
	var id InstanceID
	inner := callerTx{seen: &seen, id: &id}
	require.NoError(t, inner.Execute(ctx))
	require.Equal(t, CallerTransaction, seen.Kind)

	nested := ctx.enter(2, Caller{Kind: CallerService, Instance: ctx.InstanceID(), Author: author}, 1)
	require.NoError(t, inner.Execute(nested))
	require.Equal(t, CallerService, seen.Kind)
	require.Equal(t, InstanceID(1), seen.Instance)
	require.Equal(t, InstanceID(2), id)
	require.Equal(t, author, nested.Author())
}
