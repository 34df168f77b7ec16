package timestamping

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ledgercore/core"
	"ledgercore/core/types"
	"ledgercore/crypto"
	"ledgercore/native/wallet"
	"ledgercore/runtime"
	"ledgercore/storage"
)

const (
	walletID      = 1
	timestampID   = 2
	timestampFee  = 10
	timestampName = "timestamping"
)

type fixture struct {
	t      *testing.T
	bc     *core.Blockchain
	height uint64
	nonce  uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := storage.NewMemoryDB()
	t.Cleanup(func() { _ = db.Close() })
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(runtime.InstanceSpec{ID: walletID, Name: "wallet"}, wallet.New("wallet")))
	require.NoError(t, reg.Register(runtime.InstanceSpec{ID: timestampID, Name: timestampName}, New(timestampName, opts...)))
	bc, err := core.NewBlockchain(db, reg, core.WithMetrics(nil, nil))
	require.NoError(t, err)
	_, err = bc.Initialize()
	require.NoError(t, err)
	return &fixture{t: t, bc: bc}
}

func (f *fixture) sign(key *crypto.PrivateKey, instance uint32, method runtime.MethodID, payload []byte) *types.Transaction {
	f.t.Helper()
	f.nonce++
	tx := &types.Transaction{InstanceID: instance, MethodID: uint32(method), Payload: payload, Nonce: f.nonce}
	require.NoError(f.t, tx.Sign(key.PrivateKey))
	return tx
}

func (f *fixture) commit(txs ...*types.Transaction) []types.TxResult {
	f.t.Helper()
	require.NoError(f.t, f.bc.AddTransactionsIntoPool(txs...))
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	f.height++
	block, patch, err := f.bc.CreatePatch(0, f.height, hashes)
	require.NoError(f.t, err)
	require.NoError(f.t, f.bc.Merge(patch))
	return block.Results
}

func (f *fixture) snapshot() storage.Snapshot {
	f.t.Helper()
	snap, err := f.bc.Database().Snapshot()
	require.NoError(f.t, err)
	f.t.Cleanup(snap.Release)
	return snap
}

func (f *fixture) balance(owner common.Address) uint64 {
	f.t.Helper()
	b, err := wallet.NewSchema(f.snapshot(), "wallet").Balance(owner)
	require.NoError(f.t, err)
	return b.Uint64()
}

func newKey(t *testing.T) (*crypto.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key, key.PubKey().Address().Common()
}

func TestTimestampRecordsFirstSubmission(t *testing.T) {
	f := newFixture(t)
	alice, aliceAddr := newKey(t)
	bob, _ := newKey(t)

	first := f.sign(alice, timestampID, MethodTimestamp, EncodeContent([]byte("report.pdf")))
	results := f.commit(
		first,
		f.sign(bob, timestampID, MethodTimestamp, EncodeContent([]byte("report.pdf"))),
		f.sign(bob, timestampID, MethodTimestamp, EncodeContent(nil)),
	)
	require.True(t, results[0].OK(), results[0].Description)
	require.Equal(t, types.TxStatusLogicError, results[1].Status)
	require.Equal(t, CodeAlreadyTimestamped, results[1].Code)
	require.Equal(t, CodeEmptyContent, results[2].Code)

	schema := NewSchema(f.snapshot(), timestampName)
	rec, ok, err := schema.Record(ContentHash([]byte("report.pdf")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, aliceAddr, rec.Author)
	require.Equal(t, first.Hash(), rec.TxHash)
	require.Equal(t, uint64(1), rec.Height)

	log, err := schema.Log()
	require.NoError(t, err)
	n, err := log.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	contents, err := schema.Contents()
	require.NoError(t, err)
	stored, err := contents.Contains([]byte("report.pdf"))
	require.NoError(t, err)
	require.True(t, stored)
}

func TestOversizedContent(t *testing.T) {
	f := newFixture(t)
	alice, _ := newKey(t)
	results := f.commit(f.sign(alice, timestampID, MethodTimestamp, EncodeContent(make([]byte, MaxContentSize+1))))
	require.Equal(t, CodeTooLarge, results[0].Code)
}

func TestPaidTimestampChargesAuthor(t *testing.T) {
	f := newFixture(t, WithPayment(walletID, timestampFee))
	alice, aliceAddr := newKey(t)

	results := f.commit(
		f.sign(alice, walletID, wallet.MethodCreate, wallet.Encode(&wallet.CreateWallet{Name: "alice"})),
		f.sign(alice, timestampID, MethodPaidTimestamp, EncodeContent([]byte("invoice"))),
	)
	require.True(t, results[0].OK(), results[0].Description)
	require.True(t, results[1].OK(), results[1].Description)

	require.Equal(t, uint64(wallet.DefaultInitialBalance-timestampFee), f.balance(aliceAddr))
	require.Equal(t, uint64(timestampFee), f.balance(wallet.TreasuryAddress(timestampID)))
}

func TestPaidTimestampFailsWithoutFunds(t *testing.T) {
	f := newFixture(t, WithPayment(walletID, wallet.DefaultInitialBalance+1))
	alice, aliceAddr := newKey(t)
	bob, _ := newKey(t)

	results := f.commit(
		f.sign(alice, walletID, wallet.MethodCreate, wallet.Encode(&wallet.CreateWallet{Name: "alice"})),
		f.sign(alice, timestampID, MethodPaidTimestamp, EncodeContent([]byte("invoice"))),
		f.sign(bob, timestampID, MethodPaidTimestamp, EncodeContent([]byte("memo"))),
	)
	require.Equal(t, wallet.CodeInsufficientFunds, results[1].Code)
	require.Equal(t, wallet.CodeSenderNotFound, results[2].Code)
	require.Equal(t, uint64(wallet.DefaultInitialBalance), f.balance(aliceAddr))

	_, ok, err := NewSchema(f.snapshot(), timestampName).Record(ContentHash([]byte("invoice")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPaidTimestampDisabled(t *testing.T) {
	f := newFixture(t)
	alice, _ := newKey(t)
	results := f.commit(f.sign(alice, timestampID, MethodPaidTimestamp, EncodeContent([]byte("x"))))
	require.Equal(t, CodePaymentDisabled, results[0].Code)
}

func TestPayloadDecoding(t *testing.T) {
	svc := New(timestampName)
	content, err := decodeContent(EncodeContent([]byte("abc")))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), content)

	_, err = svc.TxFromRaw(MethodTimestamp, []byte{0xff, 0xff})
	require.ErrorIs(t, err, runtime.ErrDecode)
	_, err = svc.TxFromRaw(7, nil)
	require.ErrorIs(t, err, runtime.ErrMethodNotFound)
}
