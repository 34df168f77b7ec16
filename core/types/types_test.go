package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestTransactionSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := &Transaction{InstanceID: 3, MethodID: 1, Payload: []byte{1, 2, 3}, Nonce: 9}
	_, err = tx.From()
	require.ErrorIs(t, err, ErrUnsigned)

	require.NoError(t, tx.Sign(key))
	from, err := tx.From()
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)

	decoded, err := DecodeTransaction(tx.Encode())
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), decoded.Hash())
	from2, err := decoded.From()
	require.NoError(t, err)
	require.Equal(t, from, from2)

	forged, err := DecodeTransaction(tx.Encode())
	require.NoError(t, err)
	forged.Payload = []byte{9}
	tampered, err := forged.From()
	if err == nil {
		require.NotEqual(t, from, tampered)
	}
}

func TestHeaderHashCoversFields(t *testing.T) {
	h := &BlockHeader{Height: 1, TxCount: 2}
	first := h.Hash()
	h.StateHash[0] = 1
	require.NotEqual(t, first, h.Hash())
}
