package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	// ErrUnsigned is returned when recovering the author of a transaction without a signature.
	ErrUnsigned = errors.New("transaction is not signed")
	// ErrBadSignature is returned when the signature does not recover to a key.
	ErrBadSignature = errors.New("invalid transaction signature")
)

// Transaction is a signed call to a service method. Payload is decoded by the
// target service.
type Transaction struct {
	InstanceID uint32
	MethodID   uint32
	Payload    []byte
	Nonce      uint64
	// Signature is the 65 byte [R || S || V] secp256k1 signature over SigningHash.
	Signature []byte

	from *common.Address
}

type unsignedTx struct {
	InstanceID uint32
	MethodID   uint32
	Payload    []byte
	Nonce      uint64
}

// SigningHash is the digest the author signs.
func (tx *Transaction) SigningHash() common.Hash {
	b, err := rlp.EncodeToBytes(&unsignedTx{tx.InstanceID, tx.MethodID, tx.Payload, tx.Nonce})
	if err != nil {
		panic(fmt.Sprintf("types: encode unsigned transaction: %v", err))
	}
	return crypto.Keccak256Hash(b)
}

// Hash identifies the transaction, signature included.
func (tx *Transaction) Hash() common.Hash {
	return crypto.Keccak256Hash(tx.Encode())
}

// Sign fills in the signature using privKey.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash := tx.SigningHash()
	sig, err := crypto.Sign(hash.Bytes(), privKey)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.from = nil
	return nil
}

// From recovers the author address from the signature.
func (tx *Transaction) From() (common.Address, error) {
	if tx.from != nil {
		return *tx.from, nil
	}
	if len(tx.Signature) == 0 {
		return common.Address{}, ErrUnsigned
	}
	if len(tx.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(tx.Signature))
	}
	pubKey, err := crypto.SigToPub(tx.SigningHash().Bytes(), tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	addr := crypto.PubkeyToAddress(*pubKey)
	tx.from = &addr
	return addr, nil
}

// Encode returns the canonical rlp encoding.
func (tx *Transaction) Encode() []byte {
	b, err := rlp.EncodeToBytes(tx)
	if err != nil {
		panic(fmt.Sprintf("types: encode transaction: %v", err))
	}
	return b
}

// DecodeTransaction parses a canonical encoding.
func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := rlp.DecodeBytes(b, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
