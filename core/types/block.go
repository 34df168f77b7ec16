package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// BlockHeader commits to the transactions of a block and to the state after
// executing them.
type BlockHeader struct {
	ProposerID uint32
	Height     uint64
	TxCount    uint32
	PrevHash   common.Hash // Hash of the previous block's header
	TxHash     common.Hash // Root of the block's transaction list
	StateHash  common.Hash // Aggregated state root after the block
}

// Hash returns the keccak256 hash of the rlp encoded header. It serves as the
// block's unique identifier.
func (h *BlockHeader) Hash() common.Hash {
	return crypto.Keccak256Hash(h.Encode())
}

// Encode returns the canonical rlp encoding.
func (h *BlockHeader) Encode() []byte {
	b, err := rlp.EncodeToBytes(h)
	if err != nil {
		panic(fmt.Sprintf("types: encode header: %v", err))
	}
	return b
}

// Block is a header plus the execution outcome of its transactions.
type Block struct {
	Header       *BlockHeader
	Transactions []common.Hash
	Results      []TxResult
}

// Hash is the header hash.
func (b *Block) Hash() common.Hash {
	return b.Header.Hash()
}
