package core

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/core/types"
	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/index"
	"ledgercore/storage/prooflist"
	"ledgercore/storage/trie"
)

// Core table names. Service tables live under the service instance name, so
// the "core." prefix cannot collide with them.
const (
	TableTransactions      = "core.transactions"
	TableTransactionsPool  = "core.transactions_pool"
	TablePoolSize          = "core.transactions_pool_len"
	TableTxResults         = "core.transaction_results"
	TableTxLocations       = "core.transactions_locations"
	TableBlocks            = "core.blocks"
	TableBlockHashes       = "core.block_hashes_by_height"
	TableBlockTransactions = "core.block_transactions"
	TableStateAggregator   = "core.state_hash_aggregator"
)

var (
	txResultCodec   = codec.RLP[types.TxResult]()
	txLocationCodec = codec.RLP[types.TxLocation]()
	headerCodec     = codec.RLP[types.BlockHeader]()
)

type transactionCodec struct{}

func (transactionCodec) Encode(tx *types.Transaction) []byte { return tx.Encode() }

func (transactionCodec) Decode(b []byte) (*types.Transaction, error) {
	return types.DecodeTransaction(b)
}

// Schema gives typed access to the core tables. Over a Fork the tables are
// writable, over a Snapshot they are read-only.
type Schema struct {
	access storage.Snapshot
}

// NewSchema wraps access.
func NewSchema(access storage.Snapshot) *Schema {
	return &Schema{access: access}
}

// Transactions holds every signed transaction ever accepted, keyed by hash.
func (s *Schema) Transactions() (*index.Map[common.Hash, *types.Transaction], error) {
	return index.NewMap[common.Hash, *types.Transaction](s.access, TableTransactions, codec.Hash, transactionCodec{})
}

// TransactionsPool holds hashes of accepted but not yet executed transactions.
func (s *Schema) TransactionsPool() (*index.KeySet[common.Hash], error) {
	return index.NewKeySet(s.access, TableTransactionsPool, codec.Hash)
}

func (s *Schema) poolSize() (*index.Entry[uint64], error) {
	return index.NewEntry(s.access, TablePoolSize, codec.Uint64)
}

// PoolSize is the number of pending transactions.
func (s *Schema) PoolSize() (uint64, error) {
	entry, err := s.poolSize()
	if err != nil {
		return 0, err
	}
	n, _, err := entry.Get()
	return n, err
}

func (s *Schema) adjustPoolSize(delta int) error {
	entry, err := s.poolSize()
	if err != nil {
		return err
	}
	n, _, err := entry.Get()
	if err != nil {
		return err
	}
	if delta < 0 && uint64(-delta) > n {
		return fmt.Errorf("core: pool size underflow")
	}
	return entry.Set(uint64(int64(n) + int64(delta)))
}

// TxResults maps transaction hashes to execution results.
func (s *Schema) TxResults() (*trie.ProofMap[types.TxResult], error) {
	return trie.New(s.access, TableTxResults, txResultCodec)
}

// TxLocations maps transaction hashes to their position in the chain.
func (s *Schema) TxLocations() (*index.Map[common.Hash, types.TxLocation], error) {
	return index.NewMap(s.access, TableTxLocations, codec.Hash, txLocationCodec)
}

// Blocks maps block hashes to headers.
func (s *Schema) Blocks() (*index.Map[common.Hash, types.BlockHeader], error) {
	return index.NewMap(s.access, TableBlocks, codec.Hash, headerCodec)
}

// BlockHashes lists block hashes by height.
func (s *Schema) BlockHashes() (*prooflist.ProofList[common.Hash], error) {
	return prooflist.New(s.access, TableBlockHashes, codec.Hash)
}

// BlockTransactions lists the transaction hashes of the block at height.
func (s *Schema) BlockTransactions(height uint64) (*prooflist.ProofList[common.Hash], error) {
	return prooflist.NewInFamily(s.access, TableBlockTransactions, codec.Uint64.Encode(height), codec.Hash)
}

// StateAggregator maps (instance, table) pairs to table root hashes.
func (s *Schema) StateAggregator() (*trie.ProofMap[common.Hash], error) {
	return trie.New(s.access, TableStateAggregator, codec.Hash)
}

// AggregationKey is the aggregator key of table index idx of instance id.
func AggregationKey(instance uint32, idx uint64) common.Hash {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], instance)
	binary.BigEndian.PutUint64(buf[4:], idx)
	return trie.HashedKey(buf[:])
}

// StateHashes lists the roots of the Merkelized core tables in aggregation order.
func (s *Schema) StateHashes() ([]common.Hash, error) {
	hashes, err := s.BlockHashes()
	if err != nil {
		return nil, err
	}
	results, err := s.TxResults()
	if err != nil {
		return nil, err
	}
	h0, err := hashes.RootHash()
	if err != nil {
		return nil, err
	}
	h1, err := results.RootHash()
	if err != nil {
		return nil, err
	}
	return []common.Hash{h0, h1}, nil
}

// Height returns the height of the latest block. ok is false before genesis.
func (s *Schema) Height() (height uint64, ok bool, err error) {
	hashes, err := s.BlockHashes()
	if err != nil {
		return 0, false, err
	}
	n, err := hashes.Len()
	if err != nil || n == 0 {
		return 0, false, err
	}
	return n - 1, true, nil
}

// BlockHashByHeight returns the hash of the block at height.
func (s *Schema) BlockHashByHeight(height uint64) (common.Hash, bool, error) {
	hashes, err := s.BlockHashes()
	if err != nil {
		return common.Hash{}, false, err
	}
	return hashes.Get(height)
}

// BlockByHeight returns the header of the block at height.
func (s *Schema) BlockByHeight(height uint64) (*types.BlockHeader, bool, error) {
	hash, ok, err := s.BlockHashByHeight(height)
	if err != nil || !ok {
		return nil, false, err
	}
	return s.Block(hash)
}

// Block returns the header with the given hash.
func (s *Schema) Block(hash common.Hash) (*types.BlockHeader, bool, error) {
	blocks, err := s.Blocks()
	if err != nil {
		return nil, false, err
	}
	header, ok, err := blocks.Get(hash)
	if err != nil || !ok {
		return nil, false, err
	}
	return &header, true, nil
}

// LastBlock returns the latest header, or nil before genesis.
func (s *Schema) LastBlock() (*types.BlockHeader, error) {
	hashes, err := s.BlockHashes()
	if err != nil {
		return nil, err
	}
	hash, ok, err := hashes.Last()
	if err != nil || !ok {
		return nil, err
	}
	header, ok, err := s.Block(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.Corrupted(s.access, "core: last block", fmt.Errorf("header %s missing", hash))
	}
	return header, nil
}

// Transaction returns a stored transaction.
func (s *Schema) Transaction(hash common.Hash) (*types.Transaction, bool, error) {
	txs, err := s.Transactions()
	if err != nil {
		return nil, false, err
	}
	return txs.Get(hash)
}

// TxResult returns the execution result of a committed transaction.
func (s *Schema) TxResult(hash common.Hash) (types.TxResult, bool, error) {
	results, err := s.TxResults()
	if err != nil {
		return types.TxResult{}, false, err
	}
	return results.Get(hash)
}

// TxResultProof proves the result of hash (or its absence) against the
// transaction results root.
func (s *Schema) TxResultProof(hash common.Hash) (*trie.MapProof, error) {
	results, err := s.TxResults()
	if err != nil {
		return nil, err
	}
	return results.BuildProof(hash)
}

// TxLocation returns where a committed transaction sits in the chain.
func (s *Schema) TxLocation(hash common.Hash) (types.TxLocation, bool, error) {
	locations, err := s.TxLocations()
	if err != nil {
		return types.TxLocation{}, false, err
	}
	return locations.Get(hash)
}

// PendingHashes lists up to limit pool entries in hash order. Zero means all.
func (s *Schema) PendingHashes(limit int) ([]common.Hash, error) {
	pool, err := s.TransactionsPool()
	if err != nil {
		return nil, err
	}
	it := pool.Iterator()
	defer it.Release()
	var out []common.Hash
	for it.Next() {
		out = append(out, it.Key())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, it.Error()
}
