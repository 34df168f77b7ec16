package core

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/core/types"
	"ledgercore/mempool"
	"ledgercore/runtime"
)

// checkTransaction verifies the signature and that the payload decodes into
// a known method.
func (bc *Blockchain) checkTransaction(tx *types.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if _, err := tx.From(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	call := runtime.CallInfo{InstanceID: runtime.InstanceID(tx.InstanceID), MethodID: runtime.MethodID(tx.MethodID)}
	if _, err := bc.registry.TxFromRaw(call, tx.Payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidTransaction, tx.Hash(), err)
	}
	return nil
}

// AddTransactionsIntoPool validates txs and stores them as pending. Either
// all of them are accepted or none. Transactions already known are skipped.
// The change is merged right away, so it must not interleave with an
// unmerged block patch.
func (bc *Blockchain) AddTransactionsIntoPool(txs ...*types.Transaction) error {
	for _, tx := range txs {
		if err := bc.checkTransaction(tx); err != nil {
			return err
		}
	}

	fork, err := bc.db.Fork()
	if err != nil {
		return err
	}
	defer fork.Discard()
	schema := NewSchema(fork)
	stored, err := schema.Transactions()
	if err != nil {
		return err
	}
	pool, err := schema.TransactionsPool()
	if err != nil {
		return err
	}

	added := 0
	for _, tx := range txs {
		hash := tx.Hash()
		known, err := stored.Contains(hash)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := stored.Put(hash, tx); err != nil {
			return err
		}
		if err := pool.Insert(hash); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return nil
	}
	if err := schema.adjustPoolSize(added); err != nil {
		return err
	}

	patch, err := fork.IntoPatch()
	if err != nil {
		return err
	}
	if err := bc.Merge(patch); err != nil {
		return err
	}
	bc.logger.Debug("transactions pooled", slog.Int("added", added), slog.Int("submitted", len(txs)))
	return nil
}

// ProposeTransactions picks pending transactions for the next block. Calls
// to priority instances fill the reserved share of the block first.
func (bc *Blockchain) ProposeTransactions(maxTxs int, quota mempool.Quota, priority map[uint32]bool) ([]common.Hash, mempool.Usage, error) {
	snap, schema, err := bc.Snapshot()
	if err != nil {
		return nil, mempool.Usage{}, err
	}
	defer snap.Release()

	hashes, err := schema.PendingHashes(0)
	if err != nil {
		return nil, mempool.Usage{}, err
	}
	pending := make([]*types.Transaction, 0, len(hashes))
	for _, hash := range hashes {
		tx, ok, err := schema.Transaction(hash)
		if err != nil {
			return nil, mempool.Usage{}, err
		}
		if ok {
			pending = append(pending, tx)
		}
	}

	ordered, usage := mempool.Schedule(mempool.Classify(pending, priority), maxTxs, quota)
	if maxTxs > 0 && len(ordered) > maxTxs {
		ordered = ordered[:maxTxs]
	}
	out := make([]common.Hash, len(ordered))
	for i, tx := range ordered {
		out[i] = tx.Hash()
	}
	return out, usage, nil
}
