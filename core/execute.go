package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgercore/core/types"
	"ledgercore/runtime"
	"ledgercore/storage"
)

// Result codes of dispatch failures.
const (
	CodeInstanceNotFound uint8 = iota
	CodeMethodNotFound
	CodeDecode
	CodeCallDepth
)

// panicError carries a recovered panic out of the fault boundary.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// Unwrap exposes a panicked error, so that a storage fault raised through
// panic is still recognised as fatal.
func (p *panicError) Unwrap() error {
	err, _ := p.value.(error)
	return err
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

// isolate runs fn inside a savepoint. A failure rolls the savepoint back and
// is returned as outcome. A storage fault, whether returned, panicked or
// only recorded on the fork, is returned as fatal and leaves the fork to be
// discarded.
func isolate(fork *storage.Fork, fn func() error) (outcome, fatal error) {
	sp := fork.Checkpoint()
	err := protect(fn)
	if ferr := fork.Err(); ferr != nil {
		return nil, ferr
	}
	if storage.IsFatal(err) {
		fork.Fail(err)
		return nil, err
	}
	if err != nil {
		fork.Rollback(sp)
		return err, nil
	}
	fork.Commit(sp)
	return nil, nil
}

// classify turns the outcome of a call into a recorded result.
func classify(err error) types.TxResult {
	if err == nil {
		return types.TxResult{Status: types.TxStatusSuccess}
	}
	var perr *panicError
	if errors.As(err, &perr) {
		return types.TxResult{Status: types.TxStatusDefect, Description: fmt.Sprint(perr.value)}
	}
	switch {
	case errors.Is(err, runtime.ErrInstanceNotFound):
		return types.TxResult{Status: types.TxStatusDispatchError, Code: CodeInstanceNotFound, Description: err.Error()}
	case errors.Is(err, runtime.ErrMethodNotFound):
		return types.TxResult{Status: types.TxStatusDispatchError, Code: CodeMethodNotFound, Description: err.Error()}
	case errors.Is(err, runtime.ErrDecode):
		return types.TxResult{Status: types.TxStatusDispatchError, Code: CodeDecode, Description: err.Error()}
	case errors.Is(err, runtime.ErrCallDepthExceeded):
		return types.TxResult{Status: types.TxStatusDispatchError, Code: CodeCallDepth, Description: err.Error()}
	}
	if eerr, ok := runtime.AsExecutionError(err); ok {
		status := types.TxStatusLogicError
		if eerr.Kind == runtime.KindDispatcher {
			status = types.TxStatusDispatchError
		}
		return types.TxResult{Status: status, Code: eerr.Code, Description: eerr.Description}
	}
	return types.TxResult{Status: types.TxStatusLogicError, Description: err.Error()}
}

// executeBlock applies txHashes and the service hooks to fork and appends
// the block record. fork is left unusable on error.
func (bc *Blockchain) executeBlock(ctx context.Context, fork *storage.Fork, proposer uint32, height uint64, txHashes []common.Hash) (*types.Block, error) {
	schema := NewSchema(fork)
	if expected, err := bc.nextHeight(schema); err != nil {
		return nil, err
	} else if expected != height {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrHeightMismatch, height, expected)
	}

	results := make([]types.TxResult, len(txHashes))
	for i, hash := range txHashes {
		res, err := bc.executeTransaction(ctx, fork, schema, height, uint64(i), hash)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	bc.stage(ctx, StageTransactionsApplied, height)

	if err := bc.beforeCommit(ctx, fork); err != nil {
		return nil, err
	}
	bc.stage(ctx, StageServicesCommitted, height)

	stateHash, err := bc.aggregateState(fork, schema)
	if err != nil {
		return nil, err
	}

	blockTxs, err := schema.BlockTransactions(height)
	if err != nil {
		return nil, err
	}
	txRoot, err := blockTxs.RootHash()
	if err != nil {
		return nil, err
	}
	header := &types.BlockHeader{
		ProposerID: proposer,
		Height:     height,
		TxCount:    uint32(len(txHashes)),
		TxHash:     txRoot,
		StateHash:  stateHash,
	}
	if last, err := schema.LastBlock(); err != nil {
		return nil, err
	} else if last != nil {
		header.PrevHash = last.Hash()
	}

	blocks, err := schema.Blocks()
	if err != nil {
		return nil, err
	}
	hashes, err := schema.BlockHashes()
	if err != nil {
		return nil, err
	}
	hash := header.Hash()
	if err := blocks.Put(hash, *header); err != nil {
		return nil, err
	}
	if err := hashes.Push(hash); err != nil {
		return nil, err
	}
	if err := fork.Err(); err != nil {
		return nil, err
	}
	return &types.Block{Header: header, Transactions: append([]common.Hash(nil), txHashes...), Results: results}, nil
}

func (bc *Blockchain) nextHeight(schema *Schema) (uint64, error) {
	height, ok, err := schema.Height()
	if err != nil || !ok {
		return 0, err
	}
	return height + 1, nil
}

func (bc *Blockchain) executeTransaction(ctx context.Context, fork *storage.Fork, schema *Schema, height, position uint64, hash common.Hash) (types.TxResult, error) {
	_, span := bc.tracer.Start(ctx, "ExecuteTransaction", trace.WithAttributes(
		attribute.String("tx", hash.Hex()),
		attribute.Int64("position", int64(position)),
	))
	defer span.End()

	tx, ok, err := schema.Transaction(hash)
	if err != nil {
		return types.TxResult{}, err
	}
	if !ok {
		return types.TxResult{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	locations, err := schema.TxLocations()
	if err != nil {
		return types.TxResult{}, err
	}
	if committed, err := locations.Contains(hash); err != nil {
		return types.TxResult{}, err
	} else if committed {
		return types.TxResult{}, fmt.Errorf("%w: %s", ErrTransactionCommitted, hash)
	}
	author, err := tx.From()
	if err != nil {
		return types.TxResult{}, storage.Corrupted(fork, "core: stored transaction "+hash.Hex(), err)
	}

	call := runtime.CallInfo{InstanceID: runtime.InstanceID(tx.InstanceID), MethodID: runtime.MethodID(tx.MethodID)}
	span.SetAttributes(attribute.String("call", call.String()))
	execCtx := runtime.NewExecutionContext(fork, bc.registry, runtime.TxInfo{Hash: hash, Author: author, Height: height})
	outcome, fatal := isolate(fork, func() error {
		return bc.registry.Execute(execCtx, call, tx.Payload)
	})
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
		return types.TxResult{}, fatal
	}

	result := classify(outcome)
	bc.metrics.RecordTransaction(result.Status.String())
	span.SetAttributes(attribute.String("status", result.Status.String()))
	bc.logResult(hash, call, result, outcome)

	if err := bc.recordResult(schema, height, position, hash, result); err != nil {
		return types.TxResult{}, err
	}
	return result, nil
}

func (bc *Blockchain) logResult(hash common.Hash, call runtime.CallInfo, result types.TxResult, outcome error) {
	attrs := []any{
		slog.String("tx", hash.Hex()),
		slog.Uint64("instance", uint64(call.InstanceID)),
		slog.Uint64("method", uint64(call.MethodID)),
		slog.String("status", result.Status.String()),
	}
	switch result.Status {
	case types.TxStatusSuccess:
		bc.logger.Debug("transaction executed", attrs...)
	case types.TxStatusDefect:
		var perr *panicError
		errors.As(outcome, &perr)
		attrs = append(attrs, slog.Bool("defect", true), slog.String("panic", result.Description), slog.String("stack", string(perr.stack)))
		bc.logger.Error("transaction panicked", attrs...)
	default:
		attrs = append(attrs, slog.Int("code", int(result.Code)), slog.String("description", result.Description))
		bc.logger.Info("transaction failed", attrs...)
	}
}

func (bc *Blockchain) recordResult(schema *Schema, height, position uint64, hash common.Hash, result types.TxResult) error {
	results, err := schema.TxResults()
	if err != nil {
		return err
	}
	if err := results.Put(hash, result); err != nil {
		return err
	}
	locations, err := schema.TxLocations()
	if err != nil {
		return err
	}
	if err := locations.Put(hash, types.TxLocation{Height: height, Position: position}); err != nil {
		return err
	}
	blockTxs, err := schema.BlockTransactions(height)
	if err != nil {
		return err
	}
	if err := blockTxs.Push(hash); err != nil {
		return err
	}
	pool, err := schema.TransactionsPool()
	if err != nil {
		return err
	}
	pending, err := pool.Contains(hash)
	if err != nil || !pending {
		return err
	}
	if err := pool.Remove(hash); err != nil {
		return err
	}
	return schema.adjustPoolSize(-1)
}

// beforeCommit runs every service hook once, in instance id order. A failing
// hook only loses its own changes.
func (bc *Blockchain) beforeCommit(ctx context.Context, fork *storage.Fork) error {
	_, span := bc.tracer.Start(ctx, "BeforeCommit")
	defer span.End()

	for _, spec := range bc.registry.Instances() {
		svc, _ := bc.registry.Service(spec.ID)
		outcome, fatal := isolate(fork, func() error { return svc.BeforeCommit(fork) })
		if fatal != nil {
			span.RecordError(fatal)
			span.SetStatus(codes.Error, fatal.Error())
			return fatal
		}
		if outcome == nil {
			continue
		}
		bc.metrics.RecordHookFailure(spec.Name)
		result := classify(outcome)
		bc.logger.Error("before commit hook failed",
			slog.String("instance", spec.Name),
			slog.String("status", result.Status.String()),
			slog.Bool("defect", result.Status == types.TxStatusDefect),
			slog.String("description", result.Description))
	}
	return nil
}

// aggregateState refreshes the state hash aggregator with the table roots of
// the core and every service, and returns its root.
func (bc *Blockchain) aggregateState(fork *storage.Fork, schema *Schema) (common.Hash, error) {
	agg, err := schema.StateAggregator()
	if err != nil {
		return common.Hash{}, err
	}
	put := func(instance runtime.InstanceID, roots []common.Hash) error {
		for i, root := range roots {
			if err := agg.Put(AggregationKey(uint32(instance), uint64(i)), root); err != nil {
				return err
			}
		}
		return nil
	}

	core, err := schema.StateHashes()
	if err != nil {
		return common.Hash{}, err
	}
	if err := put(runtime.CoreInstance, core); err != nil {
		return common.Hash{}, err
	}
	for _, spec := range bc.registry.Instances() {
		svc, _ := bc.registry.Service(spec.ID)
		roots, err := svc.StateHash(fork)
		if err != nil {
			return common.Hash{}, fmt.Errorf("core: state hash of %s: %w", spec.Name, err)
		}
		if err := put(spec.ID, roots); err != nil {
			return common.Hash{}, err
		}
	}
	if err := fork.Err(); err != nil {
		return common.Hash{}, err
	}
	return agg.RootHash()
}
