package runtime

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/storage"
)

// CallerKind tells who initiated the current call.
type CallerKind uint8

const (
	// CallerTransaction is a call made by a signed transaction.
	CallerTransaction CallerKind = iota
	// CallerService is a nested call made by another service.
	CallerService
)

// Caller identifies the initiator of a call.
type Caller struct {
	Kind     CallerKind
	Author   common.Address
	Instance InstanceID
}

// TxInfo is the per-transaction data exposed to services.
type TxInfo struct {
	Hash   common.Hash
	Author common.Address
	Height uint64
}

// ExecutionContext is what a running transaction sees. It is only valid for
// the duration of the call it was created for.
type ExecutionContext struct {
	fork     *storage.Fork
	registry *Registry
	tx       TxInfo
	instance InstanceID
	caller   Caller
	depth    int
}

// NewExecutionContext prepares the context of a top-level transaction.
func NewExecutionContext(fork *storage.Fork, registry *Registry, tx TxInfo) *ExecutionContext {
	return &ExecutionContext{
		fork:     fork,
		registry: registry,
		tx:       tx,
		instance: CoreInstance,
		caller:   Caller{Kind: CallerTransaction, Author: tx.Author},
	}
}

func (c *ExecutionContext) enter(id InstanceID, caller Caller, depth int) *ExecutionContext {
	next := *c
	next.instance = id
	next.caller = caller
	next.depth = depth
	return &next
}

func (c *ExecutionContext) Fork() *storage.Fork    { return c.fork }
func (c *ExecutionContext) TxHash() common.Hash    { return c.tx.Hash }
func (c *ExecutionContext) Author() common.Address { return c.tx.Author }
func (c *ExecutionContext) Height() uint64         { return c.tx.Height }
func (c *ExecutionContext) InstanceID() InstanceID { return c.instance }
func (c *ExecutionContext) Caller() Caller         { return c.caller }
func (c *ExecutionContext) Depth() int             { return c.depth }

// Call dispatches a nested call on the same fork. The callee runs inside its
// own savepoint: if it fails its changes are undone and the error is
// returned to the calling service, which may handle it or fail in turn.
// A storage fault is left for the block executor.
func (c *ExecutionContext) Call(call CallInfo, payload []byte) error {
	if c.depth+1 > c.registry.maxDepth {
		return fmt.Errorf("%w: %s at depth %d", ErrCallDepthExceeded, call, c.depth+1)
	}
	tx, err := c.registry.TxFromRaw(call, payload)
	if err != nil {
		return err
	}
	sp := c.fork.Checkpoint()
	caller := Caller{Kind: CallerService, Author: c.tx.Author, Instance: c.instance}
	if err := tx.Execute(c.enter(call.InstanceID, caller, c.depth+1)); err != nil {
		if storage.IsFatal(err) {
			c.fork.Fail(err)
			return err
		}
		c.fork.Rollback(sp)
		return err
	}
	c.fork.Commit(sp)
	return nil
}
