// Package runtime routes calls to registered service instances and carries
// the execution context a service sees while it runs.
package runtime

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ledgercore/storage"
)

// InstanceID identifies a running service. Id 0 belongs to the core schema.
type InstanceID uint32

// MethodID identifies a method within a service.
type MethodID uint32

// CoreInstance is the id under which core tables are aggregated.
const CoreInstance InstanceID = 0

// CoreName prefixes the core tables. No service may take it, or any name
// under it.
const CoreName = "core"

// CallInfo addresses a method of a service instance.
type CallInfo struct {
	InstanceID InstanceID
	MethodID   MethodID
}

func (c CallInfo) String() string {
	return fmt.Sprintf("%d:%d", c.InstanceID, c.MethodID)
}

// Transaction is a decoded call ready to run.
type Transaction interface {
	Execute(ctx *ExecutionContext) error
}

// Service is the capability set the pipeline needs from a service instance.
type Service interface {
	// TxFromRaw decodes the payload of method into a transaction. Failures
	// must wrap ErrMethodNotFound or ErrDecode.
	TxFromRaw(method MethodID, payload []byte) (Transaction, error)
	// BeforeCommit runs once per block after all transactions.
	BeforeCommit(fork *storage.Fork) error
	// StateHash lists the root hashes of the service's Merkelized tables.
	// The order is part of the consensus state.
	StateHash(snapshot storage.Snapshot) ([]common.Hash, error)
}

// Initializer is implemented by services that seed state at genesis.
type Initializer interface {
	Initialize(fork *storage.Fork) error
}

// InstanceSpec describes a registered instance.
type InstanceSpec struct {
	ID       InstanceID
	Name     string
	Artifact string
}

// Method is one entry of a service's dispatch table.
type Method struct {
	Name   string
	Decode func(payload []byte) (Transaction, error)
}

// MethodTable maps method ids to decoders, so services can implement
// TxFromRaw with a single lookup.
type MethodTable map[MethodID]Method

// TxFromRaw resolves and decodes a call for the service called name.
func (t MethodTable) TxFromRaw(name string, id MethodID, payload []byte) (Transaction, error) {
	m, ok := t[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no method %d", ErrMethodNotFound, name, id)
	}
	tx, err := m.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrDecode, name, m.Name, err)
	}
	return tx, nil
}
