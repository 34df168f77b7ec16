package types

import "fmt"

// TxStatus classifies the outcome of a transaction.
type TxStatus uint8

const (
	TxStatusSuccess TxStatus = iota
	// TxStatusLogicError is a failure declared by the service.
	TxStatusLogicError
	// TxStatusDefect is a panic in service code.
	TxStatusDefect
	// TxStatusDispatchError covers unknown instances or methods and undecodable payloads.
	TxStatusDispatchError
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusSuccess:
		return "success"
	case TxStatusLogicError:
		return "logic_error"
	case TxStatusDefect:
		return "defect"
	case TxStatusDispatchError:
		return "dispatch_error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// TxResult is the recorded outcome of a transaction. Failed transactions
// stay in the block; only their state changes are discarded.
type TxResult struct {
	Status      TxStatus
	Code        uint8
	Description string
}

// OK reports success.
func (r TxResult) OK() bool { return r.Status == TxStatusSuccess }

// TxLocation is the position of a transaction in the chain.
type TxLocation struct {
	Height   uint64
	Position uint64
}
