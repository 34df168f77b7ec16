// Package common holds helpers shared by the native services.
package common

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrLimitExceeded is wrapped by every *LimitError.
var ErrLimitExceeded = errors.New("usage limit exceeded")

// Limit caps how many calls, and how much in total, one account may spend on
// an operation within a window of Blocks consecutive heights. A zero cap is
// no cap; a zero Blocks makes the whole chain one window.
type Limit struct {
	Calls  uint32
	Amount uint64
	Blocks uint64
}

// Usage is what an account has spent in its current window. It is stored per
// account, so its field order is part of the state encoding.
type Usage struct {
	Window uint64
	Calls  uint32
	Amount uint64
}

// LimitError reports which cap a charge would break.
type LimitError struct {
	// Resource is "calls" or "amount".
	Resource  string
	Cap       uint64
	Spent     uint64
	Requested uint64
}

func (e *LimitError) Error() string {
	if e.Cap == 0 {
		return fmt.Sprintf("%s counter would overflow", e.Resource)
	}
	return fmt.Sprintf("%s cap %d reached: %d spent, %d requested", e.Resource, e.Cap, e.Spent, e.Requested)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// Active reports whether l caps anything.
func (l Limit) Active() bool { return l.Calls > 0 || l.Amount > 0 }

// window maps a height onto its window number.
func (l Limit) window(height uint64) uint64 {
	if l.Blocks == 0 {
		return 0
	}
	return height / l.Blocks
}

// Charge spends one call and amount at height on top of u. Usage from an
// earlier window is forgotten first. On error u is returned unchanged and
// nothing should be stored.
func (l Limit) Charge(u Usage, height, amount uint64) (Usage, error) {
	w := l.window(height)
	spent := u
	if spent.Window != w {
		spent = Usage{Window: w}
	}

	if spent.Calls == ^uint32(0) {
		return u, &LimitError{Resource: "calls", Spent: uint64(spent.Calls), Requested: 1}
	}
	if l.Calls > 0 && spent.Calls >= l.Calls {
		return u, &LimitError{Resource: "calls", Cap: uint64(l.Calls), Spent: uint64(spent.Calls), Requested: 1}
	}

	total, carry := bits.Add64(spent.Amount, amount, 0)
	if carry != 0 {
		return u, &LimitError{Resource: "amount", Spent: spent.Amount, Requested: amount}
	}
	if l.Amount > 0 && total > l.Amount {
		return u, &LimitError{Resource: "amount", Cap: l.Amount, Spent: spent.Amount, Requested: amount}
	}

	spent.Calls++
	spent.Amount = total
	return spent, nil
}
