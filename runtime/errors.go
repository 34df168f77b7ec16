package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind tells who produced an execution error.
type ErrorKind uint8

const (
	// KindService marks an error declared by service code.
	KindService ErrorKind = iota
	// KindDispatcher marks a failure to route or decode a call.
	KindDispatcher
	// KindPanic marks a recovered panic.
	KindPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindDispatcher:
		return "dispatcher"
	case KindPanic:
		return "panic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ExecutionError is a recoverable, service-declared failure. The pipeline
// rolls back the changes of the failing call and records Code and
// Description in the transaction result.
type ExecutionError struct {
	Kind        ErrorKind
	Code        uint8
	Description string
}

func (e *ExecutionError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s error %d", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Description)
}

// NewError builds a service error.
func NewError(code uint8, description string) *ExecutionError {
	return &ExecutionError{Kind: KindService, Code: code, Description: description}
}

// Errorf builds a service error with a formatted description.
func Errorf(code uint8, format string, args ...any) *ExecutionError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// AsExecutionError extracts an ExecutionError from err's chain.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var eerr *ExecutionError
	if errors.As(err, &eerr) {
		return eerr, true
	}
	return nil, false
}

var (
	ErrInstanceNotFound  = errors.New("runtime: service instance not found")
	ErrMethodNotFound    = errors.New("runtime: method not found")
	ErrCallDepthExceeded = errors.New("runtime: call depth exceeded")
	// ErrDecode wraps payloads that do not decode into a method's arguments.
	ErrDecode            = errors.New("runtime: cannot decode payload")
	ErrRegistrySealed    = errors.New("runtime: registry sealed")
	ErrDuplicateInstance = errors.New("runtime: duplicate service instance")
	// ErrReservedInstance rejects the id and the name that belong to core.
	ErrReservedInstance  = errors.New("runtime: reserved service instance")
)

// IsDispatchError reports whether err comes from routing or decoding rather
// than from service logic.
func IsDispatchError(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrMethodNotFound) ||
		errors.Is(err, ErrCallDepthExceeded) ||
		errors.Is(err, ErrDecode)
}
