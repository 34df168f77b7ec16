package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrorKind classifies a storage fault.
type ErrorKind uint8

const (
	// KindIO covers failures reported by the backend (disk full, permissions, ...).
	KindIO ErrorKind = iota + 1
	// KindCorruption marks data that was written by this engine but can no
	// longer be decoded.
	KindCorruption
	// KindClosed is reported when the database was closed underneath a caller.
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a fatal storage fault. Callers must not continue normal block
// production after observing one: the database may be inconsistent and
// masking the fault risks validators diverging.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrForkConsumed is returned when a fork is used after IntoPatch or Discard.
	ErrForkConsumed = errors.New("storage: fork already consumed")
	// ErrUnknownBackend is returned by Open for unsupported backend names.
	ErrUnknownBackend = errors.New("storage: unknown backend")
)

// IsFatal reports whether err carries a storage fault anywhere in its chain.
func IsFatal(err error) bool {
	var serr *Error
	return errors.As(err, &serr)
}

// AsError extracts the storage fault from err, if any.
func AsError(err error) (*Error, bool) {
	var serr *Error
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}

// NewError builds a storage fault of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Corrupted reports undecodable stored data read through access. When access
// is a Fork the fault is recorded on it, so that a caller swallowing the
// returned error cannot hide it from the block executor.
func Corrupted(access Snapshot, op string, err error) error {
	serr := NewError(KindCorruption, op, err)
	if fork, ok := access.(*Fork); ok {
		fork.fail(serr)
	}
	return serr
}

func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	switch {
	case lerrors.IsCorrupted(err):
		return NewError(KindCorruption, op, err)
	case errors.Is(err, leveldb.ErrClosed):
		return NewError(KindClosed, op, err)
	default:
		return NewError(KindIO, op, err)
	}
}
