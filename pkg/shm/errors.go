package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Kind classifies a failed region operation.
type Kind int

const (
	KindUnknown Kind = iota
	// AllocationFailure: the OS refused to create or map memory.
	AllocationFailure
	// NameCollision: exclusive create of a name that exists.
	NameCollision
	// NotFound: open or attach of a nonexistent name or handle.
	NotFound
	// PermissionDenied: write access asked of a read-only binding.
	PermissionDenied
	// AlreadyBound: the operation needs an unbound region.
	AlreadyBound
	// InvalidTransfer: sharing a named region or to an invalid target.
	InvalidTransfer
	// SizeMismatch: declared size differs from the allocation length.
	SizeMismatch
	// NotBound: the operation needs a bound region.
	NotBound
	// InvalidArgument: malformed name, size or mode.
	InvalidArgument
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	AllocationFailure: "allocation failure",
	NameCollision:     "name collision",
	NotFound:          "not found",
	PermissionDenied:  "permission denied",
	AlreadyBound:      "already bound",
	InvalidTransfer:   "invalid transfer",
	SizeMismatch:      "size mismatch",
	NotBound:          "not bound",
	InvalidArgument:   "invalid argument",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is returned by every failing Region operation.
type Error struct {
	Op   string
	Name string
	Kind Kind
	Err  error
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrAllocationFailure = &Error{Kind: AllocationFailure}
	ErrNameCollision     = &Error{Kind: NameCollision}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrPermissionDenied  = &Error{Kind: PermissionDenied}
	ErrAlreadyBound      = &Error{Kind: AlreadyBound}
	ErrInvalidTransfer   = &Error{Kind: InvalidTransfer}
	ErrSizeMismatch      = &Error{Kind: SizeMismatch}
	ErrNotBound          = &Error{Kind: NotBound}
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
)

func (e *Error) Error() string {
	msg := "shm"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels, which carry only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Name == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of err, KindUnknown for foreign errors and nil.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(op, name string, kind Kind, err error) *Error {
	return &Error{Op: op, Name: name, Kind: kind, Err: err}
}

func errorf(op, name string, kind Kind, format string, args ...interface{}) *Error {
	return newError(op, name, kind, fmt.Errorf(format, args...))
}

// classify maps an OS error to a Kind; fallback covers everything else.
func classify(err error, fallback Kind) Kind {
	switch {
	case errors.Is(err, fs.ErrExist):
		return NameCollision
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return PermissionDenied
	case errors.Is(err, syscall.EINVAL):
		return InvalidArgument
	}
	return fallback
}

func wrapOS(op, name string, err error, fallback Kind) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return newError(op, name, classify(err, fallback), err)
}
