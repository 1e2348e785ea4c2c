package schemas

import (
	"errors"
	"fmt"
)

// -- Error Model --
// The core returns typed error values; expected failures never use panics.
// The kind set is closed. Warning kinds (LostSupport, CascadeUnresolved)
// attach to events rather than rejecting operations.

// ErrorKind identifies one of the closed set of core failure modes.
type ErrorKind string

const (
	KindBadBootstrap      ErrorKind = "BadBootstrap"
	KindNotFound          ErrorKind = "NotFound"
	KindDanglingRef       ErrorKind = "DanglingRef"
	KindBadIntent         ErrorKind = "BadIntent"
	KindTimeout           ErrorKind = "Timeout"
	KindTickOverrun       ErrorKind = "TickOverrun"
	KindLostSupport       ErrorKind = "LostSupport"
	KindCascadeUnresolved ErrorKind = "CascadeUnresolved"
)

// Error is a typed core error carrying its kind and a human-readable detail.
type Error struct {
	Kind   ErrorKind
	Detail string
	cause  error
}

// Errorf builds a typed error with a formatted detail message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is makes two typed errors of the same kind match under errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// IsKind reports whether err (or anything it wraps) is a core error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
