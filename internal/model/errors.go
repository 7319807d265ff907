package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the library can report.
type ErrorKind string

const (
	NoNetwork        ErrorKind = "NoNetwork"
	CorruptedData    ErrorKind = "CorruptedData"
	NotFound         ErrorKind = "NotFound"
	CreateFileFailed ErrorKind = "CreateFileFailed"
	WriteFileFailed  ErrorKind = "WriteFileFailed"
)

// Error is a typed, recoverable library failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Sentinels for errors.Is comparisons. Any *Error of the same kind matches.
var (
	ErrNoNetwork        = &Error{Kind: NoNetwork}
	ErrCorruptedData    = &Error{Kind: CorruptedData}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrCreateFileFailed = &Error{Kind: CreateFileFailed}
	ErrWriteFileFailed  = &Error{Kind: WriteFileFailed}
)

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NotFoundf builds a NotFound error with a formatted description.
func NotFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: NotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
