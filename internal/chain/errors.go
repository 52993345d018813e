package chain

import (
	"errors"
	"fmt"
)

// Kind classifies ledger-facing failures.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindLedgerUnavailable     Kind = "ledger_unavailable"
	KindLedgerRejected        Kind = "ledger_rejected"
	KindConcurrentLinkageLost Kind = "concurrent_linkage_lost"
)

var (
	ErrInvalidInput          = errors.New("invalid_input")
	ErrLedgerUnavailable     = errors.New("ledger_unavailable")
	ErrLedgerRejected        = errors.New("ledger_rejected")
	ErrConcurrentLinkageLost = errors.New("concurrent_linkage_lost")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidInput:
		return ErrInvalidInput
	case KindLedgerRejected:
		return ErrLedgerRejected
	case KindConcurrentLinkageLost:
		return ErrConcurrentLinkageLost
	default:
		return ErrLedgerUnavailable
	}
}

// Error is a classified failure from a ledger operation. It matches both its
// kind sentinel and the underlying cause under errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// ErrorKind exposes the kind to error classifiers that cannot import this package.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidInput(op string, err error) error {
	return newError(KindInvalidInput, op, err)
}

func Unavailable(op string, err error) error {
	return newError(KindLedgerUnavailable, op, err)
}

func Rejected(op string, err error) error {
	return newError(KindLedgerRejected, op, err)
}

// KindOf returns the classified kind of err. Unclassified errors and context
// cancellation count as unavailable, since both are safe to retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrLedgerRejected):
		return KindLedgerRejected
	case errors.Is(err, ErrConcurrentLinkageLost):
		return KindConcurrentLinkageLost
	default:
		return KindLedgerUnavailable
	}
}

// Retryable reports whether a later attempt could succeed without intervention.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindLedgerUnavailable
}
