// Package errs defines the error taxonomy shared by every task.
//
// Fetch and Store errors are transient and retried with bounded backoff by the
// owning task. Config errors are fatal and surface immediately. Integrity errors
// describe data that was accepted but looks inconsistent (for example a conversion
// whose click was never seen); they are reported, never used to abort a cycle.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindFetch     Kind = "fetch"
	KindStore     Kind = "store"
	KindConfig    Kind = "config"
	KindIntegrity Kind = "integrity"
	KindBusy      Kind = "busy"
	KindUnknown   Kind = "unknown"
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetch wraps an upstream failure (network, 5xx, malformed page).
func Fetch(op string, err error) *Error {
	return &Error{Kind: KindFetch, Op: op, Err: err}
}

// Store wraps a failed transactional write or read.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// Config reports an invalid parameter.
func Config(op string, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// Integrity reports a data integrity warning.
func Integrity(op string, format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// Busy reports that another run holds the lease for the same work.
func Busy(op string, err error) *Error {
	return &Error{Kind: KindBusy, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindFetch, KindStore:
		return true
	default:
		return false
	}
}
