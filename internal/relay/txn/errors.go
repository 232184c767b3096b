package txn

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidIntent       = errors.New("invalid intent")
	ErrKeyUnavailable      = errors.New("signing key unavailable")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("transaction not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrUnsupportedMethod   = errors.New("unsupported method")
	ErrConflict            = errors.New("concurrent record modification")
	ErrDuplicate           = errors.New("duplicate record")
	ErrNotCancellable      = errors.New("transaction can no longer be cancelled")
)

// RejectionClass classifies why a node refused a raw transaction.
type RejectionClass string

const (
	RejectionUnderpriced       RejectionClass = "underpriced"
	RejectionNonceTooLow       RejectionClass = "nonce_too_low"
	RejectionInsufficientFunds RejectionClass = "insufficient_funds"
	RejectionUnknown           RejectionClass = "unknown"
)

// NodeRejectedError is returned when the node refused a broadcast.
type NodeRejectedError struct {
	Class RejectionClass
	Err   error
}

func (e *NodeRejectedError) Error() string {
	return fmt.Sprintf("node rejected transaction (%s): %v", e.Class, e.Err)
}

func (e *NodeRejectedError) Unwrap() error {
	return e.Err
}

// Invalid wraps ErrInvalidIntent with a reason.
func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidIntent, format, args...)
}

// RejectionOf returns the classified rejection carried by err, if any.
func RejectionOf(err error) (*NodeRejectedError, bool) {
	var rejected *NodeRejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}

	return nil, false
}
