package mail

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when an item does not exist.
	ErrNotFound = errors.New("queue item not found")

	// ErrClaimLost is returned by guarded updates when the item is no longer held
	// by the claim that tried to update it.
	ErrClaimLost = errors.New("queue item claim lost")

	// ErrInvalidItem wraps every enqueue validation failure.
	ErrInvalidItem = errors.New("invalid queue item")

	// ErrTransportDisabled is returned when sending is switched off in the settings.
	ErrTransportDisabled = errors.New("mail transport disabled")

	// ErrIncompleteSettings is returned when the transport settings lack host or credentials.
	ErrIncompleteSettings = errors.New("mail transport settings incomplete")
)

// ErrorKind classifies a delivery failure.
type ErrorKind int

const (
	// Transient failures are retried on a later dispatch cycle.
	Transient ErrorKind = iota
	// Permanent failures mark the item failed without further attempts.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// TransportError is returned by transports so the dispatcher can decide between
// retrying and giving up.
type TransportError struct {
	Kind ErrorKind
	// Op names the transport step that failed, e.g. "dial", "auth", "rcpt", "send".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s transport error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s transport error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable transport failure.
func NewTransientError(op string, err error) *TransportError {
	return &TransportError{Kind: Transient, Op: op, Err: err}
}

// NewPermanentError wraps err as a non-retryable transport failure.
func NewPermanentError(op string, err error) *TransportError {
	return &TransportError{Kind: Permanent, Op: op, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors are
// treated as transient.
func IsPermanent(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == Permanent
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// isTimeout reports whether the error came from an expired send deadline.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
