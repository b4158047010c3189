package types

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork covers timeouts, connection resets and remote
	// "unavailable" answers. Retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRemoteRejection is an explicit business-logic rejection by the remote service.
	ErrRemoteRejection = errors.New("rejected by remote service")
	// ErrStorage is an I/O failure of the durable store.
	ErrStorage = errors.New("storage error")
	// ErrRaceLoss means the challenge was claimed by another solution before
	// an accepted one could be applied locally.
	ErrRaceLoss = errors.New("lost race")
	// ErrFatalConfig prevents the orchestrator from starting.
	ErrFatalConfig = errors.New("fatal configuration error")
)

// StorageError wraps a failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsRetryable reports whether err should be retried by the core retry policy.
// Rejections, lost races, storage failures and config errors are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRemoteRejection),
		errors.Is(err, ErrRaceLoss),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrFatalConfig):
		return false
	default:
		return true
	}
}

// RejectionError carries the remote service's reason for a rejection.
type RejectionError struct {
	Status int
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Status == 0 {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected (status %d): %s", e.Status, e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRemoteRejection
}
