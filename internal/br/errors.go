package br

import (
	"errors"
	"fmt"
)

// Transfer failure kinds. Match with errors.Is.
var (
	// ErrSizeUnavailable: the source size could not be determined. Not retried.
	ErrSizeUnavailable = errors.New("size unavailable")
	// ErrVerificationFailed: the destination size did not match after a transfer.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrExhausted: every attempt failed; wraps the last cause.
	ErrExhausted = errors.New("retries exhausted")
	// ErrInvalidState: the local artifact is larger than the remote one.
	ErrInvalidState = errors.New("invalid state")
	// ErrCancelled: the transfer was cancelled between chunks.
	ErrCancelled = errors.New("cancelled")
)

// ErrNotFound is returned by Mirror.Get for a missing key.
var ErrNotFound = errors.New("not found")

// TransferError reports a failed transfer of one artifact.
type TransferError struct {
	Kind        error
	Artifact    string
	Transferred int64
	Attempts    int
	Err         error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("transfer of %s: %v after %d bytes", e.Artifact, e.Kind, e.Transferred)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (%d attempts)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches the failure kind so errors.Is(err, ErrExhausted) works while the
// cause stays reachable through Unwrap.
func (e *TransferError) Is(target error) bool { return target == e.Kind }

// IsCancelled reports whether err is a user cancellation rather than a failure.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }
