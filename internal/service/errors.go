package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the candidate session lifecycle. Handlers map these to
// HTTP status codes and response.ErrCode values.
var (
	// ErrInvalidCredentials is returned on a failed email/password check.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionAlreadyActive rejects a login while another device holds the session.
	ErrSessionAlreadyActive = errors.New("another session is already active, please contact the administrator to reset")

	// ErrNotEligible means the candidate is not on the roster for this form.
	ErrNotEligible = errors.New("candidate is not eligible for this form")

	// ErrFormNotAvailable means the form is not published.
	ErrFormNotAvailable = errors.New("form is not available")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict means a submission already exists in terminal status for
	// the (candidate, form) pair. Non-retryable; surfaced verbatim.
	ErrConflict = errors.New("submission already finalized")

	// ErrInvalidState means an edit was attempted on a terminal submission.
	// Non-retryable logic error; must fail loudly.
	ErrInvalidState = errors.New("submission is no longer editable")
)

// TransientError marks a retryable infrastructure failure (network, DB,
// Redis) as distinct from the terminal lifecycle errors above.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err yields nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
