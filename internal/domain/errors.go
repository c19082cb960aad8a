package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy reported to clients. Only
// KindTransient is retryable; everything else is terminal on first failure.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindDuplicateRequest  ErrorKind = "duplicate_request"
	KindTransient         ErrorKind = "transient_error"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindNotFound          ErrorKind = "not_found"
	KindInternal          ErrorKind = "internal_error"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ValidationError marks bad input. Never retried, surfaced verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks an infrastructure hiccup worth retrying: lock
// contention, serialization failures, broken connections.
type TransientError struct {
	cause error
}

func (e *TransientError) Error() string { return "transient: " + e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{cause: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// KindOf maps an error to its taxonomy bucket.
func KindOf(err error) ErrorKind {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case IsTransient(err):
		return KindTransient
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrDuplicateRequest):
		return KindDuplicateRequest
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWalletNotFound):
		return KindNotFound
	case errors.As(err, &ve):
		return KindValidation
	default:
		return KindInternal
	}
}
