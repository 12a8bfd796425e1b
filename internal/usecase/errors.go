package usecase

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorMissingIdentity  ErrorCode = "MISSING_IDENTITY"
	ErrorMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrorStoreTimeout     ErrorCode = "STORE_TIMEOUT"
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorBreakerOpen      ErrorCode = "BREAKER_OPEN"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError classifies a store adapter failure.
func storeError(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorStoreTimeout, reason, err)
	}
	return newError(ErrorStoreUnavailable, reason, err)
}

// IsStoreFailure reports whether err should count against the breaker.
func IsStoreFailure(err error) bool {
	var ucErr *Error
	if !errors.As(err, &ucErr) {
		return false
	}
	return ucErr.Code == ErrorStoreTimeout || ucErr.Code == ErrorStoreUnavailable
}

// ErrorCodeOf returns the code carried by err, or "" when err is not an *Error.
func ErrorCodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ""
}
