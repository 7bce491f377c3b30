// Package core defines sentinel errors.
package core

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidPolicy     ErrorCode = "INVALID_POLICY"
	CodePolicyNotFound    ErrorCode = "POLICY_NOT_FOUND"
	CodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	CodeAmbiguousMutation ErrorCode = "AMBIGUOUS_MUTATION"
	CodeCanceled          ErrorCode = "CANCELED"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so wrapped instances compare equal to sentinels.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidInput indicates request validation failures.
var ErrInvalidInput = &AppError{Code: CodeInvalidInput, Message: "invalid input"}

// ErrInvalidPolicy indicates a policy that fails validation at load time.
var ErrInvalidPolicy = &AppError{Code: CodeInvalidPolicy, Message: "invalid policy"}

// ErrPolicyNotFound indicates an unknown policy id.
var ErrPolicyNotFound = &AppError{Code: CodePolicyNotFound, Message: "policy not found"}

// ErrStoreUnavailable indicates the counter store could not be reached and the
// mutation is known not to have executed.
var ErrStoreUnavailable = &AppError{Code: CodeStoreUnavailable, Message: "counter store unavailable"}

// ErrAmbiguousMutation indicates a failure after the store operation was
// dispatched; the counter mutation may or may not have applied.
var ErrAmbiguousMutation = &AppError{Code: CodeAmbiguousMutation, Message: "store mutation outcome unknown"}
