// Package apperr defines the error taxonomy shared by the store, services and
// transports. Every failure that reaches a client carries one of the codes below.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyUsed      Code = "ALREADY_USED"
	CodeExpired          Code = "EXPIRED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeConflict         Code = "CONFLICT"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any *AppError with the same code, so sentinel values below work
// with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func NotFound(msg string) error         { return New(CodeNotFound, msg) }
func InvalidArgument(msg string) error  { return New(CodeInvalidArgument, msg) }
func PermissionDenied(msg string) error { return New(CodePermissionDenied, msg) }
func Unauthenticated(msg string) error  { return New(CodeUnauthenticated, msg) }

// Unavailable marks a storage or dependency failure the caller may retry.
func Unavailable(msg string, cause error) error {
	return Wrap(CodeUnavailable, msg, cause)
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrAlreadyUsed      = New(CodeAlreadyUsed, "code already used")
	ErrExpired          = New(CodeExpired, "code expired")
	ErrInvalidArgument  = New(CodeInvalidArgument, "invalid argument")
	ErrPermissionDenied = New(CodePermissionDenied, "permission denied")
	ErrConflict         = New(CodeConflict, "conflict")
	ErrUnavailable      = New(CodeUnavailable, "unavailable")
	ErrUnauthenticated  = New(CodeUnauthenticated, "unauthenticated")
)

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// MessageOf returns the client-facing message for err. Causes of unknown
// errors are not exposed.
func MessageOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
