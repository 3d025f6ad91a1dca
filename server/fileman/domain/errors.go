package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindIntegrity     ErrorKind = "integrity"
	KindAuthorization ErrorKind = "authorization"
	KindRateLimited   ErrorKind = "rate_limited"
	KindNotFound      ErrorKind = "not_found"
	KindStore         ErrorKind = "store"
)

// Error is the tagged outcome of a failed pipeline stage.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrIntegrity     = &Error{Kind: KindIntegrity}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrRateLimited   = &Error{Kind: KindRateLimited}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrStore         = &Error{Kind: KindStore}
)

// ErrSecureIDConflict signals a unique constraint hit on secure_file_id.
var ErrSecureIDConflict = errors.New("secure file id already exists")

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Integrity(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

func AccessDenied(cause error) *Error {
	return &Error{Kind: KindAuthorization, Message: "access denied", Err: cause}
}

func RateLimited(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func StoreFailure(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op + " failed", Err: err}
}

// KindOf extracts the kind of err, treating unknown errors as store failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}
