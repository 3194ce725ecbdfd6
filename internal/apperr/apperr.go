// Package apperr defines the typed errors that cross the boundary between
// services and the HTTP layer. Every error a caller may see has a Kind, a
// stable machine code and a human-readable message; anything else is
// treated as internal and never rendered.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindInvalidToken
	KindTokenExpired
	KindInviteAlreadyUsed
	KindValidation
	KindNotFound
	KindConflict
)

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidToken, KindTokenExpired, KindInviteAlreadyUsed, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error returns the message and, when present, the cause.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap returns an Error of the given kind that keeps cause for logging.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// Unauthenticated reports a missing or unusable credential (401).
func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, "unauthenticated", message)
}

// Forbidden reports an authenticated caller acting outside its rights (403).
func Forbidden(message string) *Error {
	return New(KindForbidden, "forbidden", message)
}

// InvalidToken reports a malformed, unknown or wrongly typed token (400).
func InvalidToken(message string) *Error {
	return New(KindInvalidToken, "invalid_token", message)
}

// TokenExpired reports a token or code past its expiry (400).
func TokenExpired(message string) *Error {
	return New(KindTokenExpired, "token_expired", message)
}

// InviteAlreadyUsed reports an invite that was already accepted (400).
func InviteAlreadyUsed(message string) *Error {
	return New(KindInviteAlreadyUsed, "invite_already_used", message)
}

// Validation reports bad input (400).
func Validation(message string) *Error {
	return New(KindValidation, "validation_failed", message)
}

// NotFound reports a missing record (404).
func NotFound(message string) *Error {
	return New(KindNotFound, "not_found", message)
}

// Conflict reports a clash with existing state (409).
func Conflict(message string) *Error {
	return New(KindConflict, "conflict", message)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
