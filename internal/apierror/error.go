// Package apierror defines the client-facing error kinds returned by the
// directory service. Transports map each Kind to their own status codes.
package apierror

import (
	"errors"
	"fmt"
)

// Kind classifies an error the client can act on.
type Kind int

const (
	// KindValidation marks malformed or missing input.
	KindValidation Kind = iota + 1
	// KindConflict marks a uniqueness violation.
	KindConflict
	// KindNotFound marks an operation on an unknown id.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified error with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation returns a validation error.
func NewValidation(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// NewConflict returns a conflict error.
func NewConflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// NewNotFound returns a not-found error.
func NewNotFound(message string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

// NewErrEmailRequired reports a missing email.
func NewErrEmailRequired() *Error {
	return NewValidation("email is required", nil)
}

// NewErrEmailTaken reports an email already held by another user.
func NewErrEmailTaken(email string, err error) *Error {
	return NewConflict(fmt.Sprintf("email %s is already in use", email), err)
}

// NewErrUserNotFound reports an unknown user id.
func NewErrUserNotFound(id string) *Error {
	return NewNotFound(fmt.Sprintf("user %s not found", id), nil)
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
