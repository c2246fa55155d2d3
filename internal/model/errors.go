package model

import "errors"

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmail is returned when the store rejects a write on its unique email index.
	ErrDuplicateEmail = errors.New("duplicate email")
	// ErrInvalidInput is returned when the store rejects the shape of a value.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConcurrentModification is returned when a record changed between read and write.
	ErrConcurrentModification = errors.New("record was modified concurrently")
)
