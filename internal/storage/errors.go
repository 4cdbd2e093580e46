package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when a uniqueness constraint would be violated.
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrInvalidState is returned when a state transition is not permitted.
	ErrInvalidState = errors.New("storage: invalid state transition")
)
