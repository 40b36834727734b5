package domain

import "errors"

var (
	// ErrValidation marks a malformed request. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized means the actor is not a member of an affected board.
	ErrUnauthorized = errors.New("actor is not a board member")
	// ErrNotFound means the item, a neighbour or the destination no longer exists.
	ErrNotFound = errors.New("item not found")
	// ErrInvalidTarget means the destination or neighbours cannot hold the item.
	ErrInvalidTarget = errors.New("invalid move target")
	// ErrConflict means the move lost an optimistic race; refetch and retry.
	ErrConflict = errors.New("move conflict")

	// ErrConcurrencyConflict indicates that the underlying storage rejected a write
	// because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrPrecisionExhausted is returned by Allocate when no key fits between the bounds.
	ErrPrecisionExhausted = errors.New("order key precision exhausted")
	// ErrInvalidBounds is returned by Allocate when before is not less than after.
	ErrInvalidBounds = errors.New("order key bounds out of order")
)
