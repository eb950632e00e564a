package data

import "errors"

// Sentinel errors shared across stores and services. Handlers map these to
// transport-level codes; anything else is treated as a storage failure.
var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidState   = errors.New("invalid state")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrDuplicate      = errors.New("already exists")
)
