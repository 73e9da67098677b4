// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the input failed validation. Wrap it with the
// offending field so callers can surface the message.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a state machine transition that is not
// allowed from the entity's current state.
var ErrInvalidTransition = errors.New("invalid state transition")
