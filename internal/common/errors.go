// Package common defines shared sentinel errors used across the server
// layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")

	// Validation errors (malformed keys, size limits), rejected pre-mutation.
	ErrValidation = errors.New("validation error")

	// Authorization errors.
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidToken = errors.New("invalid token")

	// Pairing token past its TTL.
	ErrExpired = errors.New("expired")

	// Soft transport failure: triggers retry/queue, never surfaced as a
	// hard failure until retries exhaust.
	ErrTransport = errors.New("transport failure")
)
