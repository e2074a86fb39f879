// Package common defines shared sentinel errors used across the server
// layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")

	// Sync lifecycle errors.
	ErrAlreadySyncing = errors.New("a synchronization is already in progress")

	// Bits storage errors.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidRange     = errors.New("invalid byte range")
	ErrBitsNotLoaded    = errors.New("package bits not loaded")
)
