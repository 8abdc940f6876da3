package repository

import "errors"

// Common repository errors that can be checked with errors.Is()
var (
	// ErrNotFound is returned when a lease is not found
	ErrNotFound = errors.New("lease not found")

	// ErrCorruptStore is returned when persisted state cannot be parsed at
	// startup. The server must refuse to start in that case.
	ErrCorruptStore = errors.New("lease store is corrupt")
)
