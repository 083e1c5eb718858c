package storage

import "errors"

// Common client storage errors
var (
	// ErrEntityNotFound indicates that entity is not cached locally
	ErrEntityNotFound = errors.New("entity not found")

	// ErrMetadataNotFound indicates that metadata key was never saved
	ErrMetadataNotFound = errors.New("metadata not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
