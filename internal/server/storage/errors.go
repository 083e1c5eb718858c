package storage

import "errors"

// Common storage errors
var (
	// ErrEntityNotFound indicates that entity (or its historical version) was not found
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVersionMismatch indicates that stored version changed since it was read
	ErrVersionMismatch = errors.New("entity version mismatch")

	// ErrOperationNotFound indicates that operation was never processed
	ErrOperationNotFound = errors.New("operation not processed")

	// ErrOperationProcessed indicates that another commit already recorded a result for the operation
	ErrOperationProcessed = errors.New("operation already processed")

	// ErrConflictNotFound indicates that conflict record was not found
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
