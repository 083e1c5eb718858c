package oplog

import "errors"

var (
	// ErrLogFull indicates that the log is at capacity and nothing can be purged
	ErrLogFull = errors.New("operation log is full")

	// ErrOperationNotFound indicates that no entry has the given operation id
	ErrOperationNotFound = errors.New("operation not found in log")

	// ErrConflictNotFound indicates that no conflicted entry has the given conflict id
	ErrConflictNotFound = errors.New("conflict not found in log")
)
