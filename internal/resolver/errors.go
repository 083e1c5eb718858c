package resolver

import "errors"

var (
	// ErrMergedDataRequired indicates explicit resolution without a merged payload
	ErrMergedDataRequired = errors.New("merged_data is required for explicit resolution")

	// ErrAlreadyResolved indicates an attempt to resolve a conflict twice
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrUnknownStrategy indicates a strategy name that is not registered
	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrEntityMissing indicates that the conflicted entity no longer exists
	ErrEntityMissing = errors.New("conflicted entity no longer exists")
)
