package data

import "errors"

var (
	// ErrEntityDeleted indicates a mutation of an entity that is deleted locally
	ErrEntityDeleted = errors.New("entity is deleted")

	// ErrEmptyPatch indicates an update without fields
	ErrEmptyPatch = errors.New("update requires at least one field")
)
