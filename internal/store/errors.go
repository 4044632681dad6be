package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrVersionConflict indicates a stale optimistic-concurrency version.
	ErrVersionConflict = errors.New("version conflict")
)

// VersionConflictError reports which entity carried the stale version so API
// glue can tell reviewers exactly what to reload.
type VersionConflictError struct {
	Entity   string
	ID       string
	Expected int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: stored version differs from expected version %d", e.Entity, e.ID, e.Expected)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

func newVersionConflict(entity, id string, expected int64) error {
	return &VersionConflictError{Entity: entity, ID: id, Expected: expected}
}
