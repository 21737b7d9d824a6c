package locker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a referenced entry, blob or share does not exist
	// (or is soft-deleted, for entries).
	ErrNotFound = errors.New("not found")

	// ErrInvalidParent means the parent is missing, deleted, not a folder,
	// or owned by someone else.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrNameConflict means a live sibling already uses the name.
	ErrNameConflict = errors.New("name conflict")

	// ErrCycleDetected means a move would make a folder its own ancestor.
	ErrCycleDetected = errors.New("cycle detected")

	ErrInvalidName  = errors.New("invalid name")
	ErrInvalidShare = errors.New("invalid share")

	// ErrPermissionDenied is returned by operations that require access the
	// principal does not have. Resolve itself reports Deny, not this error.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotDeleted means a purge or restore targeted a live entry.
	ErrNotDeleted = errors.New("entry is not deleted")

	// ErrConflict means a storage transaction kept conflicting after retries.
	ErrConflict = errors.New("storage conflict")

	// ErrStagingFull means staging the stream would exceed the staging area's capacity.
	ErrStagingFull = errors.New("staging area full")

	// ErrIngest matches every *IngestError via errors.Is.
	ErrIngest = errors.New("ingest failed")
)

// IngestError reports a failure while hashing and staging an upload stream.
// The partial staging file has already been discarded when it is returned.
// Callers may retry with a fresh stream.
type IngestError struct {
	Op  string
	Err error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *IngestError) Unwrap() []error {
	return []error{ErrIngest, e.Err}
}
