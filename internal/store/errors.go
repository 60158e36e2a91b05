package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both a namespace that was never created and a key
	// that was never written — callers must not need to tell them apart.
	ErrNotFound = errors.New("entry not found")

	// ErrBlocked means another session holds an incompatible connection.
	// Surfaced to the user ("close other sessions"), never retried here.
	ErrBlocked = errors.New("database blocked by another session")

	// ErrVersionConflict means the cached schema version went stale.
	ErrVersionConflict = errors.New("schema version conflict")

	// ErrTxAborted means a write transaction failed after the point of no return.
	ErrTxAborted = errors.New("transaction aborted")
)

// VersionError is the terminal form of ErrVersionConflict, returned once the
// retry budget is exhausted.
type VersionError struct {
	Cached int64
	Stored int64
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("schema version conflict after retries: cached %d, stored %d", e.Cached, e.Stored)
}

func (e *VersionError) Unwrap() error { return ErrVersionConflict }
