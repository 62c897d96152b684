package database

import "errors"

// --- Error Definitions ---

var (
	ErrDuplicatePrimaryIndex = errors.New("a primary index is already registered for this manager")
	ErrInvariantViolation    = errors.New("storage management invariant violated (programming error)")
	ErrNilTable              = errors.New("table descriptor must not be nil")
	ErrEmptyIndexName        = errors.New("index name must not be empty")
	ErrManagerClosed         = errors.New("storage manager is closed")
)
