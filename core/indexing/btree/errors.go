package btree

import "errors"

// --- Error Definitions ---

var (
	ErrTreeNotInitialized = errors.New("btree is not initialized properly")
	ErrEmptyKey           = errors.New("btree key must not be empty")
	ErrEntryTooLarge      = errors.New("btree entry exceeds the per-node entry budget")
)
