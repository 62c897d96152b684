package pagememory

import "errors"

// --- Error Definitions ---

var (
	ErrStorageExhausted  = errors.New("page memory cannot supply a new page (capacity reached)")
	ErrPageNotFound      = errors.New("page not found in page memory")
	ErrInvalidPageID     = errors.New("invalid page id")
	ErrInvalidPageData   = errors.New("invalid page data")
	ErrChecksumMismatch  = errors.New("page checksum mismatch, data corruption suspected")
	ErrSerialization     = errors.New("error during serialization")
	ErrDeserialization   = errors.New("error during deserialization")
	ErrIO                = errors.New("i/o error")
	ErrDBFileExists      = errors.New("cache data file already exists")
	ErrDBFileNotFound    = errors.New("cache data file not found")
	ErrPageMemoryClosed  = errors.New("page memory is closed")
	ErrPageSizeMismatch  = errors.New("page buffer size does not match configured page size")
	ErrHeaderCorrupted   = errors.New("cache data file header is corrupted")
	ErrInvariantViolated = errors.New("storage invariant violated (programming error)")
)
