package pagememory

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// FullPageID identifies exactly one page's storage slot for the lifetime of
// that page's current occupant. It is unique process-wide: the cache ID scopes
// the page number to one cache's page file.
type FullPageID struct {
	CacheID uint32
	PageNo  uint64
}

// InvalidPageID is the zero FullPageID. Page number 0 is always the cache
// file's header page, so no data page ever carries it.
var InvalidPageID = FullPageID{}

// Valid reports whether the id refers to a data page.
func (id FullPageID) Valid() bool {
	return id.PageNo != 0
}

// Bytes returns the fixed 12-byte encoding of the id (cache id, then page number).
func (id FullPageID) Bytes() [12]byte {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], id.CacheID)
	binary.LittleEndian.PutUint64(b[4:12], id.PageNo)
	return b
}

// Hash returns a stable 64-bit hash of the id, used for stripe routing.
func (id FullPageID) Hash() uint64 {
	b := id.Bytes()
	return xxhash.Sum64(b[:])
}

func (id FullPageID) String() string {
	return fmt.Sprintf("cache=%d:page=%d", id.CacheID, id.PageNo)
}
