// Package metadirectory resolves named index roots. Each (cache, index name)
// pair maps to exactly one root page for the lifetime of the directory;
// repeated resolutions of the same name are idempotent.
package metadirectory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
)

// --- Error Definitions ---

var (
	ErrEmptyName = errors.New("index name must not be empty")
)

type rootKey struct {
	cacheID uint32
	name    string
}

// MetaDirectory maps index names to their root pages. Roots are allocated
// from page memory on first resolution and pinned for the directory's
// lifetime: a root page id handed out once is never re-issued under a
// different name and never recycled while the directory holds it.
type MetaDirectory struct {
	mem pagememory.PageMemory

	mu    sync.Mutex
	roots map[rootKey]pagememory.FullPageID

	logger *zap.Logger
}

// New creates an empty meta directory over the given page memory.
func New(mem pagememory.PageMemory, logger *zap.Logger) *MetaDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetaDirectory{
		mem:    mem,
		roots:  make(map[rootKey]pagememory.FullPageID),
		logger: logger,
	}
}

// GetOrAllocateRoot returns the root page for the named index, allocating a
// fresh page on the first call. wasAllocated is true only on the call that
// performed the allocation; every later call for the same (cache, name)
// returns the identical page id with wasAllocated false.
//
// A failed allocation leaves no entry behind, so a retry after the substrate
// recovers behaves like a first call.
func (md *MetaDirectory) GetOrAllocateRoot(cacheID uint32, name string) (pagememory.FullPageID, bool, error) {
	if name == "" {
		return pagememory.InvalidPageID, false, ErrEmptyName
	}
	key := rootKey{cacheID: cacheID, name: name}

	md.mu.Lock()
	defer md.mu.Unlock()

	if id, ok := md.roots[key]; ok {
		return id, false, nil
	}

	id, err := md.mem.AllocatePage(cacheID)
	if err != nil {
		return pagememory.InvalidPageID, false, fmt.Errorf("allocating root for index %q: %w", name, err)
	}
	md.roots[key] = id
	md.logger.Debug("Allocated index root",
		zap.Uint32("cacheId", cacheID),
		zap.String("idxName", name),
		zap.String("rootPageId", id.String()))
	return id, true, nil
}

// Roots returns the registered index names of a cache in sorted order.
func (md *MetaDirectory) Roots(cacheID uint32) []string {
	md.mu.Lock()
	defer md.mu.Unlock()

	var names []string
	for key := range md.roots {
		if key.cacheID == cacheID {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of registered roots across all caches.
func (md *MetaDirectory) Len() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return len(md.roots)
}
