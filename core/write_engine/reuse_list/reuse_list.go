// Package reuselist implements the per-cache pool of fully emptied,
// recyclable pages. It is the first place new page requests are satisfied
// from, and the place pages go when a data structure finishes with them.
package reuselist

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	internaltelemetry "github.com/cachegrid/cachegrid/internal/telemetry"
)

// DefaultStripeCount returns the striping factor used when none is
// configured: twice the available hardware parallelism.
func DefaultStripeCount() int {
	return 2 * runtime.NumCPU()
}

// stripe is one independent sub-pool. Contention is bounded by routing
// callers across stripes instead of serializing them on a single lock.
type stripe struct {
	mu    sync.Mutex
	pages []pagememory.FullPageID
}

// ReuseList is a concurrent pool of recyclable pages for a single cache.
// The total set of pages held across all stripes equals exactly the pages
// that have been released and not yet re-allocated.
type ReuseList struct {
	cacheID uint32
	stripes []*stripe
	size    atomic.Int64
	next    atomic.Uint64 // rotates the home stripe for Allocate

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// New creates a reuse list for the given cache. A non-positive stripeCount
// falls back to DefaultStripeCount. The metrics bundle may be nil.
func New(cacheID uint32, stripeCount int, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *ReuseList {
	if stripeCount <= 0 {
		stripeCount = DefaultStripeCount()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stripes := make([]*stripe, stripeCount)
	for i := range stripes {
		stripes[i] = &stripe{}
	}
	logger.Debug("Created reuse list", zap.Uint32("cacheId", cacheID), zap.Int("stripes", stripeCount))
	return &ReuseList{
		cacheID: cacheID,
		stripes: stripes,
		logger:  logger,
		metrics: metrics,
	}
}

// Allocate removes and returns an available page if the pool is non-empty.
// The second return value is false when the pool is empty and the caller
// should allocate a brand-new page from the substrate. The caller's home
// stripe is tried first, then the remaining stripes, so recyclable pages in
// other shards are preferred over spurious substrate allocations.
func (rl *ReuseList) Allocate() (pagememory.FullPageID, bool) {
	if rl.size.Load() == 0 {
		return pagememory.InvalidPageID, false
	}
	n := len(rl.stripes)
	home := int(rl.next.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		s := rl.stripes[(home+i)%n]
		s.mu.Lock()
		if last := len(s.pages) - 1; last >= 0 {
			id := s.pages[last]
			s.pages = s.pages[:last]
			s.mu.Unlock()
			rl.size.Add(-1)
			if rl.metrics != nil {
				rl.metrics.PagesReusedCounter.Add(context.Background(), 1)
			}
			return id, true
		}
		s.mu.Unlock()
	}
	return pagememory.InvalidPageID, false
}

// Release inserts a page into the pool, making it eligible for future
// Allocate calls from any structure sharing this list. The page is routed to
// a stripe by its identity hash.
func (rl *ReuseList) Release(id pagememory.FullPageID) {
	if !id.Valid() {
		rl.logger.Warn("Ignoring release of invalid page id", zap.Uint32("cacheId", rl.cacheID))
		return
	}
	s := rl.stripes[id.Hash()%uint64(len(rl.stripes))]
	s.mu.Lock()
	s.pages = append(s.pages, id)
	s.mu.Unlock()
	rl.size.Add(1)
	if rl.metrics != nil {
		rl.metrics.PagesReleasedCounter.Add(context.Background(), 1)
	}
}

// Len returns the number of pages currently held across all stripes.
func (rl *ReuseList) Len() int {
	return int(rl.size.Load())
}

// StripeCount returns the configured striping factor.
func (rl *ReuseList) StripeCount() int {
	return len(rl.stripes)
}

// CacheID returns the cache this list belongs to.
func (rl *ReuseList) CacheID() uint32 {
	return rl.cacheID
}
