// Package freelist tracks partially filled pages bucketed by remaining free
// space, steering row inserts toward pages with enough room. Fresh pages are
// borrowed from the reuse list first, falling through to the page memory
// substrate; pages emptied by removes are handed back to the reuse list.
package freelist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	reuselist "github.com/cachegrid/cachegrid/core/write_engine/reuse_list"
	internaltelemetry "github.com/cachegrid/cachegrid/internal/telemetry"
)

// --- Error Definitions ---

var (
	ErrRowNotFound = errors.New("row not found in free list bookkeeping")
	ErrRowTooLarge = errors.New("row does not fit into a single page")
	ErrRowEmpty    = errors.New("row must not be empty")
)

const (
	// rowLenSize is the uint16 length prefix written in front of every row.
	rowLenSize = 2

	// DefaultBucketCount partitions the page capacity into free-space size
	// classes so that "find a page with >= N free bytes" is a bucket lookup.
	DefaultBucketCount = 8

	// bucket index values stored in pageEntry.bucketIdx while the page is
	// not parked in any bucket.
	claimed = -1
	retired = -2
)

// RowID addresses one live row: the page holding it and the row's byte
// offset within that page.
type RowID struct {
	PageID pagememory.FullPageID
	Offset uint16
}

func (r RowID) String() string {
	return fmt.Sprintf("%v@%d", r.PageID, r.Offset)
}

// extent is a contiguous run of free bytes within a page.
type extent struct {
	off int
	len int
}

// pageEntry is the free list's bookkeeping for one tracked page. An entry is
// always in exactly one of three states: parked in one bucket (bucketIdx >= 0),
// claimed by the single operation mutating it (claimed), or retired to the
// reuse list (retired). Claiming is what serializes same-page operations.
type pageEntry struct {
	id        pagememory.FullPageID
	bucketIdx atomic.Int32

	// The fields below are owned by whoever holds the claim.
	free    int
	extents []extent
	rows    map[uint16]uint16 // offset -> total length including prefix
}

// bucket is one free-space size class.
type bucket struct {
	mu    sync.Mutex
	pages map[pagememory.FullPageID]*pageEntry
}

// FreeList tracks the partially filled pages of a single cache.
type FreeList struct {
	cacheID  uint32
	mem      pagememory.PageMemory
	reuse    *reuselist.ReuseList
	capacity int // usable bytes per page
	buckets  []*bucket

	mu    sync.RWMutex
	pages map[pagememory.FullPageID]*pageEntry

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// New creates the free list for a cache, backed by the cache's shared reuse
// list. The metrics bundle may be nil.
func New(cacheID uint32, mem pagememory.PageMemory, reuse *reuselist.ReuseList,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *FreeList {
	if logger == nil {
		logger = zap.NewNop()
	}
	buckets := make([]*bucket, DefaultBucketCount)
	for i := range buckets {
		buckets[i] = &bucket{pages: make(map[pagememory.FullPageID]*pageEntry)}
	}
	return &FreeList{
		cacheID:  cacheID,
		mem:      mem,
		reuse:    reuse,
		capacity: mem.PageSize(),
		buckets:  buckets,
		pages:    make(map[pagememory.FullPageID]*pageEntry),
		logger:   logger,
		metrics:  metrics,
	}
}

// bucketFor maps a free-space value onto its size class. A page parked in
// bucket b always has free space >= b's lower bound.
func (fl *FreeList) bucketFor(free int) int {
	return free * len(fl.buckets) / (fl.capacity + 1)
}

// InsertRow writes the row into a tracked page with enough free space,
// borrowing a fresh page from the reuse list (or the substrate) when no
// suitable partial page exists. A substrate failure surfaces as
// pagememory.ErrStorageExhausted with no bookkeeping left behind.
func (fl *FreeList) InsertRow(row []byte) (RowID, error) {
	if len(row) == 0 {
		return RowID{}, ErrRowEmpty
	}
	need := len(row) + rowLenSize
	if need > fl.capacity {
		return RowID{}, fmt.Errorf("%w: row needs %d bytes, page capacity is %d", ErrRowTooLarge, need, fl.capacity)
	}

	// Claimed pages whose recorded free space fits but is too fragmented for
	// a contiguous write are parked back once the insert has found a home.
	var fragmented []*pageEntry
	defer func() {
		for _, e := range fragmented {
			fl.park(e)
		}
	}()

	for {
		e, ok := fl.takeTracked(need)
		if !ok {
			break
		}
		off, ok := e.allocExtent(need)
		if !ok {
			fragmented = append(fragmented, e)
			continue
		}
		return fl.writeRow(e, off, row, false)
	}

	// No tracked page fits: reuse-list first, then the substrate.
	id, reused := fl.reuse.Allocate()
	if !reused {
		var err error
		id, err = fl.mem.AllocatePage(fl.cacheID)
		if err != nil {
			return RowID{}, err
		}
	}

	e := &pageEntry{
		id:      id,
		free:    fl.capacity,
		extents: []extent{{off: 0, len: fl.capacity}},
		rows:    make(map[uint16]uint16),
	}
	e.bucketIdx.Store(claimed)
	off, _ := e.allocExtent(need)
	return fl.writeRow(e, off, row, true)
}

// writeRow performs the page write for a claimed entry and parks it under
// its new free-space bucket. fresh marks entries not yet registered.
func (fl *FreeList) writeRow(e *pageEntry, off int, row []byte, fresh bool) (RowID, error) {
	need := len(row) + rowLenSize

	data, err := fl.mem.ReadPage(e.id)
	if err == nil {
		binary.LittleEndian.PutUint16(data[off:], uint16(len(row)))
		copy(data[off+rowLenSize:], row)
		err = fl.mem.WritePage(e.id, data)
	}
	if err != nil {
		e.freeExtent(off, need)
		if fresh {
			// The page was never registered; hand it to the reuse list so the
			// substrate allocation is not leaked.
			fl.reuse.Release(e.id)
		} else {
			fl.park(e)
		}
		return RowID{}, err
	}

	e.rows[uint16(off)] = uint16(need)
	e.free -= need

	if fresh {
		fl.mu.Lock()
		fl.pages[e.id] = e
		fl.mu.Unlock()
		if fl.metrics != nil {
			fl.metrics.TrackedPagesUpDown.Add(context.Background(), 1)
		}
	}
	fl.park(e)
	if fl.metrics != nil {
		fl.metrics.RowsInsertedCounter.Add(context.Background(), 1)
	}
	return RowID{PageID: e.id, Offset: uint16(off)}, nil
}

// RemoveRow frees the row's space and re-buckets its page. A page whose free
// space climbs back to the full capacity leaves all free-list bookkeeping and
// is handed to the reuse list.
func (fl *FreeList) RemoveRow(rid RowID) error {
	fl.mu.RLock()
	e, ok := fl.pages[rid.PageID]
	fl.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}
	if !fl.claim(e) {
		return fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}

	length, ok := e.rows[rid.Offset]
	if !ok {
		fl.park(e)
		return fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}

	// Zero the length prefix so a stale row can never be misread.
	data, err := fl.mem.ReadPage(e.id)
	if err == nil {
		binary.LittleEndian.PutUint16(data[rid.Offset:], 0)
		err = fl.mem.WritePage(e.id, data)
	}
	if err != nil {
		fl.park(e)
		return err
	}

	delete(e.rows, rid.Offset)
	e.freeExtent(int(rid.Offset), int(length))
	e.free += int(length)

	if fl.metrics != nil {
		fl.metrics.RowsRemovedCounter.Add(context.Background(), 1)
	}

	if e.free == fl.capacity {
		// Fully empty: retire from free-list bookkeeping and recycle.
		e.bucketIdx.Store(retired)
		fl.mu.Lock()
		delete(fl.pages, e.id)
		fl.mu.Unlock()
		fl.reuse.Release(e.id)
		if fl.metrics != nil {
			fl.metrics.TrackedPagesUpDown.Add(context.Background(), -1)
		}
		fl.logger.Debug("Recycled emptied page", zap.String("pageId", e.id.String()))
		return nil
	}

	fl.park(e)
	return nil
}

// ReadRow returns a copy of the row's bytes.
func (fl *FreeList) ReadRow(rid RowID) ([]byte, error) {
	fl.mu.RLock()
	e, ok := fl.pages[rid.PageID]
	fl.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}
	if !fl.claim(e) {
		return nil, fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}
	defer fl.park(e)

	length, ok := e.rows[rid.Offset]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrRowNotFound, rid)
	}

	data, err := fl.mem.ReadPage(e.id)
	if err != nil {
		return nil, err
	}
	stored := binary.LittleEndian.Uint16(data[rid.Offset:])
	if int(stored) != int(length)-rowLenSize {
		return nil, fmt.Errorf("%w: row prefix %d does not match tracked length %d at %v",
			pagememory.ErrInvalidPageData, stored, length, rid)
	}
	out := make([]byte, stored)
	copy(out, data[int(rid.Offset)+rowLenSize:])
	return out, nil
}

// TrackedPages returns the number of pages currently under free-list
// bookkeeping.
func (fl *FreeList) TrackedPages() int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.pages)
}

// FreeSpace reports the recorded free space of a tracked page, for
// inspection and tests.
func (fl *FreeList) FreeSpace(id pagememory.FullPageID) (int, bool) {
	fl.mu.RLock()
	e, ok := fl.pages[id]
	fl.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if !fl.claim(e) {
		return 0, false
	}
	defer fl.park(e)
	return e.free, true
}

// Capacity returns the usable bytes per page.
func (fl *FreeList) Capacity() int {
	return fl.capacity
}

// takeTracked claims a parked page with at least need bytes of recorded free
// space, searching from the smallest suitable bucket upward. A claimed page
// is removed from its bucket, so concurrent callers never observe the same
// page as available.
func (fl *FreeList) takeTracked(need int) (*pageEntry, bool) {
	for b := fl.bucketFor(need); b < len(fl.buckets); b++ {
		bk := fl.buckets[b]
		bk.mu.Lock()
		for id, e := range bk.pages {
			if e.free >= need {
				delete(bk.pages, id)
				e.bucketIdx.Store(claimed)
				bk.mu.Unlock()
				return e, true
			}
		}
		bk.mu.Unlock()
	}
	return nil, false
}

// claim takes exclusive ownership of a parked entry, removing it from its
// bucket. It returns false if the entry has been retired to the reuse list.
// The wait is bounded by a single page mutation on the other side.
func (fl *FreeList) claim(e *pageEntry) bool {
	for {
		b := e.bucketIdx.Load()
		switch {
		case b == retired:
			return false
		case b == claimed:
			runtime.Gosched()
			continue
		}
		bk := fl.buckets[b]
		bk.mu.Lock()
		if _, ok := bk.pages[e.id]; ok && e.bucketIdx.Load() == b {
			delete(bk.pages, e.id)
			e.bucketIdx.Store(claimed)
			bk.mu.Unlock()
			return true
		}
		bk.mu.Unlock()
	}
}

// park releases a claimed entry into the bucket matching its free space.
func (fl *FreeList) park(e *pageEntry) {
	b := fl.bucketFor(e.free)
	bk := fl.buckets[b]
	bk.mu.Lock()
	bk.pages[e.id] = e
	e.bucketIdx.Store(int32(b))
	bk.mu.Unlock()
}

// allocExtent carves need bytes out of the first free extent that fits.
// Caller owns the claim.
func (e *pageEntry) allocExtent(need int) (int, bool) {
	for i := range e.extents {
		if e.extents[i].len >= need {
			off := e.extents[i].off
			e.extents[i].off += need
			e.extents[i].len -= need
			if e.extents[i].len == 0 {
				e.extents = append(e.extents[:i], e.extents[i+1:]...)
			}
			return off, true
		}
	}
	return 0, false
}

// freeExtent returns a byte range to the free set, merging adjacent extents.
// Caller owns the claim.
func (e *pageEntry) freeExtent(off, length int) {
	e.extents = append(e.extents, extent{off: off, len: length})
	sort.Slice(e.extents, func(i, j int) bool { return e.extents[i].off < e.extents[j].off })
	merged := e.extents[:1]
	for _, ext := range e.extents[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.len == ext.off {
			last.len += ext.len
		} else {
			merged = append(merged, ext)
		}
	}
	e.extents = merged
}
