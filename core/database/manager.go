// Package database is the storage-management context of one cache: it owns
// the cache's page recycling machinery and bootstraps the cache's indexes and
// row store over it.
package database

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cachegrid/cachegrid/core/indexing/btree"
	freelist "github.com/cachegrid/cachegrid/core/write_engine/free_list"
	metadirectory "github.com/cachegrid/cachegrid/core/write_engine/meta_directory"
	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
	reuselist "github.com/cachegrid/cachegrid/core/write_engine/reuse_list"
	internaltelemetry "github.com/cachegrid/cachegrid/internal/telemetry"
)

// Manager bootstraps and owns the storage structures of a single cache. It is
// the only constructor of the cache's reuse list and free list: both are built
// once in NewManager and handed by reference to every index and the row
// store, so all structures of the cache recycle pages through one shared pool.
type Manager struct {
	cacheID uint32
	mem     pagememory.PageMemory
	meta    *metadirectory.MetaDirectory

	reuse *reuselist.ReuseList
	free  *freelist.FreeList

	mu       sync.Mutex
	primary  *Index
	rowStore *RowStore
	indexes  map[string]*Index

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.StorageMetrics
}

// ManagerConfig carries the knobs of a cache's storage manager.
type ManagerConfig struct {
	CacheID uint32 `yaml:"cache_id"`
	// StripeCount overrides the reuse list striping factor; 0 means
	// 2 x NumCPU.
	StripeCount int `yaml:"stripe_count"`
}

// NewManager creates the storage manager for a cache, constructing its reuse
// list and free list. The metrics bundle may be nil.
func NewManager(cfg ManagerConfig, mem pagememory.PageMemory, meta *metadirectory.MetaDirectory,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Manager, error) {
	if mem == nil || meta == nil {
		return nil, fmt.Errorf("%w: page memory and meta directory are required", ErrInvariantViolation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reuse := reuselist.New(cfg.CacheID, cfg.StripeCount, logger, metrics)
	free := freelist.New(cfg.CacheID, mem, reuse, logger, metrics)

	logger.Info("Created storage manager",
		zap.Uint32("cacheId", cfg.CacheID),
		zap.Int("reuseStripes", reuse.StripeCount()),
		zap.Int("pageSize", mem.PageSize()))

	return &Manager{
		cacheID: cfg.CacheID,
		mem:     mem,
		meta:    meta,
		reuse:   reuse,
		free:    free,
		indexes: make(map[string]*Index),
		logger:  logger,
		tracer:  otel.Tracer("cachegrid.core.database"),
		metrics: metrics,
	}, nil
}

// CreateIndex resolves or allocates the named index's root page and binds a
// tree over it. Repeating the call for an existing name returns the already
// bound index, so a bootstrap interrupted after root allocation can simply be
// re-run. At most one primary index may ever be registered; the check and the
// registration happen under one critical section.
func (m *Manager) CreateIndex(ctx context.Context, name string, tbl *TableDescriptor, primary bool,
	keyCol, valCol string, cols []IndexColumn) (*Index, error) {
	if name == "" {
		return nil, ErrEmptyIndexName
	}
	if tbl == nil {
		return nil, ErrNilTable
	}
	_, span := m.tracer.Start(ctx, "Manager.CreateIndex",
		trace.WithAttributes(
			attribute.String("idx.name", name),
			attribute.Bool("idx.primary", primary),
		))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.indexes[name]; ok {
		return existing, nil
	}

	rootID, allocated, err := m.meta.GetOrAllocateRoot(m.cacheID, name)
	if err != nil {
		return nil, fmt.Errorf("resolving root for index %q: %w", name, err)
	}
	m.logger.Info("Resolved index root",
		zap.Uint32("cacheId", m.cacheID),
		zap.String("idxName", name),
		zap.String("rootPageId", rootID.String()),
		zap.Bool("allocated", allocated))

	// The meta entry just resolved stays in the directory even when the
	// primary check below fails, so a corrected retry reuses the same root.
	if primary && m.primary != nil {
		return nil, fmt.Errorf("%w: %q is already primary, rejecting %q",
			ErrDuplicatePrimaryIndex, m.primary.Name(), name)
	}

	tree, err := btree.New(m.mem, m.reuse, rootID, allocated, m.logger)
	if err != nil {
		return nil, fmt.Errorf("binding tree for index %q: %w", name, err)
	}

	idx := &Index{
		name:    name,
		table:   tbl.Name,
		primary: primary,
		keyCol:  keyCol,
		valCol:  valCol,
		columns: append([]IndexColumn(nil), cols...),
		tree:    tree,
	}
	m.indexes[name] = idx
	if primary {
		m.primary = idx
	}
	return idx, nil
}

// CreateRowStore builds the cache's row store over the shared free list. The
// row store exists at most once per manager; a second call is a programming
// error.
func (m *Manager) CreateRowStore(ctx context.Context, tbl *TableDescriptor) (*RowStore, error) {
	if tbl == nil {
		return nil, ErrNilTable
	}
	_, span := m.tracer.Start(ctx, "Manager.CreateRowStore",
		trace.WithAttributes(attribute.String("table", tbl.Name)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rowStore != nil {
		return nil, fmt.Errorf("%w: row store already created for cache %d", ErrInvariantViolation, m.cacheID)
	}
	m.rowStore = &RowStore{table: tbl, free: m.free}
	m.logger.Info("Created row store",
		zap.Uint32("cacheId", m.cacheID),
		zap.String("table", tbl.Name))
	return m.rowStore, nil
}

// PrimaryIndex returns the registered primary index, or nil.
func (m *Manager) PrimaryIndex() *Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// Index returns a previously created index by name.
func (m *Manager) Index(name string) (*Index, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[name]
	return idx, ok
}

// Roots lists the index names registered for this cache in the meta
// directory.
func (m *Manager) Roots() []string {
	return m.meta.Roots(m.cacheID)
}

// Stats is a point-in-time snapshot of the cache's allocator state.
type Stats struct {
	CacheID       uint32
	ReusablePages int
	TrackedPages  int
	Indexes       int
}

// Stats snapshots the allocator counters for operational visibility.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	indexes := len(m.indexes)
	m.mu.Unlock()
	return Stats{
		CacheID:       m.cacheID,
		ReusablePages: m.reuse.Len(),
		TrackedPages:  m.free.TrackedPages(),
		Indexes:       indexes,
	}
}
