package pagememory

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	internaltelemetry "github.com/cachegrid/cachegrid/internal/telemetry"
)

const (
	// DefaultPageSize is the fixed page size used when none is configured.
	DefaultPageSize = 4096

	dataFileMagic   uint32 = 0x43475044 // "CGPD"
	dataFileVersion uint32 = 1

	defaultCacheMaxBytes int64 = 64 << 20
)

// PageMemory is the raw page substrate: fixed-size page allocation and
// byte-level access by page identifier. Writes are durable once the call
// returns without error.
type PageMemory interface {
	AllocatePage(cacheID uint32) (FullPageID, error)
	ReadPage(id FullPageID) ([]byte, error)
	WritePage(id FullPageID, data []byte) error
	PageSize() int
}

// Config holds all the configuration for the disk page memory.
type Config struct {
	// Dir is the directory holding one data file per cache.
	Dir string `yaml:"dir"`
	// PageSize is the fixed page size in bytes. Defaults to DefaultPageSize.
	PageSize int `yaml:"page_size"`
	// MaxPagesPerCache caps the number of data pages a single cache may
	// allocate. 0 means unlimited.
	MaxPagesPerCache uint64 `yaml:"max_pages_per_cache"`
	// CacheMaxBytes bounds the in-memory page read cache.
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`
}

// dataFileHeader occupies page 0 of every cache data file.
type dataFileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	NumPages uint64 // includes the header page
}

// cacheFile is the on-disk arena for a single cache.
type cacheFile struct {
	mu       sync.Mutex
	file     *os.File
	numPages uint64 // includes the header page, so data pages are 1..numPages-1
}

// DiskPageMemory is a file-backed PageMemory: one data file per cache, page 0
// reserved for the file header, reads served through a ristretto page cache.
type DiskPageMemory struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	mu     sync.Mutex
	caches map[uint32]*cacheFile
	closed bool

	pageCache *ristretto.Cache[string, []byte]
}

// NewDiskPageMemory creates a disk page memory rooted at cfg.Dir.
// The metrics bundle may be nil.
func NewDiskPageMemory(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*DiskPageMemory, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = defaultCacheMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating page memory dir %s: %v", ErrIO, cfg.Dir, err)
	}

	pageCache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: (cfg.CacheMaxBytes / int64(cfg.PageSize)) * 10,
		MaxCost:     cfg.CacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}

	return &DiskPageMemory{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		caches:    make(map[uint32]*cacheFile),
		pageCache: pageCache,
	}, nil
}

// PageSize returns the fixed page size in bytes.
func (pm *DiskPageMemory) PageSize() int {
	return pm.cfg.PageSize
}

// AllocatePage extends the cache's data file by one zeroed page and returns
// its identity.
func (pm *DiskPageMemory) AllocatePage(cacheID uint32) (FullPageID, error) {
	cf, err := pm.cacheFileFor(cacheID)
	if err != nil {
		return InvalidPageID, err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()

	if pm.cfg.MaxPagesPerCache > 0 && cf.numPages-1 >= pm.cfg.MaxPagesPerCache {
		return InvalidPageID, fmt.Errorf("%w: cache %d holds %d pages", ErrStorageExhausted, cacheID, cf.numPages-1)
	}

	pageNo := cf.numPages
	empty := make([]byte, pm.cfg.PageSize)
	offset := int64(pageNo) * int64(pm.cfg.PageSize)
	if _, err := cf.file.WriteAt(empty, offset); err != nil {
		return InvalidPageID, fmt.Errorf("%w: extending cache %d file for page %d: %v", ErrIO, cacheID, pageNo, err)
	}
	cf.numPages++
	if err := cf.writeHeader(pm.cfg.PageSize); err != nil {
		cf.numPages--
		return InvalidPageID, err
	}

	id := FullPageID{CacheID: cacheID, PageNo: pageNo}
	if pm.metrics != nil {
		pm.metrics.PagesAllocatedCounter.Add(context.Background(), 1)
	}
	pm.logger.Debug("Allocated page from substrate", zap.Uint32("cacheId", cacheID), zap.Uint64("pageNo", pageNo))
	return id, nil
}

// ReadPage returns a copy of the page's bytes, served from the page cache
// when possible.
func (pm *DiskPageMemory) ReadPage(id FullPageID) ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageID, id)
	}
	key := cacheKey(id)
	if cached, ok := pm.pageCache.Get(key); ok && len(cached) == pm.cfg.PageSize {
		out := make([]byte, pm.cfg.PageSize)
		copy(out, cached)
		return out, nil
	}

	cf, err := pm.cacheFileFor(id.CacheID)
	if err != nil {
		return nil, err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if id.PageNo >= cf.numPages {
		return nil, fmt.Errorf("%w: %v (cache has %d pages)", ErrPageNotFound, id, cf.numPages)
	}

	data := make([]byte, pm.cfg.PageSize)
	offset := int64(id.PageNo) * int64(pm.cfg.PageSize)
	n, err := cf.file.ReadAt(data, offset)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: EOF reading %v at offset %d", ErrIO, id, offset)
		}
		return nil, fmt.Errorf("%w: reading %v at offset %d: %v", ErrIO, id, offset, err)
	}
	if n != pm.cfg.PageSize {
		return nil, fmt.Errorf("%w: short read for %v, expected %d, got %d", ErrIO, id, pm.cfg.PageSize, n)
	}

	cachedCopy := make([]byte, pm.cfg.PageSize)
	copy(cachedCopy, data)
	pm.pageCache.Set(key, cachedCopy, int64(pm.cfg.PageSize))
	return data, nil
}

// WritePage writes the page's bytes to disk and syncs. The page is durable
// once WritePage returns nil.
func (pm *DiskPageMemory) WritePage(id FullPageID, data []byte) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidPageID, id)
	}
	if len(data) != pm.cfg.PageSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrPageSizeMismatch, len(data), pm.cfg.PageSize)
	}

	cf, err := pm.cacheFileFor(id.CacheID)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if id.PageNo >= cf.numPages {
		return fmt.Errorf("%w: %v (cache has %d pages)", ErrPageNotFound, id, cf.numPages)
	}

	offset := int64(id.PageNo) * int64(pm.cfg.PageSize)
	if _, err := cf.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing %v at offset %d: %v", ErrIO, id, offset, err)
	}
	if err := cf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %v: %v", ErrIO, id, err)
	}

	cachedCopy := make([]byte, pm.cfg.PageSize)
	copy(cachedCopy, data)
	pm.pageCache.Set(cacheKey(id), cachedCopy, int64(pm.cfg.PageSize))
	return nil
}

// AllocatedPages returns the number of data pages the substrate has handed
// out for the given cache over the file's lifetime.
func (pm *DiskPageMemory) AllocatedPages(cacheID uint32) uint64 {
	pm.mu.Lock()
	cf, ok := pm.caches[cacheID]
	pm.mu.Unlock()
	if !ok {
		return 0
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.numPages - 1
}

// Close closes all cache data files and releases the page cache.
func (pm *DiskPageMemory) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true

	var firstErr error
	for cacheID, cf := range pm.caches {
		cf.mu.Lock()
		if err := cf.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: syncing cache %d on close: %v", ErrIO, cacheID, err)
		}
		if err := cf.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing cache %d: %v", ErrIO, cacheID, err)
		}
		cf.mu.Unlock()
	}
	pm.pageCache.Close()
	return firstErr
}

// cacheFileFor returns the open data file for a cache, opening or creating it
// on first use.
func (pm *DiskPageMemory) cacheFileFor(cacheID uint32) (*cacheFile, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil, ErrPageMemoryClosed
	}
	if cf, ok := pm.caches[cacheID]; ok {
		return cf, nil
	}

	path := filepath.Join(pm.cfg.Dir, fmt.Sprintf("cache-%010d.db", cacheID))
	_, statErr := os.Stat(path)

	cf := &cacheFile{}
	if os.IsNotExist(statErr) {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating cache file %s: %v", ErrIO, path, err)
		}
		cf.file = file
		cf.numPages = 1 // page 0 is the header
		if err := cf.writeHeader(pm.cfg.PageSize); err != nil {
			file.Close()
			_ = os.Remove(path)
			return nil, err
		}
		pm.logger.Info("Created cache data file", zap.Uint32("cacheId", cacheID), zap.String("path", path))
	} else if statErr == nil {
		file, err := os.OpenFile(path, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening cache file %s: %v", ErrIO, path, err)
		}
		cf.file = file
		header, err := cf.readHeader(pm.cfg.PageSize)
		if err != nil {
			file.Close()
			return nil, err
		}
		if header.Magic != dataFileMagic {
			file.Close()
			return nil, fmt.Errorf("%w: bad magic 0x%x in %s", ErrHeaderCorrupted, header.Magic, path)
		}
		if header.PageSize != uint32(pm.cfg.PageSize) {
			file.Close()
			return nil, fmt.Errorf("%w: file page size %d != configured %d", ErrPageSizeMismatch, header.PageSize, pm.cfg.PageSize)
		}
		cf.numPages = header.NumPages
		pm.logger.Info("Opened cache data file", zap.Uint32("cacheId", cacheID),
			zap.String("path", path), zap.Uint64("numPages", header.NumPages))
	} else {
		return nil, fmt.Errorf("%w: stating cache file %s: %v", ErrIO, path, statErr)
	}

	pm.caches[cacheID] = cf
	return cf, nil
}

// writeHeader serializes the header and writes it to page 0.
// Caller holds cf.mu.
func (cf *cacheFile) writeHeader(pageSize int) error {
	header := dataFileHeader{
		Magic:    dataFileMagic,
		Version:  dataFileVersion,
		PageSize: uint32(pageSize),
		NumPages: cf.numPages,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	padded := make([]byte, pageSize)
	copy(padded, buf.Bytes())
	if _, err := cf.file.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return cf.file.Sync()
}

// readHeader reads the header from page 0. Caller holds cf.mu.
func (cf *cacheFile) readHeader(pageSize int) (*dataFileHeader, error) {
	data := make([]byte, pageSize)
	n, err := cf.file.ReadAt(data, 0)
	if err != nil && !(err == io.EOF && n == pageSize) {
		return nil, fmt.Errorf("%w: reading header: %v", ErrHeaderCorrupted, err)
	}
	var header dataFileHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return &header, nil
}

func cacheKey(id FullPageID) string {
	b := id.Bytes()
	return string(b[:])
}
