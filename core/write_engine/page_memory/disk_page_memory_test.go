package pagememory

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupPageMemory creates a DiskPageMemory in a temporary directory for
// isolated testing.
func setupPageMemory(t *testing.T, cfg Config) (*DiskPageMemory, string) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	pm, err := NewDiskPageMemory(cfg, logger, nil)
	require.NoError(t, err)
	return pm, cfg.Dir
}

func fillPage(pm *DiskPageMemory, b byte) []byte {
	data := make([]byte, pm.PageSize())
	for i := range data {
		data[i] = b
	}
	return data
}

// --- Test Cases ---

func TestDiskPageMemory_AllocateWriteRead(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	defer pm.Close()

	id, err := pm.AllocatePage(7)
	require.NoError(t, err)
	require.True(t, id.Valid())
	require.Equal(t, uint32(7), id.CacheID)
	require.Equal(t, uint64(1), id.PageNo, "first data page sits behind the header page")

	data := fillPage(pm, 0xAB)
	require.NoError(t, pm.WritePage(id, data))

	got, err := pm.ReadPage(id)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

// TestDiskPageMemory_ReadReturnsCopy ensures callers can never alias the page
// cache's buffers: mutating a returned slice must not poison later reads.
func TestDiskPageMemory_ReadReturnsCopy(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	defer pm.Close()

	id, err := pm.AllocatePage(1)
	require.NoError(t, err)
	require.NoError(t, pm.WritePage(id, fillPage(pm, 0x11)))

	first, err := pm.ReadPage(id)
	require.NoError(t, err)
	first[0] = 0xFF

	second, err := pm.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), second[0])
}

func TestDiskPageMemory_PageSizeMismatch(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	defer pm.Close()

	id, err := pm.AllocatePage(1)
	require.NoError(t, err)

	err = pm.WritePage(id, make([]byte, 17))
	require.ErrorIs(t, err, ErrPageSizeMismatch)
}

func TestDiskPageMemory_InvalidAndUnknownPages(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	defer pm.Close()

	_, err := pm.ReadPage(InvalidPageID)
	require.ErrorIs(t, err, ErrInvalidPageID)

	_, err = pm.ReadPage(FullPageID{CacheID: 1, PageNo: 99})
	require.ErrorIs(t, err, ErrPageNotFound)
}

func TestDiskPageMemory_CapacityLimit(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{MaxPagesPerCache: 2})
	defer pm.Close()

	_, err := pm.AllocatePage(3)
	require.NoError(t, err)
	_, err = pm.AllocatePage(3)
	require.NoError(t, err)

	_, err = pm.AllocatePage(3)
	require.ErrorIs(t, err, ErrStorageExhausted)

	// Other caches are unaffected by one cache hitting its cap.
	_, err = pm.AllocatePage(4)
	require.NoError(t, err)
}

// TestDiskPageMemory_ReopenRecoversPages verifies the data file header round
// trip: a fresh DiskPageMemory over the same directory sees the pages and
// bytes the previous one wrote.
func TestDiskPageMemory_ReopenRecoversPages(t *testing.T) {
	dir := t.TempDir()
	pm, _ := setupPageMemory(t, Config{Dir: dir})

	var ids []FullPageID
	for i := 0; i < 5; i++ {
		id, err := pm.AllocatePage(2)
		require.NoError(t, err)
		require.NoError(t, pm.WritePage(id, fillPage(pm, byte(i+1))))
		ids = append(ids, id)
	}
	require.NoError(t, pm.Close())

	reopened, _ := setupPageMemory(t, Config{Dir: dir})
	defer reopened.Close()

	for i, id := range ids {
		got, err := reopened.ReadPage(id)
		require.NoError(t, err)
		require.Equal(t, byte(i+1), got[0])
	}
	require.Equal(t, uint64(5), reopened.AllocatedPages(2))

	next, err := reopened.AllocatePage(2)
	require.NoError(t, err)
	require.Equal(t, uint64(6), next.PageNo)
}

func TestDiskPageMemory_ClosedRejectsOperations(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	require.NoError(t, pm.Close())

	_, err := pm.AllocatePage(1)
	require.ErrorIs(t, err, ErrPageMemoryClosed)
}

// TestDiskPageMemory_ConcurrentAllocations fans out allocations across
// goroutines and checks every returned page id is distinct.
func TestDiskPageMemory_ConcurrentAllocations(t *testing.T) {
	pm, _ := setupPageMemory(t, Config{})
	defer pm.Close()

	const goroutines = 8
	const perGoroutine = 20

	var mu sync.Mutex
	seen := make(map[FullPageID]bool)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id, err := pm.AllocatePage(1)
				require.NoError(t, err)
				mu.Lock()
				require.False(t, seen[id], "page id %v handed out twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(goroutines*perGoroutine), pm.AllocatedPages(1))
}
