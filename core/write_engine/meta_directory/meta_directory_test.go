package metadirectory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
)

// --- Test Helpers ---

func setupMetaDirectory(t *testing.T) (*MetaDirectory, *pagememory.DiskPageMemory) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	pm, err := pagememory.NewDiskPageMemory(pagememory.Config{Dir: t.TempDir()}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	return New(pm, logger), pm
}

// --- Test Cases ---

// TestMetaDirectory_Idempotence is the core contract: the first resolution
// allocates, every later one returns the identical page id without
// allocating.
func TestMetaDirectory_Idempotence(t *testing.T) {
	md, pm := setupMetaDirectory(t)

	first, allocated, err := md.GetOrAllocateRoot(1, "idx_pk")
	require.NoError(t, err)
	require.True(t, allocated)
	require.True(t, first.Valid())

	for i := 0; i < 5; i++ {
		again, allocated, err := md.GetOrAllocateRoot(1, "idx_pk")
		require.NoError(t, err)
		require.False(t, allocated)
		require.Equal(t, first, again)
	}
	require.Equal(t, uint64(1), pm.AllocatedPages(1), "repeat resolutions must not allocate")
}

func TestMetaDirectory_DistinctNamesDistinctRoots(t *testing.T) {
	md, _ := setupMetaDirectory(t)

	a, _, err := md.GetOrAllocateRoot(1, "idx_a")
	require.NoError(t, err)
	b, _, err := md.GetOrAllocateRoot(1, "idx_b")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	// The same name under another cache is a different root.
	c, _, err := md.GetOrAllocateRoot(2, "idx_a")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
	require.Equal(t, uint32(2), c.CacheID)
}

func TestMetaDirectory_EmptyName(t *testing.T) {
	md, _ := setupMetaDirectory(t)
	_, _, err := md.GetOrAllocateRoot(1, "")
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestMetaDirectory_Roots(t *testing.T) {
	md, _ := setupMetaDirectory(t)

	for _, name := range []string{"idx_c", "idx_a", "idx_b"} {
		_, _, err := md.GetOrAllocateRoot(1, name)
		require.NoError(t, err)
	}
	_, _, err := md.GetOrAllocateRoot(2, "other_cache_idx")
	require.NoError(t, err)

	require.Equal(t, []string{"idx_a", "idx_b", "idx_c"}, md.Roots(1))
	require.Equal(t, []string{"other_cache_idx"}, md.Roots(2))
	require.Empty(t, md.Roots(3))
	require.Equal(t, 4, md.Len())
}

// TestMetaDirectory_ConcurrentResolution races many goroutines on the same
// name; exactly one must observe wasAllocated and all must agree on the id.
func TestMetaDirectory_ConcurrentResolution(t *testing.T) {
	md, _ := setupMetaDirectory(t)

	const goroutines = 16
	ids := make([]pagememory.FullPageID, goroutines)
	allocations := make([]bool, goroutines)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id, allocated, err := md.GetOrAllocateRoot(1, "contended")
			require.NoError(t, err)
			ids[g] = id
			allocations[g] = allocated
		}(g)
	}
	wg.Wait()

	allocCount := 0
	for g := 0; g < goroutines; g++ {
		require.Equal(t, ids[0], ids[g])
		if allocations[g] {
			allocCount++
		}
	}
	require.Equal(t, 1, allocCount, "exactly one caller performs the allocation")
}
