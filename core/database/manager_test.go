package database

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	freelist "github.com/cachegrid/cachegrid/core/write_engine/free_list"
	metadirectory "github.com/cachegrid/cachegrid/core/write_engine/meta_directory"
	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
)

// --- Test Helpers ---

const testCacheID uint32 = 3

// setupManager assembles a full storage stack (disk page memory, meta
// directory, manager) in a temporary directory.
func setupManager(t *testing.T) (*Manager, *metadirectory.MetaDirectory, *pagememory.DiskPageMemory) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	pm, err := pagememory.NewDiskPageMemory(pagememory.Config{Dir: t.TempDir()}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	meta := metadirectory.New(pm, logger)
	mgr, err := NewManager(ManagerConfig{CacheID: testCacheID}, pm, meta, logger, nil)
	require.NoError(t, err)
	return mgr, meta, pm
}

func personTable() *TableDescriptor {
	return &TableDescriptor{
		Name: "person",
		Columns: []Column{
			{Name: "id", Type: "int64"},
			{Name: "name", Type: "string", Nullable: true},
		},
	}
}

// --- Test Cases ---

func TestManager_CreateIndex(t *testing.T) {
	mgr, _, _ := setupManager(t)

	idx, err := mgr.CreateIndex(context.Background(), "person_pk", personTable(), true,
		"id", "rowid", []IndexColumn{{Name: "id"}})
	require.NoError(t, err)
	require.True(t, idx.Primary())
	require.Equal(t, "person_pk", idx.Name())
	require.Equal(t, "person", idx.Table())
	require.True(t, idx.RootID().Valid())
	require.Equal(t, mgr.PrimaryIndex(), idx)

	require.NoError(t, idx.Put([]byte("k1"), []byte("v1")))
	got, found, err := idx.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), got)
	require.Equal(t, 1, idx.Len())
}

// TestManager_DuplicatePrimaryIndex is the two-primary-index scenario: the
// second primary registration fails atomically, leaving the first untouched
// and secondary indexes still creatable.
func TestManager_DuplicatePrimaryIndex(t *testing.T) {
	mgr, _, _ := setupManager(t)
	tbl := personTable()

	first, err := mgr.CreateIndex(context.Background(), "person_pk", tbl, true,
		"id", "rowid", nil)
	require.NoError(t, err)

	_, err = mgr.CreateIndex(context.Background(), "person_pk2", tbl, true,
		"id", "rowid", nil)
	require.ErrorIs(t, err, ErrDuplicatePrimaryIndex)
	require.Equal(t, first, mgr.PrimaryIndex(), "the losing call must not displace the winner")

	// Non-primary indexes remain fine.
	_, err = mgr.CreateIndex(context.Background(), "person_name", tbl, false,
		"name", "rowid", []IndexColumn{{Name: "name"}})
	require.NoError(t, err)
}

// TestManager_CreateIndexIdempotent repeats a creation and checks the same
// bound index comes back with the same root, without fresh allocations.
func TestManager_CreateIndexIdempotent(t *testing.T) {
	mgr, _, pm := setupManager(t)
	tbl := personTable()

	idx, err := mgr.CreateIndex(context.Background(), "person_pk", tbl, true, "id", "rowid", nil)
	require.NoError(t, err)
	require.NoError(t, idx.Put([]byte("k"), []byte("v")))

	allocatedBefore := pm.AllocatedPages(testCacheID)
	again, err := mgr.CreateIndex(context.Background(), "person_pk", tbl, true, "id", "rowid", nil)
	require.NoError(t, err)
	require.Same(t, idx, again)
	require.Equal(t, allocatedBefore, pm.AllocatedPages(testCacheID))
}

// TestManager_RebindAfterRestart builds a second manager over the same meta
// directory and page memory, the way a node re-runs its bootstrap, and checks
// the index binds to the existing root with its data intact.
func TestManager_RebindAfterRestart(t *testing.T) {
	mgr, meta, pm := setupManager(t)
	tbl := personTable()

	idx, err := mgr.CreateIndex(context.Background(), "person_pk", tbl, true, "id", "rowid", nil)
	require.NoError(t, err)
	require.NoError(t, idx.Put([]byte("durable"), []byte("yes")))
	rootBefore := idx.RootID()

	mgr2, err := NewManager(ManagerConfig{CacheID: testCacheID}, pm, meta, zap.NewNop(), nil)
	require.NoError(t, err)

	rebound, err := mgr2.CreateIndex(context.Background(), "person_pk", tbl, true, "id", "rowid", nil)
	require.NoError(t, err)
	require.Equal(t, rootBefore, rebound.RootID())

	got, found, err := rebound.Get([]byte("durable"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("yes"), got)
}

func TestManager_CreateIndexValidation(t *testing.T) {
	mgr, _, _ := setupManager(t)

	_, err := mgr.CreateIndex(context.Background(), "", personTable(), false, "id", "rowid", nil)
	require.ErrorIs(t, err, ErrEmptyIndexName)

	_, err = mgr.CreateIndex(context.Background(), "idx", nil, false, "id", "rowid", nil)
	require.ErrorIs(t, err, ErrNilTable)
}

// TestManager_CreateRowStoreOnce checks the at-most-once contract and that a
// second attempt surfaces the invariant violation.
func TestManager_CreateRowStoreOnce(t *testing.T) {
	mgr, _, _ := setupManager(t)
	tbl := personTable()

	rs, err := mgr.CreateRowStore(context.Background(), tbl)
	require.NoError(t, err)
	require.Equal(t, tbl, rs.Table())

	_, err = mgr.CreateRowStore(context.Background(), tbl)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

// TestManager_RowStoreAndIndexShareRecycling exercises the shared pool: rows
// removed from the row store free pages the index then grows into.
func TestManager_RowStoreAndIndexShareRecycling(t *testing.T) {
	mgr, _, pm := setupManager(t)
	tbl := personTable()

	rs, err := mgr.CreateRowStore(context.Background(), tbl)
	require.NoError(t, err)
	idx, err := mgr.CreateIndex(context.Background(), "person_pk", tbl, true, "id", "rowid", nil)
	require.NoError(t, err)

	// Fill and drain row pages so the reuse list holds recyclable pages.
	var rids []freelist.RowID
	for i := 0; i < 200; i++ {
		payload := make([]byte, 400)
		copy(payload, fmt.Sprintf("row-payload-%04d", i))
		rid, err := rs.InsertRow(payload)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	for _, rid := range rids {
		require.NoError(t, rs.RemoveRow(rid))
	}
	require.Greater(t, mgr.Stats().ReusablePages, 0)

	allocatedBefore := pm.AllocatedPages(testCacheID)
	for i := 0; i < 500; i++ {
		require.NoError(t, idx.Put([]byte(fmt.Sprintf("key-%06d", i)), []byte(fmt.Sprintf("val-%06d", i))))
	}
	require.Equal(t, allocatedBefore, pm.AllocatedPages(testCacheID),
		"index growth must consume recycled row pages before touching the substrate")
}

func TestManager_RootsAndStats(t *testing.T) {
	mgr, _, _ := setupManager(t)
	tbl := personTable()

	_, err := mgr.CreateIndex(context.Background(), "idx_b", tbl, false, "name", "rowid", nil)
	require.NoError(t, err)
	_, err = mgr.CreateIndex(context.Background(), "idx_a", tbl, false, "id", "rowid", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"idx_a", "idx_b"}, mgr.Roots())

	stats := mgr.Stats()
	require.Equal(t, testCacheID, stats.CacheID)
	require.Equal(t, 2, stats.Indexes)
}
