package database

import (
	"github.com/cachegrid/cachegrid/core/indexing/btree"
	pagememory "github.com/cachegrid/cachegrid/core/write_engine/page_memory"
)

// Index is a named B+ tree bound to a table's columns. It is created through
// Manager.CreateIndex and shares the manager's reuse list with every other
// structure of the cache.
type Index struct {
	name    string
	table   string
	primary bool
	keyCol  string
	valCol  string
	columns []IndexColumn

	tree *btree.Tree
}

// Name returns the index name.
func (idx *Index) Name() string { return idx.name }

// Table returns the name of the indexed table.
func (idx *Index) Table() string { return idx.table }

// Primary reports whether this is the manager's primary index.
func (idx *Index) Primary() bool { return idx.primary }

// KeyColumn returns the indexed key column name.
func (idx *Index) KeyColumn() string { return idx.keyCol }

// ValueColumn returns the stored value column name.
func (idx *Index) ValueColumn() string { return idx.valCol }

// Columns returns the index column bindings in order.
func (idx *Index) Columns() []IndexColumn {
	return append([]IndexColumn(nil), idx.columns...)
}

// RootID returns the index's fixed root page, as recorded in the meta
// directory.
func (idx *Index) RootID() pagememory.FullPageID { return idx.tree.RootID() }

// Put stores value under key, replacing any previous value.
func (idx *Index) Put(key, value []byte) error {
	return idx.tree.Insert(key, value)
}

// Get returns the value stored under key.
func (idx *Index) Get(key []byte) ([]byte, bool, error) {
	return idx.tree.Search(key)
}

// Remove deletes key from the index, reporting whether it was present.
func (idx *Index) Remove(key []byte) (bool, error) {
	return idx.tree.Delete(key)
}

// Len returns the number of entries in the index.
func (idx *Index) Len() int { return idx.tree.Len() }
