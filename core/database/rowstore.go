package database

import (
	freelist "github.com/cachegrid/cachegrid/core/write_engine/free_list"
)

// RowStore holds a table's row payloads in free-list managed pages. Rows are
// addressed by the RowID returned from InsertRow; indexes store those ids as
// their values.
type RowStore struct {
	table *TableDescriptor
	free  *freelist.FreeList
}

// Table returns the descriptor of the stored table.
func (rs *RowStore) Table() *TableDescriptor { return rs.table }

// InsertRow writes a row payload and returns its address.
func (rs *RowStore) InsertRow(row []byte) (freelist.RowID, error) {
	return rs.free.InsertRow(row)
}

// ReadRow returns a copy of the row stored at rid.
func (rs *RowStore) ReadRow(rid freelist.RowID) ([]byte, error) {
	return rs.free.ReadRow(rid)
}

// RemoveRow deletes the row at rid, freeing its page space.
func (rs *RowStore) RemoveRow(rid freelist.RowID) error {
	return rs.free.RemoveRow(rid)
}
