package database

// Column describes one column of a table's row layout.
type Column struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

// IndexColumn names a table column participating in an index, with its sort
// direction.
type IndexColumn struct {
	Name       string `yaml:"name"`
	Descending bool   `yaml:"descending"`
}

// TableDescriptor is the static shape of a table: its name and columns. The
// manager does not interpret column types; they travel with the descriptor so
// upper layers (planners, codecs) can.
type TableDescriptor struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

// ColumnNames returns the column names in declaration order.
func (t *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}
