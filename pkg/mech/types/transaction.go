package types

// The kind tag of a Change. Wire-stable, do not reorder.
type ChangeKind uint8

const (
	// Creates a table with the given shape.
	NewTableKind ChangeKind = iota

	// Binds an alias to a column.
	ColumnAliasKind

	// Writes a batch of cells.
	SetKind

	// Drops a table.
	RemoveTableKind
)

// CellWrite is one (row, column, value) write inside a Set change.
// Positions are 1-based.
type CellWrite struct {
	Row   uint64 `msgpack:"r"`
	Col   uint64 `msgpack:"c"`
	Value Value  `msgpack:"v"`
}

// Change is one mutation of a table. The host treats changes as
// opaque beyond serialization; the Core interprets them.
type Change struct {
	Kind    ChangeKind  `msgpack:"k"`
	TableID uint64      `msgpack:"t"`
	Rows    int         `msgpack:"rs,omitempty"`
	Cols    int         `msgpack:"cs,omitempty"`
	Column  int         `msgpack:"cx,omitempty"`
	Alias   uint64      `msgpack:"a,omitempty"`
	Cells   []CellWrite `msgpack:"w,omitempty"`
}

func NewTableChange(tableID uint64, rows, cols int) Change {
	return Change{Kind: NewTableKind, TableID: tableID, Rows: rows, Cols: cols}
}

func ColumnAliasChange(tableID uint64, column int, alias uint64) Change {
	return Change{Kind: ColumnAliasKind, TableID: tableID, Column: column, Alias: alias}
}

func SetChange(tableID uint64, cells []CellWrite) Change {
	return Change{Kind: SetKind, TableID: tableID, Cells: cells}
}

func RemoveTableChange(tableID uint64) Change {
	return Change{Kind: RemoveTableKind, TableID: tableID}
}

// Transaction is an ordered sequence of changes, applied atomically by
// the Core in the order given.
type Transaction struct {
	Changes []Change `msgpack:"c"`
}

// Tables lists the distinct table ids the transaction touches, in
// first-touch order.
func (t *Transaction) Tables() []uint64 {
	seen := make(map[uint64]bool, len(t.Changes))
	var ids []uint64
	for _, change := range t.Changes {
		if !seen[change.TableID] {
			seen[change.TableID] = true
			ids = append(ids, change.TableID)
		}
	}
	return ids
}
