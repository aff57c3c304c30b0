package types

import (
	"fmt"
	"sort"
	"strings"
)

// Which namespace a table id lives in.
type TableKind uint8

const (
	// A table addressable by every block, identified by its hashed name.
	GlobalTable TableKind = iota

	// A table scoped to a single block.
	LocalTable
)

// TableId names a table. Comparable so it can key maps and appear
// inside a Register.
type TableId struct {
	Kind TableKind `msgpack:"k"`
	ID   uint64    `msgpack:"i"`
}

func GlobalTableId(id uint64) TableId {
	return TableId{Kind: GlobalTable, ID: id}
}

func LocalTableId(id uint64) TableId {
	return TableId{Kind: LocalTable, ID: id}
}

// How a TableIndex selects rows or columns.
type IndexKind uint8

const (
	// Selects every row or column.
	AllIndex IndexKind = iota

	// Selects a single 1-based position.
	PositionIndex

	// Selects by hashed alias.
	AliasIndex

	// Selects nothing.
	NoneIndex
)

// TableIndex denotes a row or column selector inside a Register.
type TableIndex struct {
	Kind IndexKind `msgpack:"k"`
	Val  uint64    `msgpack:"v,omitempty"`
}

func IndexAll() TableIndex {
	return TableIndex{Kind: AllIndex}
}

func IndexPosition(ix uint64) TableIndex {
	return TableIndex{Kind: PositionIndex, Val: ix}
}

func IndexAlias(alias uint64) TableIndex {
	return TableIndex{Kind: AliasIndex, Val: alias}
}

// Register is the unit of subscription: a table together with row and
// column selectors. Comparable, used directly as a map key by the
// listener and input maps.
type Register struct {
	Table TableId    `msgpack:"t"`
	Row   TableIndex `msgpack:"r"`
	Col   TableIndex `msgpack:"c"`
}

// RegisterAll subscribes to every cell of a global table.
func RegisterAll(tableID uint64) Register {
	return Register{Table: GlobalTableId(tableID), Row: IndexAll(), Col: IndexAll()}
}

// Table is a snapshot of a Core table as handed to machines and
// serialized to listeners. Cells are stored row-major; Get is 1-based
// like the rest of the system.
type Table struct {
	ID      uint64
	Rows    int
	Cols    int
	Aliases map[uint64]int // column alias id -> 1-based column
	Data    []Value
}

func NewTable(id uint64, rows, cols int) *Table {
	return &Table{
		ID:      id,
		Rows:    rows,
		Cols:    cols,
		Aliases: make(map[uint64]int),
		Data:    make([]Value, rows*cols),
	}
}

func (t *Table) Get(row, col int) (Value, error) {
	if row < 1 || row > t.Rows || col < 1 || col > t.Cols {
		return Value{}, fmt.Errorf("index (%d,%d) out of bounds for %dx%d table", row, col, t.Rows, t.Cols)
	}
	return t.Data[(row-1)*t.Cols+(col-1)], nil
}

func (t *Table) Set(row, col int, v Value) error {
	if row < 1 || row > t.Rows || col < 1 || col > t.Cols {
		return fmt.Errorf("index (%d,%d) out of bounds for %dx%d table", row, col, t.Rows, t.Cols)
	}
	t.Data[(row-1)*t.Cols+(col-1)] = v
	return nil
}

// GetByAlias reads a cell addressing the column by its alias id.
func (t *Table) GetByAlias(row int, alias uint64) (Value, error) {
	col, ok := t.Aliases[alias]
	if !ok {
		return Value{}, fmt.Errorf("unknown column alias %s on table %s", Humanize(alias), Humanize(t.ID))
	}
	return t.Get(row, col)
}

// Copy returns an independent snapshot of the table.
func (t *Table) Copy() *Table {
	c := NewTable(t.ID, t.Rows, t.Cols)
	copy(c.Data, t.Data)
	for alias, col := range t.Aliases {
		c.Aliases[alias] = col
	}
	return c
}

func (t *Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%s (%dx%d)\n", Humanize(t.ID), t.Rows, t.Cols)
	for row := 1; row <= t.Rows; row++ {
		b.WriteString("| ")
		for col := 1; col <= t.Cols; col++ {
			v, _ := t.Get(row, col)
			fmt.Fprintf(&b, "%s | ", v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SnapshotTransaction decomposes a table into the transaction that
// rebuilds it from nothing: NewTable, one ColumnAlias per alias, then
// a Set covering every cell. Listeners bootstrap from this and fanout
// reuses it.
func SnapshotTransaction(t *Table) Transaction {
	changes := []Change{NewTableChange(t.ID, t.Rows, t.Cols)}

	aliases := make([]uint64, 0, len(t.Aliases))
	for alias := range t.Aliases {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool { return t.Aliases[aliases[i]] < t.Aliases[aliases[j]] })
	for _, alias := range aliases {
		changes = append(changes, ColumnAliasChange(t.ID, t.Aliases[alias], alias))
	}

	cells := make([]CellWrite, 0, t.Rows*t.Cols)
	for row := 1; row <= t.Rows; row++ {
		for col := 1; col <= t.Cols; col++ {
			v, _ := t.Get(row, col)
			cells = append(cells, CellWrite{Row: uint64(row), Col: uint64(col), Value: v})
		}
	}
	changes = append(changes, SetChange(t.ID, cells))
	return Transaction{Changes: changes}
}
