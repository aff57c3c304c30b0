package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Bounds(t *testing.T) {
	table := NewTable(HashString("data"), 2, 3)
	require.NoError(t, table.Set(1, 1, NewNumber(5)))
	value, err := table.Get(1, 1)
	require.NoError(t, err)
	n, ok := value.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 5.0, n)

	_, err = table.Get(0, 1)
	assert.Error(t, err)
	_, err = table.Get(3, 1)
	assert.Error(t, err)
	assert.Error(t, table.Set(1, 4, NewNumber(1)))
}

func TestTable_AliasLookup(t *testing.T) {
	table := NewTable(HashString("registry"), 1, 2)
	alias := HashString("name")
	table.Aliases[alias] = 2
	require.NoError(t, table.Set(1, 2, NewBool(true)))

	value, err := table.GetByAlias(1, alias)
	require.NoError(t, err)
	assert.Equal(t, BoolValue, value.Kind)

	_, err = table.GetByAlias(1, HashString("nope"))
	assert.Error(t, err)
}

// A snapshot transaction rebuilds the table from nothing: shape
// first, aliases next, every cell last.
func TestSnapshotTransaction_Rebuilds(t *testing.T) {
	table := NewTable(HashString("out"), 2, 2)
	table.Aliases[HashString("left")] = 1
	table.Aliases[HashString("right")] = 2
	require.NoError(t, table.Set(1, 1, NewNumber(1)))
	require.NoError(t, table.Set(1, 2, NewNumber(2)))
	require.NoError(t, table.Set(2, 1, NewNumber(3)))
	require.NoError(t, table.Set(2, 2, NewNumber(4)))

	txn := SnapshotTransaction(table)
	require.Len(t, txn.Changes, 4)

	assert.Equal(t, NewTableKind, txn.Changes[0].Kind)
	assert.Equal(t, 2, txn.Changes[0].Rows)
	assert.Equal(t, 2, txn.Changes[0].Cols)

	assert.Equal(t, ColumnAliasKind, txn.Changes[1].Kind)
	assert.Equal(t, 1, txn.Changes[1].Column)
	assert.Equal(t, ColumnAliasKind, txn.Changes[2].Kind)
	assert.Equal(t, 2, txn.Changes[2].Column)

	set := txn.Changes[3]
	assert.Equal(t, SetKind, set.Kind)
	require.Len(t, set.Cells, 4)

	rebuilt := NewTable(table.ID, 0, 0)
	for _, change := range txn.Changes {
		switch change.Kind {
		case NewTableKind:
			rebuilt = NewTable(change.TableID, change.Rows, change.Cols)
		case ColumnAliasKind:
			rebuilt.Aliases[change.Alias] = change.Column
		case SetKind:
			for _, cell := range change.Cells {
				require.NoError(t, rebuilt.Set(int(cell.Row), int(cell.Col), cell.Value))
			}
		}
	}
	assert.Equal(t, table.Data, rebuilt.Data)
	assert.Equal(t, table.Aliases, rebuilt.Aliases)
}

func TestTransaction_Tables(t *testing.T) {
	txn := Transaction{Changes: []Change{
		NewTableChange(1, 1, 1),
		SetChange(1, nil),
		SetChange(2, nil),
	}}
	assert.Equal(t, []uint64{1, 2}, txn.Tables())
}
