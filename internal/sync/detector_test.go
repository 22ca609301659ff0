package sync

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
)

var testTables = []config.TableConfig{
	{Name: "ingredients", EntityType: "ingredient", PrimaryKey: "id", OwnerColumn: "user_id", WatchColumns: []string{"cost_per_unit"}},
	{Name: "menu_items", EntityType: "menu_item", PrimaryKey: "id", OwnerColumn: "user_id"},
	{Name: "employees", EntityType: "employee", PrimaryKey: "id", OwnerColumn: "user_id"},
}

func TestDetect_InsertAlwaysForwarded(t *testing.T) {
	d := NewDetector(testTables)
	ev, err := d.Detect(RowChange{
		Type:  Insert,
		Table: "ingredients",
		New:   map[string]any{"id": int64(42), "user_id": "owner-1", "cost_per_unit": "2.00"},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, ChangeEvent{OwnerID: "owner-1", EntityType: "ingredient", EntityID: "42", Operation: Insert}, *ev)
	assert.Equal(t, "ingredient:42", ev.Key())
}

func TestDetect_UnchangedCostIsDropped(t *testing.T) {
	d := NewDetector(testTables)
	ev, err := d.Detect(RowChange{
		Type:  Update,
		Table: "ingredients",
		Old:   map[string]any{"id": "ing-1", "user_id": "owner-1", "cost_per_unit": "2.00", "name": "Flour"},
		New:   map[string]any{"id": "ing-1", "user_id": "owner-1", "cost_per_unit": "2.0", "name": "Plain flour"},
	})
	require.NoError(t, err)
	assert.Nil(t, ev, "only the watched cost column counts")
}

func TestDetect_ChangedCostIsForwarded(t *testing.T) {
	d := NewDetector(testTables)
	ev, err := d.Detect(RowChange{
		Type:  Update,
		Table: "ingredients",
		Old:   map[string]any{"id": "ing-1", "user_id": "owner-1", "cost_per_unit": 2.00},
		New:   map[string]any{"id": "ing-1", "user_id": "owner-1", "cost_per_unit": 2.25},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, Update, ev.Operation)
	assert.Equal(t, []string{"cost_per_unit"}, ev.ChangedFields)
}

func TestDetect_UnwatchedTableComparesAllColumns(t *testing.T) {
	d := NewDetector(testTables)

	ev, err := d.Detect(RowChange{
		Type:  Update,
		Table: "menu_items",
		Old:   map[string]any{"id": "dish-1", "user_id": "owner-1", "name": "Soup", "price": "8.50"},
		New:   map[string]any{"id": "dish-1", "user_id": "owner-1", "name": "Soup", "price": "8.50"},
	})
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = d.Detect(RowChange{
		Type:  Update,
		Table: "menu_items",
		Old:   map[string]any{"id": "dish-1", "user_id": "owner-1", "name": "Soup", "price": "8.50"},
		New:   map[string]any{"id": "dish-1", "user_id": "owner-1", "name": "Soup of the day", "price": "9.00"},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"name", "price"}, ev.ChangedFields)
}

func TestDetect_IgnoredNotifications(t *testing.T) {
	d := NewDetector(testTables)

	ev, err := d.Detect(RowChange{Type: Insert, Table: "invoices", New: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = d.Detect(RowChange{Type: Delete, Table: "employees", Old: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDetect_MalformedNotifications(t *testing.T) {
	d := NewDetector(testTables)

	cases := []RowChange{
		{Type: Insert, Table: "employees"},
		{Type: Insert, Table: "employees", New: map[string]any{"user_id": "owner-1"}},
		{Type: Insert, Table: "employees", New: map[string]any{"id": "e-1"}},
		{Type: "truncate", Table: "employees", New: map[string]any{"id": "e-1"}},
	}
	for _, c := range cases {
		ev, err := d.Detect(c)
		assert.Nil(t, ev)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	}
}

func TestSameValue(t *testing.T) {
	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, "x"))
	assert.True(t, sameValue([]byte("abc"), "abc"))
	assert.True(t, sameValue(int64(3), "3.0"))
	assert.False(t, sameValue("Flour", "flour"))
	assert.True(t, sameValue("2.00", "2.0"))
	assert.False(t, sameValue("0012", "12"))
	assert.False(t, sameValue("1e2", "100"))
	assert.False(t, sameValue("NaN", "nan"))
	assert.False(t, sameValue(math.NaN(), math.NaN()))
}

func TestDetect_LeadingZerosAreAChange(t *testing.T) {
	d := NewDetector([]config.TableConfig{
		{Name: "ingredients", EntityType: "ingredient", PrimaryKey: "id", OwnerColumn: "user_id", WatchColumns: []string{"sku"}},
	})

	ev, err := d.Detect(RowChange{
		Type:  Update,
		Table: "ingredients",
		Old:   map[string]any{"id": "ing-1", "user_id": "owner-1", "sku": "0012"},
		New:   map[string]any{"id": "ing-1", "user_id": "owner-1", "sku": "12"},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"sku"}, ev.ChangedFields)
}
