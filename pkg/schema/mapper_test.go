package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

func ordersFields() []filemaker.FieldDescriptor {
	return []filemaker.FieldDescriptor{
		{ID: "OrderNo", Name: "OrderNo", Result: "text"},
		{ID: "Picture", Name: "Picture", Result: "container"},
		{ID: "Total", Name: "Total", Result: "number"},
		{ID: "Placed", Name: "Placed", Result: "date"},
		{ID: "Contact::Name", Name: "Contact::Name", Result: "text"},
		{ID: "Contact::Name", Name: "Contact::Name", Result: "text"},
		{ID: "Updated", Name: "Updated", Result: "timeStamp"},
		{ID: "Qty", Name: "Qty", Result: "int"},
		{ID: "Paid", Name: "Paid", Result: "bool"},
		{ID: "At", Name: "At", Result: "time"},
	}
}

func TestMapLayoutMetadata(t *testing.T) {
	ts := MapLayoutMetadata("Orders", ordersFields(), true)

	assert.Equal(t, "Orders", ts.ID)
	assert.Equal(t, "Orders", ts.Alias)
	assert.Equal(t, RecordIDColumn, ts.IncrementColumnID)
	assert.Equal(t, []string{
		"OrderNo", "Total", "Placed", "Contact::Name_Contact", "Updated", "Qty", "Paid", "At", RecordIDColumn,
	}, ts.ColumnIDs())

	types := make([]Type, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		types = append(types, c.Type)
	}
	assert.Equal(t, []Type{String, Float, Date, String, DateTime, Int, Bool, String, Int}, types)

	related := ts.Columns[3]
	assert.Equal(t, "Contact::Name", related.Alias)
	assert.Equal(t, "Contact::Name", related.Source)
}

func TestMapLayoutMetadata_Idempotent(t *testing.T) {
	a := MapLayoutMetadata("Orders", ordersFields(), true)
	b := MapLayoutMetadata("Orders", ordersFields(), true)
	assert.Equal(t, a, b)
}

func TestMapLayoutMetadata_UnsupportedDoesNotShiftIndices(t *testing.T) {
	with := MapLayoutMetadata("L", []filemaker.FieldDescriptor{
		{ID: "a", Name: "a", Result: "text"},
		{ID: "blob", Name: "blob", Result: "container"},
		{ID: "b", Name: "b", Result: "number"},
	}, false)
	without := MapLayoutMetadata("L", []filemaker.FieldDescriptor{
		{ID: "a", Name: "a", Result: "text"},
		{ID: "b", Name: "b", Result: "number"},
	}, false)

	assert.Equal(t, without.Columns, with.Columns)
	assert.NotContains(t, with.ColumnIDs(), "blob")
}

func TestMapLayoutMetadata_DuplicateFirstWins(t *testing.T) {
	ts := MapLayoutMetadata("L", []filemaker.FieldDescriptor{
		{ID: "Contact::Name", Name: "Contact::Name", Result: "text"},
		{ID: "Contact::Name", Name: "Contact::Name", Result: "number"},
	}, false)

	require.Len(t, ts.Columns, 2)
	assert.Equal(t, "Contact::Name_Contact", ts.Columns[0].ID)
	assert.Equal(t, String, ts.Columns[0].Type)
	assert.Equal(t, RecordIDColumn, ts.Columns[1].ID)
}

func TestMapLayoutMetadata_RealRecordIDFieldDropped(t *testing.T) {
	ts := MapLayoutMetadata("L", []filemaker.FieldDescriptor{
		{ID: "recordId", Name: "recordId", Result: "number"},
		{ID: "x", Name: "x", Result: "text"},
	}, false)
	assert.Equal(t, []string{"x", RecordIDColumn}, ts.ColumnIDs())
}

func TestMapLayoutMetadata_Incremental(t *testing.T) {
	tests := []struct {
		name        string
		fields      []filemaker.FieldDescriptor
		incremental bool
		want        string
	}{
		{"enabled with columns", []filemaker.FieldDescriptor{{ID: "a", Name: "a", Result: "text"}}, true, RecordIDColumn},
		{"disabled", []filemaker.FieldDescriptor{{ID: "a", Name: "a", Result: "text"}}, false, ""},
		{"enabled without mapped columns", []filemaker.FieldDescriptor{{ID: "c", Name: "c", Result: "container"}}, true, ""},
		{"enabled without fields", nil, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := MapLayoutMetadata("L", tt.fields, tt.incremental)
			assert.Equal(t, tt.want, ts.IncrementColumnID)
			assert.Equal(t, RecordIDColumn, ts.Columns[len(ts.Columns)-1].ID)
		})
	}
}

func TestTableID(t *testing.T) {
	tests := []struct {
		layout string
		want   string
	}{
		{"Orders", "Orders"},
		{"order_lines_2", "order_lines_2"},
		{"Order Lines", "OrderLines"},
		{"Kunden-Übersicht", "Kundenbersicht"},
		{"***", "table"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.layout, func(t *testing.T) {
			assert.Equal(t, tt.want, TableID(tt.layout))
		})
	}

	ts := MapLayoutMetadata("Order Lines", nil, false)
	assert.Equal(t, "OrderLines", ts.ID)
	assert.Equal(t, "Order Lines", ts.Alias)
	assert.Equal(t, "Order Lines", ts.Layout)
}

func TestUniqueTableIDs(t *testing.T) {
	tests := []struct {
		name    string
		layouts []string
		want    []string
	}{
		{"distinct", []string{"Orders", "Customers"}, []string{"Orders", "Customers"}},
		{"same after sanitizing", []string{"Order Lines", "Order-Lines", "OrderLines"}, []string{"OrderLines", "OrderLines_2", "OrderLines_3"}},
		{"case only", []string{"orders", "Orders"}, []string{"orders", "Orders_2"}},
		{"suffix already taken", []string{"Order Lines", "OrderLines", "OrderLines_2"}, []string{"OrderLines", "OrderLines_3", "OrderLines_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := make([]TableSchema, len(tt.layouts))
			for i, l := range tt.layouts {
				tables[i] = MapLayoutMetadata(l, nil, false)
			}
			UniqueTableIDs(tables)

			got := make([]string, len(tables))
			for i, ts := range tables {
				got[i] = ts.ID
				assert.Equal(t, tt.layouts[i], ts.Layout)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldID(t *testing.T) {
	tests := []struct {
		name string
		fd   filemaker.FieldDescriptor
		want string
	}{
		{"plain", filemaker.FieldDescriptor{ID: "Name", Name: "Name"}, "Name"},
		{"related", filemaker.FieldDescriptor{ID: "Contact::Name", Name: "Contact::Name"}, "Contact::Name_Contact"},
		{"related with spaces", filemaker.FieldDescriptor{ID: "12", Name: "Order Items 2::Qty"}, "12_OrderItems2"},
		{"missing id", filemaker.FieldDescriptor{Name: "Name"}, "Name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldID(tt.fd))
		})
	}
}

func TestFieldOrderRoundTrip(t *testing.T) {
	ts := MapLayoutMetadata("Orders", ordersFields(), false)
	fo := ts.Order()

	assert.Equal(t, len(ts.Columns)-1, len(fo.FieldNames))
	assert.Equal(t, ts.DataColumns(), fo.Columns())

	legacy := FieldOrder{FieldNames: []string{"a", "b"}, FieldTypes: []Type{String, Int}}
	cols := legacy.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, "b", cols[1].ID)
	assert.Equal(t, Int, cols[1].Type)
}
