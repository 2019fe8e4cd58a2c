// Package schema maps FileMaker layout metadata onto the canonical table
// model exposed to the host and converts raw field values to canonical types.
package schema

// Type is a canonical column type exposed to the host.
type Type string

// Canonical types.
const (
	String   Type = "string"
	Bool     Type = "bool"
	Date     Type = "date"
	DateTime Type = "datetime"
	Float    Type = "float"
	Int      Type = "int"
)

// RecordIDColumn is the synthetic column carrying the FileMaker record id.
// It is also the incremental refresh watermark.
const RecordIDColumn = "recordId"

// resultTypes maps FileMaker field result types to canonical types.
// Result types missing from this table (container, summary...) are dropped.
var resultTypes = map[string]Type{
	"text":      String,
	"bool":      Bool,
	"date":      Date,
	"time":      String,
	"timeStamp": DateTime,
	"number":    Float,
	"int":       Int,
}

// CanonicalType returns the canonical type for a FileMaker result type.
func CanonicalType(result string) (Type, bool) {
	t, ok := resultTypes[result]
	return t, ok
}

// Valid reports whether t is one of the canonical types.
func (t Type) Valid() bool {
	switch t {
	case String, Bool, Date, DateTime, Float, Int:
		return true
	}
	return false
}

// Column is one output column. Source is the key of the value in the
// record's fieldData; ID is the unique column identifier exposed to the host.
type Column struct {
	ID     string `json:"id"`
	Alias  string `json:"alias"`
	Source string `json:"source,omitempty"`
	Type   Type   `json:"dataType"`
}

// TableSchema describes the table produced from one layout. Column order is
// significant: rows are decoded positionally against it.
type TableSchema struct {
	ID                string   `json:"id"`
	Alias             string   `json:"alias"`
	Layout            string   `json:"layout"`
	Columns           []Column `json:"columns"`
	IncrementColumnID string   `json:"incrementColumnId,omitempty"`
}

// DataColumns returns the columns decoded from fieldData, i.e. every column
// but the synthetic record id.
func (s *TableSchema) DataColumns() []Column {
	cols := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		if c.ID == RecordIDColumn && c.Source == "" {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// ColumnIDs returns the column identifiers in order.
func (s *TableSchema) ColumnIDs() []string {
	ids := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		ids[i] = c.ID
	}
	return ids
}

// Row is one decoded record keyed by column id, values already coerced.
type Row map[string]any

// Batch is an ordered page of rows.
type Batch []Row

// FieldOrder is the persisted decoding order of a layout: parallel slices of
// fieldData keys, canonical types and column ids.
type FieldOrder struct {
	FieldNames []string `json:"fieldNames"`
	FieldTypes []Type   `json:"fieldTypes"`
	FieldIDs   []string `json:"fieldIds,omitempty"`
}

// Order derives the persisted field order from s.
func (s *TableSchema) Order() FieldOrder {
	data := s.DataColumns()
	fo := FieldOrder{
		FieldNames: make([]string, len(data)),
		FieldTypes: make([]Type, len(data)),
		FieldIDs:   make([]string, len(data)),
	}
	for i, c := range data {
		fo.FieldNames[i] = c.Source
		fo.FieldTypes[i] = c.Type
		fo.FieldIDs[i] = c.ID
	}
	return fo
}

// Columns rebuilds the data columns described by fo. When ids were not
// persisted the field names are used as ids.
func (fo FieldOrder) Columns() []Column {
	n := len(fo.FieldNames)
	if len(fo.FieldTypes) < n {
		n = len(fo.FieldTypes)
	}
	cols := make([]Column, n)
	for i := 0; i < n; i++ {
		id := fo.FieldNames[i]
		if i < len(fo.FieldIDs) && fo.FieldIDs[i] != "" {
			id = fo.FieldIDs[i]
		}
		cols[i] = Column{ID: id, Alias: fo.FieldNames[i], Source: fo.FieldNames[i], Type: fo.FieldTypes[i]}
	}
	return cols
}
