package schema

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

const (
	relationSeparator = "::"
	fallbackTableID   = "table"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)
	nonIdentifier     = regexp.MustCompile(`[^A-Za-z0-9_]+`)
)

// Sanitize strips every character that is not a letter, digit or underscore.
func Sanitize(s string) string {
	return nonIdentifier.ReplaceAllString(s, "")
}

// FieldID computes the column identifier of a field descriptor. Related
// fields ("Table::Field") get the sanitized relation table name as suffix so
// that same-named fields from different relations stay distinct.
func FieldID(fd filemaker.FieldDescriptor) string {
	id := fd.ID
	if id == "" {
		id = fd.Name
	}
	if i := strings.Index(fd.Name, relationSeparator); i != -1 {
		id += "_" + Sanitize(fd.Name[:i])
	}
	return id
}

// TableID returns the host table identifier for a layout name.
func TableID(layout string) string {
	if identifierPattern.MatchString(layout) {
		return layout
	}
	if id := Sanitize(layout); id != "" {
		return id
	}
	return fallbackTableID
}

// UniqueTableIDs renames tables whose id repeats an earlier one (ignoring
// case, as SQLite does) by appending _2, _3 and so on. The first table keeps
// its id; suffixes never take an id used by another table in the list.
func UniqueTableIDs(tables []TableSchema) {
	taken := make(map[string]bool, len(tables))
	for _, ts := range tables {
		taken[strings.ToLower(ts.ID)] = true
	}
	used := make(map[string]bool, len(tables))
	for i := range tables {
		id := tables[i].ID
		if !used[strings.ToLower(id)] {
			used[strings.ToLower(id)] = true
			continue
		}
		for n := 2; ; n++ {
			cand := id + "_" + strconv.Itoa(n)
			if key := strings.ToLower(cand); !taken[key] && !used[key] {
				tables[i].ID = cand
				used[key] = true
				break
			}
		}
	}
}

// MapLayoutMetadata translates the field descriptors of layout into a table
// schema. The mapping is deterministic: identical input always yields an
// identical schema.
//
// Fields whose result type has no canonical mapping are dropped, as are
// fields whose computed id was already produced (first occurrence wins).
// The synthetic record id column is always appended last. When incremental
// is set and at least one field was mapped, the record id is the increment column.
func MapLayoutMetadata(layout string, fields []filemaker.FieldDescriptor, incremental bool) TableSchema {
	ts := TableSchema{
		ID:      TableID(layout),
		Alias:   layout,
		Layout:  layout,
		Columns: make([]Column, 0, len(fields)+1),
	}

	// the synthetic record id column owns its identifier
	seen := map[string]struct{}{RecordIDColumn: {}}
	for _, fd := range fields {
		typ, ok := CanonicalType(fd.Result)
		if !ok {
			continue
		}
		id := FieldID(fd)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		source := fd.ID
		if source == "" {
			source = fd.Name
		}
		ts.Columns = append(ts.Columns, Column{ID: id, Alias: fd.Name, Source: source, Type: typ})
	}
	mapped := len(ts.Columns)

	ts.Columns = append(ts.Columns, Column{ID: RecordIDColumn, Alias: RecordIDColumn, Type: Int})

	if incremental && mapped > 0 {
		ts.IncrementColumnID = RecordIDColumn
	}
	return ts
}
