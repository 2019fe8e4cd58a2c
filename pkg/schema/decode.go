package schema

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

// Decode builds the row of rec positionally from cols (the persisted field
// order) and returns it together with the record id. Values that cannot be
// converted to their column type are emitted as nil.
func Decode(cols []Column, rec filemaker.Record) (Row, int64, error) {
	id, err := strconv.ParseInt(rec.RecordID, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid record id %q: %w", rec.RecordID, err)
	}

	row := make(Row, len(cols)+1)
	for _, c := range cols {
		v, err := Coerce(c.Type, rec.FieldData[c.Source])
		if err != nil {
			slog.Warn("dropping unconvertible value", "column", c.ID, "record_id", id, "error", err)
			v = nil
		}
		row[c.ID] = v
	}
	row[RecordIDColumn] = id
	return row, id, nil
}
