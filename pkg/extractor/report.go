package extractor

import (
	"time"

	"github.com/kataras/filemaker-extractor/pkg/schema"
)

// TableReport is the outcome of one table extraction.
type TableReport struct {
	Schema         schema.TableSchema
	StartWatermark int64
	Watermark      int64
	Rows           int64
	Pages          int
	Duration       time.Duration
	Err            error
}

// OK reports whether the table was extracted completely.
func (r TableReport) OK() bool { return r.Err == nil }

// Summary describes an extraction run.
type Summary struct {
	RunID     string
	Endpoint  string
	Database  string
	StartedAt time.Time
	Duration  time.Duration
	Tables    []TableReport
}

// TotalRows returns the rows emitted over all tables.
func (s *Summary) TotalRows() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Rows
	}
	return n
}

// Failed returns the reports of tables that did not complete.
func (s *Summary) Failed() []TableReport {
	var out []TableReport
	for _, t := range s.Tables {
		if !t.OK() {
			out = append(out, t)
		}
	}
	return out
}
