// Package sink receives the row batches of an extraction. The SQLite writer
// materializes every table schema as a SQLite table keyed by record id.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/kataras/filemaker-extractor/pkg/schema"
	"github.com/kataras/filemaker-extractor/pkg/store"
)

// Writer is the host side of the row output contract.
type Writer interface {
	// Prepare is called once per table before its first batch. With
	// truncate set, rows of a previous extraction are discarded.
	Prepare(ctx context.Context, ts schema.TableSchema, truncate bool) error
	// Write appends one batch of rows of ts.
	Write(ctx context.Context, ts schema.TableSchema, batch schema.Batch) error
}

var sqliteTypes = map[schema.Type]string{
	schema.String:   "TEXT",
	schema.Bool:     "INTEGER",
	schema.Date:     "TEXT",
	schema.DateTime: "TEXT",
	schema.Float:    "REAL",
	schema.Int:      "INTEGER",
}

// SQLite writes tables into a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when missing) the output database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := store.OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// NewSQLite wraps an already open database.
func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// DB returns the underlying database.
func (s *SQLite) DB() *sql.DB { return s.db }

// Prepare creates the table of ts when missing.
func (s *SQLite) Prepare(ctx context.Context, ts schema.TableSchema, truncate bool) error {
	defs := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		def := quote(c.ID) + " " + sqliteTypes[c.Type]
		if c.ID == schema.RecordIDColumn && c.Source == "" {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(ts.ID), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", ts.ID, err)
	}
	if truncate {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+quote(ts.ID)); err != nil {
			return fmt.Errorf("truncate table %s: %w", ts.ID, err)
		}
	}
	return nil
}

// Write upserts batch into the table of ts in one transaction.
func (s *SQLite) Write(ctx context.Context, ts schema.TableSchema, batch schema.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	cols := make([]string, len(ts.Columns))
	marks := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = quote(c.ID)
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quote(ts.ID), strings.Join(cols, ", "), strings.Join(marks, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", ts.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	ins, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", ts.ID, err)
	}
	defer ins.Close()

	args := make([]any, len(ts.Columns))
	for _, row := range batch {
		for i, c := range ts.Columns {
			args[i] = row[c.ID]
		}
		if _, err := ins.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", ts.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", ts.ID, err)
	}
	return nil
}

// Count returns the number of rows stored for table.
func (s *SQLite) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(table)).Scan(&n)
	return n, err
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Memory keeps every batch in memory, grouped by table id.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]schema.TableSchema
	batches map[string][]schema.Batch
}

// NewMemory returns an empty in-memory writer.
func NewMemory() *Memory {
	return &Memory{
		tables:  make(map[string]schema.TableSchema),
		batches: make(map[string][]schema.Batch),
	}
}

func (m *Memory) Prepare(_ context.Context, ts schema.TableSchema, truncate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[ts.ID] = ts
	if truncate {
		delete(m.batches, ts.ID)
	}
	return nil
}

func (m *Memory) Write(_ context.Context, ts schema.TableSchema, batch schema.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[ts.ID] = append(m.batches[ts.ID], batch)
	return nil
}

// Batches returns the batches written for table, in write order.
func (m *Memory) Batches(table string) []schema.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Batch(nil), m.batches[table]...)
}

// Rows returns every row written for table, in write order.
func (m *Memory) Rows(table string) []schema.Row {
	var rows []schema.Row
	for _, b := range m.Batches(table) {
		rows = append(rows, b...)
	}
	return rows
}
