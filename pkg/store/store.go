// Package store persists extraction state in a SQLite database: the
// connection blob of every named connection and the per-table watermarks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kataras/filemaker-extractor/pkg/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS connections (
	name       TEXT PRIMARY KEY,
	blob       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS watermarks (
	connection TEXT NOT NULL,
	table_id   TEXT NOT NULL,
	record_id  INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (connection, table_id)
);`

// Store is a SQLite backed state store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating when missing) the state database at path.
// The special path ":memory:" keeps the state in memory.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenDB opens a SQLite database with the pragmas shared by the state store
// and the output sink.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	// a single connection serializes writers and keeps in-memory databases alive
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %q: %w", path, err)
	}
	return db, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LoadConfig returns the blob stored under name. A connection that was never
// saved yields a zero configuration, like an absent blob.
func (s *Store) LoadConfig(ctx context.Context, name string) (*config.Config, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM connections WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return config.Parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load connection %q: %w", name, err)
	}
	return config.Parse([]byte(blob))
}

// SaveConfig stores c under name, replacing the previous blob.
func (s *Store) SaveConfig(ctx context.Context, name string, c *config.Config) error {
	blob, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode connection %q: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connections (name, blob, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		name, string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save connection %q: %w", name, err)
	}
	return nil
}

// Watermark returns the last record id extracted for table, zero when none.
func (s *Store) Watermark(ctx context.Context, connection, table string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM watermarks WHERE connection = ? AND table_id = ?`,
		connection, table).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark %s/%s: %w", connection, table, err)
	}
	return id, nil
}

// Watermarks returns every watermark of connection keyed by table id.
func (s *Store) Watermarks(ctx context.Context, connection string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, record_id FROM watermarks WHERE connection = ?`, connection)
	if err != nil {
		return nil, fmt.Errorf("load watermarks of %s: %w", connection, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			table string
			id    int64
		)
		if err := rows.Scan(&table, &id); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[table] = id
	}
	return out, rows.Err()
}

// SetWatermark records id as the last record extracted for table.
func (s *Store) SetWatermark(ctx context.Context, connection, table string, id int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO watermarks (connection, table_id, record_id, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(connection, table_id) DO UPDATE SET record_id = excluded.record_id, updated_at = excluded.updated_at`,
		connection, table, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save watermark %s/%s: %w", connection, table, err)
	}
	return nil
}

// ClearWatermarks forgets every watermark of connection, forcing a full refresh.
func (s *Store) ClearWatermarks(ctx context.Context, connection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watermarks WHERE connection = ?`, connection); err != nil {
		return fmt.Errorf("clear watermarks of %s: %w", connection, err)
	}
	return nil
}
