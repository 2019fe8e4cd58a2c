// Package fmextractor extracts the layouts of a FileMaker database through
// the FileMaker Data API and hands them to an analytics host as typed
// tables, page by page, with incremental refresh by record id.
//
// The CLI lives in cmd/fm-extractor; this root package exposes the same
// pipeline as a Go API so that callers can embed extraction in their own
// tools without shelling out.
//
// # Import
//
// The module path contains a hyphen but Go package names cannot, so the
// package is named fmextractor:
//
//	import "github.com/kataras/filemaker-extractor" // package fmextractor
//
// # Quick start
//
//	cfg, _ := config.Parse(nil)
//	cfg.Endpoint = "https://fms.example.com"
//	cfg.Database = "Sales"
//	cfg.Layouts = []string{"Orders", "Customers"}
//	cfg.Username, cfg.Password = "admin", os.Getenv("FM_PASSWORD")
//
//	result, err := fmextractor.Run(ctx, fmextractor.Options{
//	    Config: cfg,
//	    OnBatch: func(ctx context.Context, ts schema.TableSchema, b schema.Batch) error {
//	        // append b to the host table ts.ID
//	        return nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("extraction.md", []byte(result.Markdown), 0644)
//
// # State
//
// Pass a [store.Store] in [Options.Store] to keep the connection blob (the
// session token, cursors and table schemas) and the per-table watermarks
// between runs. With Config.Incremental set, every run resumes after the
// highest record id extracted so far.
//
// # Session expiry
//
// A request rejected with 401 is retried once after a single token
// renewal. Cursor operations recreate their cursor and seek it back to the
// last acknowledged record first. Any other failure aborts the table and is
// reported as a [TableError] carrying a localizable [Messages] prefix.
//
// # Logging
//
// Pass a [Logger] implementation in [Options.Logger] to receive progress
// messages. A nil Logger silences all output. Request level details go to
// log/slog at debug level.
package fmextractor
