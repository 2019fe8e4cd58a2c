package fmextractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kataras/filemaker-extractor/internal/fmtest"
	"github.com/kataras/filemaker-extractor/pkg/config"
	"github.com/kataras/filemaker-extractor/pkg/extractor"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/pager"
	"github.com/kataras/filemaker-extractor/pkg/schema"
	"github.com/kataras/filemaker-extractor/pkg/session"
	"github.com/kataras/filemaker-extractor/pkg/sink"
	"github.com/kataras/filemaker-extractor/pkg/store"
)

func salesServer(t *testing.T, orders int) *fmtest.Server {
	t.Helper()
	srv := fmtest.New("admin", "secret")
	t.Cleanup(srv.Close)
	srv.Databases = []string{"Sales"}
	srv.Fields["Orders"] = []fmtest.Field{
		{ID: "OrderNo", Name: "OrderNo", Result: "text"},
		{ID: "Placed", Name: "Placed", Result: "timeStamp"},
		{ID: "Total", Name: "Total", Result: "number"},
	}
	srv.AddRecords("Orders", orders, func(id int64) map[string]any {
		return map[string]any{
			"OrderNo": fmt.Sprintf("SO-%d", id),
			"Placed":  fmt.Sprintf("03/05/2021 14:30:%02d", id),
			"Total":   float64(id),
		}
	})
	return srv
}

func salesConfig(srv *fmtest.Server) *config.Config {
	c, _ := config.Parse(nil)
	c.Endpoint = srv.URL
	c.Database = "Sales"
	c.Layouts = []string{"Orders"}
	c.Username, c.Password = "admin", "secret"
	c.PageSize = 2
	return c
}

type batchRecorder struct {
	mu      sync.Mutex
	batches []schema.Batch
}

func (r *batchRecorder) onBatch(_ context.Context, _ schema.TableSchema, b schema.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(level, f string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(f, a...))
}

func (l *testLogger) Infof(f string, a ...any)  { l.add("INFO", f, a...) }
func (l *testLogger) Warnf(f string, a ...any)  { l.add("WARN", f, a...) }
func (l *testLogger) Errorf(f string, a ...any) { l.add("ERROR", f, a...) }

func TestRun_EndToEnd(t *testing.T) {
	srv := salesServer(t, 5)
	var rec batchRecorder
	log := &testLogger{}

	res, err := Run(context.Background(), Options{
		Config:  salesConfig(srv),
		OnBatch: rec.onBatch,
		Logger:  log,
	})
	require.NoError(t, err)

	sizes := make([]int, len(rec.batches))
	for i, b := range rec.batches {
		sizes[i] = len(b)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	var prev int64
	for _, b := range rec.batches {
		for _, row := range b {
			id := row[schema.RecordIDColumn].(int64)
			assert.Greater(t, id, prev, "rows in watermark order")
			prev = id
		}
	}
	assert.Equal(t, int64(5), prev)
	assert.Equal(t, "2021-03-05 14:30:05", rec.batches[2][0]["Placed"])

	require.Len(t, res.Tables, 1)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(5), res.Summary.TotalRows())
	assert.NotEmpty(t, res.Summary.RunID)
	assert.Contains(t, res.Markdown, "# FileMaker Extraction - Sales")

	st := srv.Stats()
	assert.Equal(t, 1, st.Logins)
	assert.Equal(t, 1, st.Logouts)
	assert.Zero(t, srv.ActiveSessions())
	assert.NotEmpty(t, log.lines)
}

func TestRun_WrongCredentials(t *testing.T) {
	srv := salesServer(t, 5)
	cfg := salesConfig(srv)
	cfg.Password = "wrong"

	res, err := Run(context.Background(), Options{Config: cfg})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, filemaker.IsUnauthorized(err))

	var te *TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Login failed", te.Message)
	assert.Equal(t, "Login failed: Invalid user account and/or password; please try again", te.Error())

	st := srv.Stats()
	assert.Equal(t, 1, st.Logins)
	assert.Zero(t, st.CursorCreates)
	assert.Zero(t, st.Metadata)
}

func TestRun_MissingInput(t *testing.T) {
	srv := salesServer(t, 1)
	cfg := salesConfig(srv)
	cfg.Database = ""
	cfg.Layouts = nil

	_, err := Run(context.Background(), Options{Config: cfg})
	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"database", "layouts"}, ce.Fields)
	assert.True(t, strings.HasPrefix(err.Error(), "Missing input values: "))
	assert.Zero(t, srv.Stats().Logins)

	_, err = Run(context.Background(), Options{})
	require.ErrorAs(t, err, &ce)
}

func TestRun_MetadataFailure(t *testing.T) {
	srv := salesServer(t, 1)
	srv.FailMetadata = map[string]bool{"Orders": true}

	_, err := Run(context.Background(), Options{Config: salesConfig(srv)})
	var te *TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Orders: Fail to get FM meta Data: Layout is missing", te.Error())
	assert.Equal(t, 1, srv.Stats().Logouts, "session closed after the failure")
}

func TestRun_EmptyTable(t *testing.T) {
	srv := salesServer(t, 0)

	res, err := Run(context.Background(), Options{Config: salesConfig(srv)})
	require.Error(t, err)
	require.NotNil(t, res)
	require.ErrorIs(t, err, pager.ErrNoResults)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Orders: No results found", res.Errors[0].Error())

	res, err = Run(context.Background(), Options{Config: salesConfig(srv), AllowEmptyTables: true})
	require.NoError(t, err)
	assert.Zero(t, res.Summary.TotalRows())
}

func TestRun_IncrementalWithStore(t *testing.T) {
	ctx := context.Background()
	srv := salesServer(t, 5)
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer st.Close()
	out, err := sink.OpenSQLite(ctx, filepath.Join(dir, "out.db"))
	require.NoError(t, err)
	defer out.Close()

	cfg := salesConfig(srv)
	cfg.Incremental = true
	require.NoError(t, st.SaveConfig(ctx, "sales", cfg))

	opts := Options{Store: st, Connection: "sales", Sink: out}
	_, err = Run(ctx, opts)
	require.NoError(t, err)

	wm, err := st.Watermark(ctx, "sales", "Orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), wm)

	saved, err := st.LoadConfig(ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, saved.Token, "logout clears the token")
	assert.Empty(t, saved.Cursors)
	require.Len(t, saved.TableInfos, 1)
	assert.Equal(t, schema.RecordIDColumn, saved.TableInfos[0].IncrementColumnID)

	srv.AddRecords("Orders", 2, func(id int64) map[string]any {
		return map[string]any{"OrderNo": fmt.Sprintf("SO-%d", id), "Placed": "", "Total": float64(id)}
	})
	res, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Summary.TotalRows())
	assert.Contains(t, srv.Stats().ResetIDs, "5")

	n, err := out.Count(ctx, "Orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	wm, err = st.Watermark(ctx, "sales", "Orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), wm)

	// full refresh starts over and replaces the table
	opts.FullRefresh = true
	res, err = Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Summary.TotalRows())
	n, _ = out.Count(ctx, "Orders")
	assert.Equal(t, int64(7), n)
}

func TestRun_IncrementalWithSuppliedWatermarks(t *testing.T) {
	srv := salesServer(t, 5)
	cfg := salesConfig(srv)
	cfg.Incremental = true

	var rec batchRecorder
	res, err := Run(context.Background(), Options{
		Config:     cfg,
		OnBatch:    rec.onBatch,
		Watermarks: map[string]int64{"Orders": 3},
	})
	require.NoError(t, err)

	require.Len(t, rec.batches, 1)
	ids := []int64{}
	for _, row := range rec.batches[0] {
		ids = append(ids, row[schema.RecordIDColumn].(int64))
	}
	assert.Equal(t, []int64{4, 5}, ids)
	assert.Equal(t, []string{"3"}, srv.Stats().ResetIDs)

	require.Len(t, res.Summary.Tables, 1)
	assert.Equal(t, int64(3), res.Summary.Tables[0].StartWatermark)
	assert.Equal(t, int64(5), res.Summary.Tables[0].Watermark)

	// nothing new after the last watermark is an empty, successful table
	cfg = salesConfig(srv)
	cfg.Incremental = true
	rec = batchRecorder{}
	res, err = Run(context.Background(), Options{
		Config:     cfg,
		OnBatch:    rec.onBatch,
		Watermarks: map[string]int64{"Orders": 5},
	})
	require.NoError(t, err)
	assert.Empty(t, rec.batches)
	assert.Equal(t, int64(0), res.Summary.TotalRows())
}

func TestRun_SharedMetadataCache(t *testing.T) {
	srv := salesServer(t, 3)
	cache := extractor.NewMetadataCache(16, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := Run(context.Background(), Options{Config: salesConfig(srv), MetadataCache: cache})
		require.NoError(t, err)
	}
	st := srv.Stats()
	assert.Equal(t, 1, st.Metadata)
	assert.Equal(t, 3, st.Logins)
}

func TestRun_KeepSession(t *testing.T) {
	ctx := context.Background()
	srv := salesServer(t, 3)
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SaveConfig(ctx, "sales", salesConfig(srv)))

	opts := Options{Store: st, Connection: "sales", KeepSession: true}
	_, err = Run(ctx, opts)
	require.NoError(t, err)

	saved, err := st.LoadConfig(ctx, "sales")
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Token)
	assert.NotEmpty(t, saved.Cursors["Orders"])
	assert.Equal(t, 1, srv.ActiveSessions())

	// the next run reuses the stored session
	_, err = Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Stats().Logins)
}

func TestRun_LogoutFailureIsReported(t *testing.T) {
	srv := salesServer(t, 5)
	var rec batchRecorder

	res, err := Run(context.Background(), Options{
		Config: salesConfig(srv),
		OnBatch: func(ctx context.Context, ts schema.TableSchema, b schema.Batch) error {
			if len(b) < 2 {
				srv.ExpireSessions()
			}
			return rec.onBatch(ctx, ts, b)
		},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Len(t, rec.batches, 3)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Logout failed", res.Errors[0].Message)
	assert.Equal(t, 1, srv.Stats().Logouts)
}

func TestRun_SinkFailure(t *testing.T) {
	srv := salesServer(t, 5)
	boom := errors.New("disk full")

	res, err := Run(context.Background(), Options{
		Config:  salesConfig(srv),
		OnBatch: func(context.Context, schema.TableSchema, schema.Batch) error { return boom },
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Orders: Failed to fetch Data: disk full", res.Errors[0].Error())
}

func TestShutdown_NoSession(t *testing.T) {
	srv := salesServer(t, 0)
	s := session.New(filemaker.NewClient(srv.URL), "Sales", filemaker.Credentials{})
	assert.NoError(t, Shutdown(context.Background(), s, Options{}))
	assert.Zero(t, srv.Stats().Logouts)
}

func TestMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fr.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"errorLoginFailed":"Échec de la connexion"}`), 0o644))

	m, err := LoadMessages(path)
	require.NoError(t, err)
	assert.Equal(t, "Échec de la connexion", m.LoginFailed)
	assert.Equal(t, "No results found", m.NoResults)

	partial := Messages{NoResults: "Aucun résultat"}.withDefaults()
	assert.Equal(t, "Aucun résultat", partial.NoResults)
	assert.Equal(t, "Logout failed", partial.LogoutFailed)

	_, err = LoadMessages(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMessages_Describe(t *testing.T) {
	m := DefaultMessages()
	srcErr := &filemaker.Error{Kind: filemaker.KindSource, Code: "401", Message: "No records match the request"}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"create cursor", &pager.Error{Layout: "Orders", Step: pager.StepCreateCursor, Err: srcErr}, "Orders: FileMaker Create Cursor failed: No records match the request"},
		{"reset cursor", &pager.Error{Layout: "Orders", Step: pager.StepResetCursor, Err: srcErr}, "Orders: FileMaker Reset Cursor error: No records match the request"},
		{"fetch", &pager.Error{Layout: "Orders", Step: pager.StepFetch, Err: srcErr}, "Orders: Failed to fetch Data: No records match the request"},
		{"no results", &pager.Error{Layout: "Orders", Step: pager.StepFetch, Err: pager.ErrNoResults}, "Orders: No results found"},
		{"configuration", &config.ConfigurationError{Fields: []string{"database"}}, "Orders: Missing input values: invalid configuration: database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.describe("Orders", tt.err).Error())
		})
	}

	transport := &filemaker.Error{Kind: filemaker.KindTransport, Message: "no response from server"}
	assert.Equal(t, "Fail to establish a connection to server.: no response from server", m.loginError(transport).Error())
}
