// Package extractor drives the extraction of a FileMaker database: it loads
// the schema of every configured layout and pages the records of each table
// to the host, one cursor per table.
package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/kataras/filemaker-extractor/pkg/config"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/pager"
	"github.com/kataras/filemaker-extractor/pkg/schema"
	"github.com/kataras/filemaker-extractor/pkg/session"
)

// MetadataCache caches layout field descriptors keyed by database and layout.
type MetadataCache = expirable.LRU[string, []filemaker.FieldDescriptor]

// NewMetadataCache returns a cache holding up to size layouts for ttl.
func NewMetadataCache(size int, ttl time.Duration) *MetadataCache {
	return expirable.NewLRU[string, []filemaker.FieldDescriptor](size, nil, ttl)
}

// MetadataError reports a layout whose metadata could not be loaded.
type MetadataError struct {
	Layout string
	Err    error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("%s: layout metadata: %v", e.Layout, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// EmitFunc receives the batches of a table in record order.
type EmitFunc func(ctx context.Context, ts schema.TableSchema, batch schema.Batch) error

// Option configures an Extractor.
type Option func(*Extractor)

// WithConcurrency extracts up to n tables at once. Values below 2 extract
// tables sequentially in layout order.
func WithConcurrency(n int) Option {
	return func(e *Extractor) {
		if n > 1 {
			e.concurrency = n
		}
	}
}

// WithMetadataCache shares a metadata cache between extractors. Every layout
// is loaded once per run, so the cache only saves requests for hosts that
// run several extractions in one process. Without it nothing is cached.
func WithMetadataCache(c *MetadataCache) Option {
	return func(e *Extractor) {
		if c != nil {
			e.cache = c
		}
	}
}

// AllowEmptyTables reports empty layouts as empty tables instead of failing
// them with pager.ErrNoResults.
func AllowEmptyTables() Option {
	return func(e *Extractor) { e.allowEmpty = true }
}

// OnStateChange registers fn to be called after the session token or a
// cursor in the configuration changed. fn runs without locks held and may
// call WithConfig.
func OnStateChange(fn func()) Option {
	return func(e *Extractor) { e.onStateChange = fn }
}

// Extractor extracts the layouts of one configuration. Its methods are safe
// for concurrent use.
type Extractor struct {
	client     *filemaker.Client
	session    *session.Session
	supervisor *session.Supervisor
	cache      *MetadataCache

	concurrency   int
	allowEmpty    bool
	onStateChange func()

	mu  sync.Mutex
	cfg *config.Config
}

// New returns an extractor for cfg. The session starts from cfg.Token, if
// any, and every token or cursor change is written back to cfg.
func New(client *filemaker.Client, cfg *config.Config, opts ...Option) *Extractor {
	e := &Extractor{
		client:      client,
		cfg:         cfg,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	creds := filemaker.Credentials{Username: cfg.Username, Password: cfg.Password}
	e.session = session.New(client, cfg.Database, creds,
		session.WithToken(cfg.Token),
		session.OnTokenChange(e.tokenChanged))
	e.supervisor = session.NewSupervisor(e.session)
	return e
}

// Session returns the session shared by every table.
func (e *Extractor) Session() *session.Session { return e.session }

// WithConfig runs fn with exclusive access to the configuration.
func (e *Extractor) WithConfig(fn func(*config.Config) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.cfg)
}

// Schemas loads the metadata of every configured layout concurrently and
// returns the table schemas in layout order, with distinct table ids. The schemas and their field
// orders are stored in the configuration. A session is opened first when
// there is none.
func (e *Extractor) Schemas(ctx context.Context) ([]schema.TableSchema, error) {
	e.mu.Lock()
	layouts := append([]string(nil), e.cfg.Layouts...)
	incremental := e.cfg.Incremental
	e.mu.Unlock()

	if _, err := e.session.Ensure(ctx); err != nil {
		return nil, err
	}

	out := make([]schema.TableSchema, len(layouts))
	g, gctx := errgroup.WithContext(ctx)
	for i, layout := range layouts {
		g.Go(func() error {
			fields, err := e.metadata(gctx, layout)
			if err != nil {
				return &MetadataError{Layout: layout, Err: err}
			}
			out[i] = schema.MapLayoutMetadata(layout, fields, incremental)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	schema.UniqueTableIDs(out)

	e.mu.Lock()
	for _, ts := range out {
		e.cfg.SetTable(ts)
	}
	e.mu.Unlock()
	return out, nil
}

func (e *Extractor) metadata(ctx context.Context, layout string) ([]filemaker.FieldDescriptor, error) {
	key := e.client.BaseURL() + "/" + e.session.Database() + "/" + layout
	if e.cache != nil {
		if fields, ok := e.cache.Get(key); ok {
			return fields, nil
		}
	}

	var fields []filemaker.FieldDescriptor
	err := e.supervisor.Do(ctx, session.IntentCall, func(ctx context.Context, token string) (err error) {
		fields, err = e.client.LayoutMetadata(ctx, token, e.session.Database(), layout)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(key, fields)
	}
	return fields, nil
}

// ExtractTable pages the records of ts after watermark to emit. The report
// is filled even when the table fails part way; its Watermark is the last
// record id acknowledged by emit.
func (e *Extractor) ExtractTable(ctx context.Context, ts schema.TableSchema, watermark int64, emit EmitFunc) TableReport {
	started := time.Now()

	e.mu.Lock()
	cur := pager.Cursor{Layout: ts.Layout, Token: e.cfg.Cursors[ts.Layout], LastRecordID: watermark}
	cols, ok := e.cfg.Columns(ts.Layout)
	pageSize := e.cfg.EffectivePageSize()
	e.mu.Unlock()
	if !ok {
		cols = ts.DataColumns()
	}

	opts := []pager.Option{pager.WithPageSize(pageSize), pager.OnCursorChange(e.cursorChanged)}
	if e.allowEmpty {
		opts = append(opts, pager.AllowEmpty())
	}
	p := pager.New(e.client, e.supervisor, e.session.Database(), cur, cols, opts...)

	err := p.Run(ctx, func(ctx context.Context, b schema.Batch) error {
		return emit(ctx, ts, b)
	})

	return TableReport{
		Schema:         ts,
		StartWatermark: watermark,
		Watermark:      p.Cursor().LastRecordID,
		Rows:           p.Rows(),
		Pages:          p.Pages(),
		Duration:       time.Since(started),
		Err:            err,
	}
}

// ExtractAll extracts tables, each after its watermark (keyed by table id).
// A failing table does not stop the others; reports are in table order.
func (e *Extractor) ExtractAll(ctx context.Context, tables []schema.TableSchema, watermarks map[string]int64, emit EmitFunc) []TableReport {
	reports := make([]TableReport, len(tables))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, ts := range tables {
		g.Go(func() error {
			reports[i] = e.ExtractTable(ctx, ts, watermarks[ts.ID], emit)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (e *Extractor) tokenChanged(token string) {
	e.mu.Lock()
	e.cfg.Token = token
	e.mu.Unlock()
	e.changed()
}

func (e *Extractor) cursorChanged(layout, token string) {
	e.mu.Lock()
	e.cfg.SetCursor(layout, token)
	e.mu.Unlock()
	e.changed()
}

func (e *Extractor) changed() {
	if e.onStateChange != nil {
		e.onStateChange()
	}
}
