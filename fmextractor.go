package fmextractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kataras/filemaker-extractor/pkg/config"
	"github.com/kataras/filemaker-extractor/pkg/extractor"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/formatter"
	"github.com/kataras/filemaker-extractor/pkg/schema"
	"github.com/kataras/filemaker-extractor/pkg/session"
	"github.com/kataras/filemaker-extractor/pkg/sink"
	"github.com/kataras/filemaker-extractor/pkg/store"
)

// Version of the extractor.
const Version = "0.1.0"

// DefaultConnection names the connection blob when Options.Connection is empty.
const DefaultConnection = "default"

// Options configures an extraction run.
type Options struct {
	// Config is the connection blob. When nil it is loaded from Store.
	Config *config.Config
	// Store persists the blob and the watermarks. Optional.
	Store *store.Store
	// Connection names the blob and watermarks in Store.
	Connection string

	// Watermarks are the last extracted record ids of an incremental run,
	// keyed by table id. They override the values kept in Store, so hosts
	// without a Store resume from Result.Summary.Tables of a previous run.
	Watermarks map[string]int64

	// Sink receives the rows of every table. Optional.
	Sink sink.Writer
	// OnBatch is called after Sink for every batch. Optional.
	OnBatch func(ctx context.Context, ts schema.TableSchema, b schema.Batch) error

	Concurrency      int           // tables extracted at once, <2 = sequential
	RunTimeout       time.Duration // 0 = no deadline
	RequestTimeout   time.Duration // 0 = filemaker.DefaultTimeout
	RateLimit        float64       // requests per second, 0 = unlimited
	RateBurst        int
	AllowEmptyTables bool // empty layouts are empty tables instead of errors
	FullRefresh      bool // ignore stored and supplied watermarks
	KeepSession      bool // skip the logout so the token can be reused by the next run

	HTTPClient *http.Client
	// MetadataCache keeps layout metadata between runs of a long lived
	// host. A single run loads every layout once and needs no cache.
	MetadataCache *extractor.MetadataCache

	Messages Messages
	Logger   Logger // nil = no logging
}

// Logger receives progress messages. A nil Logger means silent operation.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Result contains the extraction output.
type Result struct {
	Summary  *extractor.Summary
	Tables   []schema.TableSchema
	Errors   []*TableError // one per failed table, plus a logout failure
	Markdown string        // formatted markdown report
}

func (o *Options) logInfo(f string, a ...any) {
	if o.Logger != nil {
		o.Logger.Infof(f, a...)
	}
}

func (o *Options) logWarn(f string, a ...any) {
	if o.Logger != nil {
		o.Logger.Warnf(f, a...)
	}
}

func (o *Options) logError(f string, a ...any) {
	if o.Logger != nil {
		o.Logger.Errorf(f, a...)
	}
}

// Run executes the extraction pipeline: login, metadata of every layout,
// paged extraction of every table and logout.
//
// Failures before extraction starts (configuration, login, metadata) return
// a nil Result. Table failures do not stop the other tables; they are listed
// in Result.Errors and joined into the returned error, as is a logout failure.
func Run(ctx context.Context, opts Options) (_ *Result, err error) {
	msgs := opts.Messages.withDefaults()
	if opts.Connection == "" {
		opts.Connection = DefaultConnection
	}
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	cfg := opts.Config
	if cfg == nil {
		if opts.Store == nil {
			return nil, msgs.describe("", &config.ConfigurationError{Err: errors.New("no configuration and no store")})
		}
		if cfg, err = opts.Store.LoadConfig(ctx, opts.Connection); err != nil {
			return nil, msgs.describe("", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		te := msgs.describe("", err)
		opts.logError("%v", te)
		return nil, te
	}

	summary := &extractor.Summary{
		RunID:     uuid.NewString(),
		Endpoint:  cfg.Endpoint,
		Database:  cfg.Database,
		StartedAt: time.Now(),
	}

	clientOpts := []filemaker.Option{filemaker.WithRateLimit(opts.RateLimit, opts.RateBurst)}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, filemaker.WithHTTPClient(opts.HTTPClient))
	}
	clientOpts = append(clientOpts, filemaker.WithTimeout(opts.RequestTimeout))
	client := filemaker.NewClient(cfg.Endpoint, clientOpts...)

	exOpts := []extractor.Option{
		extractor.WithConcurrency(opts.Concurrency),
		extractor.WithMetadataCache(opts.MetadataCache),
	}
	if opts.AllowEmptyTables {
		exOpts = append(exOpts, extractor.AllowEmptyTables())
	}
	var ex *extractor.Extractor
	if opts.Store != nil {
		exOpts = append(exOpts, extractor.OnStateChange(func() {
			if err := saveConfig(ctx, &opts, ex); err != nil {
				opts.logWarn("%v", err)
			}
		}))
	}
	ex = extractor.New(client, cfg, exOpts...)

	opts.logInfo("Run %s: connecting to %s (database %s)...", summary.RunID, client.BaseURL(), cfg.Database)
	if _, err := ex.Session().Ensure(ctx); err != nil {
		opts.logError("Login failed: %v", err)
		return nil, msgs.loginError(err)
	}

	result := &Result{Summary: summary}
	defer func() {
		if !opts.KeepSession {
			if logoutErr := Shutdown(ctx, ex.Session(), opts); logoutErr != nil {
				var te *TableError
				if errors.As(logoutErr, &te) {
					result.Errors = append(result.Errors, te)
				}
				err = errors.Join(err, logoutErr)
			}
			_ = ex.WithConfig(func(c *config.Config) error {
				c.ResetState()
				return nil
			})
		}
		if saveErr := saveConfig(ctx, &opts, ex); saveErr != nil {
			opts.logWarn("%v", saveErr)
		}
	}()

	opts.logInfo("Loading metadata of %d layout(s)...", len(cfg.Layouts))
	tables, err := ex.Schemas(ctx)
	if err != nil {
		te := msgs.describe("", err)
		opts.logError("%v", te)
		return nil, te
	}
	result.Tables = tables

	watermarks, err := loadWatermarks(ctx, &opts, cfg, tables)
	if err != nil {
		return nil, err
	}

	if opts.Sink != nil {
		for _, ts := range tables {
			if err := opts.Sink.Prepare(ctx, ts, watermarks[ts.ID] == 0); err != nil {
				return nil, fmt.Errorf("prepare table %s: %w", ts.ID, err)
			}
		}
	}

	emit := func(ctx context.Context, ts schema.TableSchema, b schema.Batch) error {
		if opts.Sink != nil {
			if err := opts.Sink.Write(ctx, ts, b); err != nil {
				return err
			}
		}
		if opts.OnBatch != nil {
			return opts.OnBatch(ctx, ts, b)
		}
		return nil
	}

	opts.logInfo("Extracting %d table(s)...", len(tables))
	summary.Tables = ex.ExtractAll(ctx, tables, watermarks, emit)

	var errs []error
	for _, rep := range summary.Tables {
		if opts.Store != nil && cfg.Incremental && rep.Watermark > rep.StartWatermark {
			if err := opts.Store.SetWatermark(ctx, opts.Connection, rep.Schema.ID, rep.Watermark); err != nil {
				opts.logWarn("%v", err)
			}
		}
		if rep.Err != nil {
			te := msgs.describe(rep.Schema.ID, rep.Err)
			opts.logError("%v", te)
			result.Errors = append(result.Errors, te)
			errs = append(errs, te)
			continue
		}
		opts.logInfo("%s: %d row(s) in %d page(s), watermark %d", rep.Schema.ID, rep.Rows, rep.Pages, rep.Watermark)
	}

	summary.Duration = time.Since(summary.StartedAt)
	result.Markdown = formatter.ToMarkdown(summary)
	return result, errors.Join(errs...)
}

// Shutdown closes the session. It always completes: a logout failure is
// logged and returned as a *TableError but leaves the session cleared.
func Shutdown(ctx context.Context, s *session.Session, opts Options) error {
	msgs := opts.Messages.withDefaults()

	// the run context may already be done; logging out still deserves a try
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.Logout(ctx); err != nil {
		te := &TableError{Message: msgs.LogoutFailed, Err: err}
		opts.logWarn("%v", te)
		return te
	}
	opts.logInfo("Session closed")
	return nil
}

func saveConfig(ctx context.Context, opts *Options, ex *extractor.Extractor) error {
	if opts.Store == nil {
		return nil
	}
	return ex.WithConfig(func(c *config.Config) error {
		return opts.Store.SaveConfig(context.WithoutCancel(ctx), opts.Connection, c)
	})
}

// loadWatermarks returns the watermark of every table keyed by table id.
// Full refreshes and non incremental configurations start from zero.
// Options.Watermarks takes precedence over the stored values.
func loadWatermarks(ctx context.Context, opts *Options, cfg *config.Config, tables []schema.TableSchema) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	if !cfg.Incremental {
		return out, nil
	}
	if opts.FullRefresh {
		if opts.Store != nil {
			if err := opts.Store.ClearWatermarks(ctx, opts.Connection); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	stored := make(map[string]int64)
	if opts.Store != nil {
		var err error
		if stored, err = opts.Store.Watermarks(ctx, opts.Connection); err != nil {
			return nil, err
		}
	}
	for _, ts := range tables {
		if ts.IncrementColumnID == "" {
			continue
		}
		if w, ok := opts.Watermarks[ts.ID]; ok {
			out[ts.ID] = w
			continue
		}
		out[ts.ID] = stored[ts.ID]
	}
	return out, nil
}
