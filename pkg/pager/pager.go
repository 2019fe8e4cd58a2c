// Package pager reads the records of one layout through a server-side
// cursor, page by page, resuming after a record id watermark.
package pager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kataras/filemaker-extractor/internal/observe"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/schema"
	"github.com/kataras/filemaker-extractor/pkg/session"
)

// DefaultPageSize is used when no page size is configured.
const DefaultPageSize = 1000

// ErrNoResults is returned when the very first page of a layout is empty.
var ErrNoResults = errors.New("no results found")

// CursorClient is the cursor resource of the Data API. *filemaker.Client implements it.
type CursorClient interface {
	CreateCursor(ctx context.Context, token, database, layout string) (string, error)
	ResetCursor(ctx context.Context, token, cursor, database, layout string, recordID int64) error
	FetchCursor(ctx context.Context, token, cursor, database, layout string, limit int) ([]filemaker.Record, error)
}

// State is the position of a Pager in its lifecycle.
type State int

const (
	NoCursor State = iota
	CursorCreated
	Paging
	Exhausted
)

func (s State) String() string {
	switch s {
	case NoCursor:
		return "no cursor"
	case CursorCreated:
		return "cursor created"
	case Paging:
		return "paging"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Step identifies the cursor operation that failed.
type Step int

const (
	StepCreateCursor Step = iota
	StepResetCursor
	StepFetch
	StepEmit
)

func (s Step) String() string {
	switch s {
	case StepCreateCursor:
		return "create cursor"
	case StepResetCursor:
		return "reset cursor"
	case StepFetch:
		return "fetch page"
	case StepEmit:
		return "emit batch"
	default:
		return "unknown"
	}
}

// Error reports the step at which the extraction of a layout stopped.
type Error struct {
	Layout string
	Step   Step
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Layout, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cursor is the per-layout extraction context. An empty Token means no
// cursor exists yet; LastRecordID is the watermark.
type Cursor struct {
	Layout       string
	Token        string
	LastRecordID int64
}

// Option configures a Pager.
type Option func(*Pager)

// WithPageSize sets the number of records requested per page.
// Non-positive values select DefaultPageSize.
func WithPageSize(n int) Option {
	return func(p *Pager) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// OnCursorChange registers fn to receive every newly created cursor token.
func OnCursorChange(fn func(layout, token string)) Option {
	return func(p *Pager) { p.onCursorChange = fn }
}

// AllowEmpty makes an empty layout a normal, exhausted result instead of ErrNoResults.
func AllowEmpty() Option {
	return func(p *Pager) { p.allowEmpty = true }
}

// Pager pages through one layout. It is not safe for concurrent use;
// every table gets its own Pager.
type Pager struct {
	client     CursorClient
	supervisor *session.Supervisor
	database   string
	columns    []schema.Column

	pageSize       int
	onCursorChange func(layout, token string)
	allowEmpty     bool

	cursor  Cursor
	state   State
	pages   int
	emitted int64
}

// New returns a pager for cur.Layout decoding records against columns, the
// persisted field order of the table. A cursor token in cur is reused and
// repositioned at cur.LastRecordID before the first page.
func New(client CursorClient, supervisor *session.Supervisor, database string, cur Cursor, columns []schema.Column, opts ...Option) *Pager {
	p := &Pager{
		client:     client,
		supervisor: supervisor,
		database:   database,
		columns:    columns,
		pageSize:   DefaultPageSize,
		cursor:     cur,
	}
	if cur.Token != "" {
		p.state = CursorCreated
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state.
func (p *Pager) State() State { return p.state }

// Cursor returns the current cursor and watermark.
func (p *Pager) Cursor() Cursor { return p.cursor }

// Pages returns the number of pages fetched, empty ones included.
func (p *Pager) Pages() int { return p.pages }

// Rows returns the number of rows emitted.
func (p *Pager) Rows() int64 { return p.emitted }

// Run drives the pager to exhaustion, handing every non-empty page to emit
// in record order. The watermark advances only after emit returned nil, and
// no page is requested before the previous one was emitted.
//
// On cancellation in-flight requests are abandoned; the cursor is not closed.
func (p *Pager) Run(ctx context.Context, emit func(context.Context, schema.Batch) error) error {
	for p.state != Exhausted {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch p.state {
		case NoCursor:
			err := p.supervisor.Do(ctx, session.IntentCreateCursor, p.create, nil)
			if err != nil {
				return p.fail(StepCreateCursor, err)
			}
			p.state = CursorCreated

		case CursorCreated:
			err := p.supervisor.Do(ctx, session.IntentResetCursor, p.reset, p.create)
			if err != nil {
				return p.fail(StepResetCursor, err)
			}
			p.state = Paging

		case Paging:
			if err := p.next(ctx, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pager) next(ctx context.Context, emit func(context.Context, schema.Batch) error) error {
	var records []filemaker.Record
	fetch := func(ctx context.Context, token string) (err error) {
		records, err = p.client.FetchCursor(ctx, token, p.cursor.Token, p.database, p.cursor.Layout, p.pageSize)
		return err
	}
	if err := p.supervisor.Do(ctx, session.IntentFetchPage, fetch, p.recreate); err != nil {
		return p.fail(StepFetch, err)
	}
	p.pages++
	observe.Pages.WithLabelValues(p.cursor.Layout).Inc()

	if len(records) == 0 {
		if p.cursor.LastRecordID == 0 && !p.allowEmpty {
			return p.fail(StepFetch, ErrNoResults)
		}
		p.state = Exhausted
		return nil
	}

	batch := make(schema.Batch, 0, len(records))
	last := p.cursor.LastRecordID
	for _, rec := range records {
		row, id, err := schema.Decode(p.columns, rec)
		if err != nil {
			return p.fail(StepFetch, err)
		}
		batch = append(batch, row)
		last = id
	}

	if err := emit(ctx, batch); err != nil {
		return p.fail(StepEmit, err)
	}
	p.cursor.LastRecordID = last
	p.emitted += int64(len(batch))
	observe.Rows.WithLabelValues(p.cursor.Layout).Add(float64(len(batch)))

	slog.Debug("page emitted", "layout", p.cursor.Layout, "rows", len(batch), "watermark", last)

	if len(records) < p.pageSize {
		p.state = Exhausted
	}
	return nil
}

// create opens a new cursor and publishes it.
func (p *Pager) create(ctx context.Context, token string) error {
	ct, err := p.client.CreateCursor(ctx, token, p.database, p.cursor.Layout)
	if err != nil {
		return err
	}
	p.cursor.Token = ct
	observe.Cursors.WithLabelValues(p.cursor.Layout).Inc()
	if p.onCursorChange != nil {
		p.onCursorChange(p.cursor.Layout, ct)
	}
	return nil
}

func (p *Pager) reset(ctx context.Context, token string) error {
	return p.client.ResetCursor(ctx, token, p.cursor.Token, p.database, p.cursor.Layout, p.cursor.LastRecordID)
}

// recreate rebuilds the cursor after a session renewal and seeks it to the
// last acknowledged watermark.
func (p *Pager) recreate(ctx context.Context, token string) error {
	if err := p.create(ctx, token); err != nil {
		return err
	}
	return p.reset(ctx, token)
}

func (p *Pager) fail(step Step, err error) error {
	return &Error{Layout: p.cursor.Layout, Step: step, Err: err}
}
