// Package filemaker is a small client for the parts of the FileMaker Data API
// needed to extract layouts as tables: sessions, database and layout listing,
// layout metadata and the layout-scoped cursor resource.
//
// The client is stateless with respect to sessions. Tokens are passed to every
// call so that a single client can serve concurrent extractions.
package filemaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kataras/filemaker-extractor/internal/observe"
)

const (
	// APIPath is the Data API root appended to the configured endpoint.
	APIPath = "/fmi/data/vLatest"

	// CursorTokenHeader carries the cursor token on cursor-scoped calls.
	CursorTokenHeader = "X-FM-Data-Cursor-Token"

	// DefaultTimeout bounds a single request.
	DefaultTimeout = 60 * time.Second

	maxResponseSize = 64 << 20
)

// Client talks to one FileMaker Server Data API endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through a copy of hc. Its Timeout is kept unless WithTimeout follows.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		cp := *hc
		c.httpClient = &cp
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a client for endpoint, e.g. "https://fms.example.com".
// The Data API path is appended unless endpoint already ends with it.
func NewClient(endpoint string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasSuffix(base, APIPath) {
		base += APIPath
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the resolved Data API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Login opens a session on database and returns its token.
func (c *Client) Login(ctx context.Context, creds Credentials, database string) (string, error) {
	var resp sessionResponse
	err := c.do(ctx, call{
		op:     "login",
		method: http.MethodPost,
		path:   "/databases/" + url.PathEscape(database) + "/sessions",
		auth:   basicAuth(creds),
		body:   struct{}{},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &Error{Kind: KindUnknown, Op: "login", Message: "response carries no session token"}
	}
	return resp.Token, nil
}

// Logout closes the session identified by token. An empty token is a no-op.
func (c *Client) Logout(ctx context.Context, database, token string) error {
	if token == "" {
		return nil
	}
	return c.do(ctx, call{
		op:     "logout",
		method: http.MethodDelete,
		path:   "/databases/" + url.PathEscape(database) + "/sessions/" + url.PathEscape(token),
	}, nil)
}

// ListDatabases returns the names of the databases visible to creds.
func (c *Client) ListDatabases(ctx context.Context, creds Credentials) ([]string, error) {
	var resp databasesResponse
	err := c.do(ctx, call{
		op:     "list databases",
		method: http.MethodGet,
		path:   "/databases",
		auth:   basicAuth(creds),
	}, &resp)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Databases))
	for _, db := range resp.Databases {
		names = append(names, db.Name)
	}
	return names, nil
}

// ListLayouts returns the layout names of database with folders flattened depth-first.
func (c *Client) ListLayouts(ctx context.Context, token, database string) ([]string, error) {
	var resp layoutsResponse
	err := c.do(ctx, call{
		op:     "list layouts",
		method: http.MethodGet,
		path:   "/databases/" + url.PathEscape(database) + "/layouts",
		auth:   bearer(token),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return FlattenLayouts(resp.Layouts), nil
}

// LayoutMetadata returns the field descriptors of layout.
func (c *Client) LayoutMetadata(ctx context.Context, token, database, layout string) ([]FieldDescriptor, error) {
	var resp metadataResponse
	err := c.do(ctx, call{
		op:     "layout metadata",
		method: http.MethodGet,
		path:   layoutPath(database, layout) + "/metadata",
		auth:   bearer(token),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.MetaData) == 0 {
		return resp.FieldMetaData, nil
	}
	return resp.MetaData, nil
}

// CreateCursor opens a server-side cursor on layout and returns its token.
func (c *Client) CreateCursor(ctx context.Context, token, database, layout string) (string, error) {
	var resp cursorResponse
	err := c.do(ctx, call{
		op:     "create cursor",
		method: http.MethodPost,
		path:   layoutPath(database, layout) + "/cursor",
		auth:   bearer(token),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.CursorToken == "" {
		return "", &Error{Kind: KindUnknown, Op: "create cursor", Message: "response carries no cursor token"}
	}
	return resp.CursorToken, nil
}

// ResetCursor positions cursor just after recordID. A zero recordID rewinds
// the cursor to the first record.
func (c *Client) ResetCursor(ctx context.Context, token, cursor, database, layout string, recordID int64) error {
	var body any
	if recordID > 0 {
		body = resetRequest{RecordID: strconv.FormatInt(recordID, 10)}
	}
	return c.do(ctx, call{
		op:     "reset cursor",
		method: http.MethodPost,
		path:   layoutPath(database, layout) + "/cursor/reset",
		auth:   bearer(token),
		cursor: cursor,
		body:   body,
	}, nil)
}

// FetchCursor reads the next page of at most limit records from cursor.
func (c *Client) FetchCursor(ctx context.Context, token, cursor, database, layout string, limit int) ([]Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("_limit", strconv.Itoa(limit))
	}
	var resp recordsResponse
	err := c.do(ctx, call{
		op:     "fetch cursor",
		method: http.MethodGet,
		path:   layoutPath(database, layout) + "/cursor",
		query:  q,
		auth:   bearer(token),
		cursor: cursor,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func layoutPath(database, layout string) string {
	return "/databases/" + url.PathEscape(database) + "/layouts/" + url.PathEscape(layout)
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	auth   func(*http.Request)
	cursor string
	body   any
}

func basicAuth(creds Credentials) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(creds.Username, creds.Password) }
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (c *Client) do(ctx context.Context, in call, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
		}
		observe.Requests.WithLabelValues(in.op, outcome).Inc()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTransport, Op: in.op, Message: "rate limiter wait aborted", Err: err}
		}
	}

	var bodyReader io.Reader
	if in.body != nil {
		b, err := json.Marshal(in.body)
		if err != nil {
			return &Error{Kind: KindRequest, Op: in.op, Message: "failed to encode request body", Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	target := c.baseURL + in.path
	if len(in.query) > 0 {
		target += "?" + in.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, in.method, target, bodyReader)
	if err != nil {
		return &Error{Kind: KindRequest, Op: in.op, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if in.auth != nil {
		in.auth(req)
	}
	if in.cursor != "" {
		req.Header.Set(CursorTokenHeader, in.cursor)
	}

	slog.Debug("filemaker request", "op", in.op, "method", in.method, "path", in.path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Op: in.op, Message: "no response from server", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Kind: KindTransport, Op: in.op, Status: resp.StatusCode, Message: "failed to read response body", Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusUnauthorized {
		e := &Error{Kind: KindUnauthorized, Op: in.op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && len(env.Messages) > 0 {
			e.Code = env.Messages[0].Code
			e.Message = env.Messages[0].Message
		}
		return e
	}

	if decodeErr == nil && len(env.Messages) > 0 && env.Messages[0].Code != "0" {
		return &Error{
			Kind:    KindSource,
			Op:      in.op,
			Status:  resp.StatusCode,
			Code:    env.Messages[0].Code,
			Message: env.Messages[0].Message,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindUnknown, Op: in.op, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if decodeErr != nil {
		return &Error{Kind: KindUnknown, Op: in.op, Status: resp.StatusCode, Message: "failed to parse response", Err: decodeErr}
	}

	if out != nil && len(env.Response) > 0 {
		// numbers stay json.Number so wide integers survive until Coerce
		dec := json.NewDecoder(bytes.NewReader(env.Response))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return &Error{Kind: KindUnknown, Op: in.op, Status: resp.StatusCode, Message: "unexpected response shape", Err: fmt.Errorf("decode %s: %w", in.op, err)}
		}
	}
	return nil
}
