// Package fmtest provides an in-process fake of the FileMaker Data API
// endpoints used by the extractor, with server-side cursors and fault
// injection for session expiry.
package fmtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const apiPath = "/fmi/data/vLatest"

// Field is a layout field as reported by the metadata endpoint.
type Field struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Layout is a listing entry; folders carry children.
type Layout struct {
	Name     string
	Children []Layout // non-nil marks a folder
}

// Record is one stored row.
type Record struct {
	ID     int64
	Fields map[string]any
}

// Stats counts the calls served so far.
type Stats struct {
	Logins        int
	Logouts       int
	Databases     int
	LayoutLists   int
	Metadata      int
	CursorCreates int
	Resets        int
	ResetIDs      []string // recordId body of each reset, "" when absent
	Fetches       int
	PageSizes     []int // number of records returned by each successful fetch
}

// Server is a fake Data API. Configure the exported fields before issuing requests.
type Server struct {
	*httptest.Server

	Username string
	Password string

	Databases []string
	Layouts   []Layout
	Fields    map[string][]Field
	Records   map[string][]Record

	// UnauthorizedFetches lists 1-based fetch call numbers at which every
	// session expires before the call is answered.
	UnauthorizedFetches []int
	// UnauthorizedResets does the same for cursor reset calls.
	UnauthorizedResets []int
	// RejectLoginsAfter makes every login after the first n fail with 401.
	// Zero means logins are never rejected for that reason.
	RejectLoginsAfter int
	// FailMetadata returns a source error for the listed layouts.
	FailMetadata map[string]bool

	mu      sync.Mutex
	seq     int
	tokens  map[string]bool
	cursors map[string]*cursor
	stats   Stats
}

type cursor struct {
	token  string
	layout string
	pos    int
}

// New starts a fake server with the given credentials and no content.
func New(username, password string) *Server {
	s := &Server{
		Username: username,
		Password: password,
		Fields:   make(map[string][]Field),
		Records:  make(map[string][]Record),
		tokens:   make(map[string]bool),
		cursors:  make(map[string]*cursor),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AddRecords appends n sequential records (ids start after the current last id)
// built by fn to layout.
func (s *Server) AddRecords(layout string, n int, fn func(id int64) map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	if rs := s.Records[layout]; len(rs) > 0 {
		last = rs[len(rs)-1].ID
	}
	for i := 1; i <= n; i++ {
		id := last + int64(i)
		s.Records[layout] = append(s.Records[layout], Record{ID: id, Fields: fn(id)})
	}
}

// Stats returns a copy of the call counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.ResetIDs = append([]string(nil), s.stats.ResetIDs...)
	st.PageSizes = append([]int(nil), s.stats.PageSizes...)
	return st
}

// ExpireSessions invalidates every session token and cursor.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
}

// ActiveSessions returns the number of open session tokens.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Server) expireLocked() {
	s.tokens = make(map[string]bool)
	s.cursors = make(map[string]*cursor)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, apiPath)
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "databases" && r.Method == http.MethodGet:
		s.stats.Databases++
		if !s.basicOK(r) {
			writeError(w, http.StatusUnauthorized, "212", "Invalid user account and/or password; please try again")
			return
		}
		dbs := make([]map[string]string, 0, len(s.Databases))
		for _, name := range s.Databases {
			dbs = append(dbs, map[string]string{"name": name})
		}
		writeOK(w, map[string]any{"databases": dbs})

	case len(parts) == 3 && parts[2] == "sessions" && r.Method == http.MethodPost:
		s.stats.Logins++
		if !s.basicOK(r) || (s.RejectLoginsAfter > 0 && s.stats.Logins > s.RejectLoginsAfter) {
			writeError(w, http.StatusUnauthorized, "212", "Invalid user account and/or password; please try again")
			return
		}
		if !s.knownDatabase(parts[1]) {
			writeError(w, http.StatusInternalServerError, "802", "Unable to open file")
			return
		}
		s.seq++
		token := fmt.Sprintf("session-%d", s.seq)
		s.tokens[token] = true
		writeOK(w, map[string]any{"token": token})

	case len(parts) == 4 && parts[2] == "sessions" && r.Method == http.MethodDelete:
		s.stats.Logouts++
		if !s.tokens[parts[3]] {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		delete(s.tokens, parts[3])
		writeOK(w, map[string]any{})

	case len(parts) == 3 && parts[2] == "layouts" && r.Method == http.MethodGet:
		s.stats.LayoutLists++
		if !s.bearerOK(r) {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		writeOK(w, map[string]any{"layouts": encodeLayouts(s.Layouts)})

	case len(parts) == 5 && parts[4] == "metadata" && r.Method == http.MethodGet:
		s.stats.Metadata++
		if !s.bearerOK(r) {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		layout := parts[3]
		fields, ok := s.Fields[layout]
		if !ok || s.FailMetadata[layout] {
			writeError(w, http.StatusInternalServerError, "105", "Layout is missing")
			return
		}
		writeOK(w, map[string]any{"metaData": fields})

	case len(parts) == 5 && parts[4] == "cursor" && r.Method == http.MethodPost:
		s.stats.CursorCreates++
		if !s.bearerOK(r) {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		s.seq++
		ct := fmt.Sprintf("cursor-%d", s.seq)
		s.cursors[ct] = &cursor{token: bearerToken(r), layout: parts[3]}
		writeOK(w, map[string]any{"cursorToken": ct})

	case len(parts) == 6 && parts[4] == "cursor" && parts[5] == "reset" && r.Method == http.MethodPost:
		s.stats.Resets++
		if contains(s.UnauthorizedResets, s.stats.Resets) {
			s.expireLocked()
		}
		c, ok := s.cursorFor(r, parts[3])
		if !ok {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		var body struct {
			RecordID string `json:"recordId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.stats.ResetIDs = append(s.stats.ResetIDs, body.RecordID)
		c.pos = 0
		if body.RecordID != "" {
			after, err := strconv.ParseInt(body.RecordID, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "960", "Parameter is invalid")
				return
			}
			rs := s.Records[c.layout]
			c.pos = sort.Search(len(rs), func(i int) bool { return rs[i].ID > after })
		}
		writeOK(w, map[string]any{})

	case len(parts) == 5 && parts[4] == "cursor" && r.Method == http.MethodGet:
		s.stats.Fetches++
		if contains(s.UnauthorizedFetches, s.stats.Fetches) {
			s.expireLocked()
		}
		c, ok := s.cursorFor(r, parts[3])
		if !ok {
			writeError(w, http.StatusUnauthorized, "952", "Invalid FileMaker Data API token (*)")
			return
		}
		limit := 100
		if v := r.URL.Query().Get("_limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "960", "Parameter is invalid")
				return
			}
			limit = n
		}
		rs := s.Records[c.layout]
		end := c.pos + limit
		if end > len(rs) {
			end = len(rs)
		}
		data := make([]map[string]any, 0, end-c.pos)
		for _, rec := range rs[c.pos:end] {
			data = append(data, map[string]any{
				"recordId":  strconv.FormatInt(rec.ID, 10),
				"modId":     "0",
				"fieldData": rec.Fields,
			})
		}
		c.pos = end
		s.stats.PageSizes = append(s.stats.PageSizes, len(data))
		writeOK(w, map[string]any{"data": data})

	default:
		writeError(w, http.StatusNotFound, "3", "Command is unavailable")
	}
}

func (s *Server) basicOK(r *http.Request) bool {
	u, p, ok := r.BasicAuth()
	return ok && u == s.Username && p == s.Password
}

func (s *Server) bearerOK(r *http.Request) bool {
	return s.tokens[bearerToken(r)]
}

func (s *Server) knownDatabase(name string) bool {
	if len(s.Databases) == 0 {
		return true
	}
	for _, db := range s.Databases {
		if db == name {
			return true
		}
	}
	return false
}

func (s *Server) cursorFor(r *http.Request, layout string) (*cursor, bool) {
	if !s.bearerOK(r) {
		return nil, false
	}
	c, ok := s.cursors[r.Header.Get("X-FM-Data-Cursor-Token")]
	if !ok || c.token != bearerToken(r) || c.layout != layout {
		return nil, false
	}
	return c, true
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func encodeLayouts(ls []Layout) []map[string]any {
	out := make([]map[string]any, 0, len(ls))
	for _, l := range ls {
		if l.Children != nil {
			out = append(out, map[string]any{
				"name":              l.Name,
				"isFolder":          true,
				"folderLayoutNames": encodeLayouts(l.Children),
			})
			continue
		}
		out = append(out, map[string]any{"name": l.Name})
	}
	return out
}

func contains(ns []int, n int) bool {
	for _, v := range ns {
		if v == n {
			return true
		}
	}
	return false
}

func writeOK(w http.ResponseWriter, response any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": response,
		"messages": []map[string]string{{"code": "0", "message": "OK"}},
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]any{},
		"messages": []map[string]string{{"code": code, "message": message}},
	})
}
