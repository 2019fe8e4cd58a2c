// Package session owns the FileMaker session token shared by every table of
// an extraction and the bounded recovery policy applied when it expires.
package session

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kataras/filemaker-extractor/internal/observe"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

// Authenticator opens and closes Data API sessions. *filemaker.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, creds filemaker.Credentials, database string) (string, error)
	Logout(ctx context.Context, database, token string) error
}

// Session is the read-mostly session token of one database.
// It is safe for concurrent use; renewals are serialized.
type Session struct {
	auth     Authenticator
	database string
	creds    filemaker.Credentials

	mu    sync.RWMutex
	token string

	renewals      singleflight.Group
	onTokenChange func(token string)
}

// Option configures a Session.
type Option func(*Session)

// WithToken seeds the session with a token persisted by a previous run.
func WithToken(token string) Option {
	return func(s *Session) { s.token = token }
}

// OnTokenChange registers fn to be called whenever the token changes:
// after every successful login and with an empty token after logout.
func OnTokenChange(fn func(token string)) Option {
	return func(s *Session) { s.onTokenChange = fn }
}

// New returns a session for database. No request is made until Login,
// Renew or Logout is called.
func New(auth Authenticator, database string, creds filemaker.Credentials, opts ...Option) *Session {
	s := &Session{auth: auth, database: database, creds: creds}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the database the session belongs to.
func (s *Session) Database() string { return s.database }

// Token returns the current token, empty when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Login opens a new session unconditionally and stores its token.
func (s *Session) Login(ctx context.Context) (string, error) {
	v, err, _ := s.renewals.Do("login", func() (any, error) {
		return s.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Ensure returns the current token, logging in first when there is none.
func (s *Session) Ensure(ctx context.Context) (string, error) {
	if tok := s.Token(); tok != "" {
		return tok, nil
	}
	return s.Login(ctx)
}

// Renew replaces the stale token with a fresh one. When another caller has
// already replaced stale, the current token is returned without logging in
// again, so concurrent callers that observed the same expiry share one login.
func (s *Session) Renew(ctx context.Context, stale string) (string, error) {
	if cur := s.Token(); cur != "" && cur != stale {
		return cur, nil
	}

	v, err, _ := s.renewals.Do("login", func() (any, error) {
		if cur := s.Token(); cur != "" && cur != stale {
			return cur, nil
		}
		tok, err := s.login(ctx)
		if err != nil {
			return "", err
		}
		observe.Renewals.Inc()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout closes the session and clears the token. The token is cleared even
// when the server rejects the logout.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	tok := s.token
	s.token = ""
	s.mu.Unlock()

	if tok == "" {
		return nil
	}
	s.notify("")
	return s.auth.Logout(ctx, s.database, tok)
}

func (s *Session) login(ctx context.Context) (string, error) {
	tok, err := s.auth.Login(ctx, s.creds, s.database)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	slog.Debug("session token acquired", "database", s.database)
	s.notify(tok)
	return tok, nil
}

func (s *Session) notify(tok string) {
	if s.onTokenChange != nil {
		s.onTokenChange(tok)
	}
}
