package session

import (
	"context"
	"log/slog"

	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

// Intent names the operation a Supervisor guards. It decides what has to be
// rebuilt after the session is renewed.
type Intent int

const (
	// IntentCall is any call that only depends on the session token.
	IntentCall Intent = iota
	// IntentCreateCursor opens a cursor; retried as is after renewal.
	IntentCreateCursor
	// IntentResetCursor needs a new cursor before the retry.
	IntentResetCursor
	// IntentFetchPage needs a new cursor positioned at the last
	// acknowledged watermark before the retry.
	IntentFetchPage
)

func (i Intent) String() string {
	switch i {
	case IntentCall:
		return "call"
	case IntentCreateCursor:
		return "create cursor"
	case IntentResetCursor:
		return "reset cursor"
	case IntentFetchPage:
		return "fetch page"
	default:
		return "unknown"
	}
}

// CursorDependent reports whether the intent is bound to a cursor that dies
// with the session.
func (i Intent) CursorDependent() bool {
	return i == IntentResetCursor || i == IntentFetchPage
}

// Renewer is the part of a Session the Supervisor needs.
type Renewer interface {
	Token() string
	Renew(ctx context.Context, stale string) (string, error)
}

// Op is a guarded operation. It receives the token to sign requests with.
type Op func(ctx context.Context, token string) error

// Supervisor runs operations with a recovery depth of one: an Unauthorized
// failure causes exactly one renewal, an optional restore of cursor state and
// one retry. Anything else, including failures of the recovery itself, is
// returned to the caller as is.
type Supervisor struct {
	renewer Renewer
}

// NewSupervisor returns a Supervisor renewing tokens through r.
func NewSupervisor(r Renewer) *Supervisor {
	return &Supervisor{renewer: r}
}

// Do runs op. For cursor dependent intents restore is run with the fresh
// token between renewal and retry; it is ignored for other intents.
func (s *Supervisor) Do(ctx context.Context, intent Intent, op, restore Op) error {
	token := s.renewer.Token()
	err := op(ctx, token)
	if err == nil || !filemaker.IsUnauthorized(err) {
		return err
	}

	slog.Debug("session expired, renewing", "intent", intent.String(), "error", err)

	fresh, err := s.renewer.Renew(ctx, token)
	if err != nil {
		return err
	}

	if intent.CursorDependent() && restore != nil {
		if err := restore(ctx, fresh); err != nil {
			return err
		}
	}

	return op(ctx, fresh)
}
