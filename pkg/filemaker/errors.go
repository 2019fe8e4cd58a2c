package filemaker

import (
	"errors"
	"fmt"
)

// Kind classifies a failed Data API call.
type Kind int

const (
	// KindUnknown is any failure that fits no other class, e.g. a non-2xx
	// status without an error envelope or an undecodable body.
	KindUnknown Kind = iota
	// KindUnauthorized is an HTTP 401. It is the only recoverable kind.
	KindUnauthorized
	// KindSource is a structured error envelope returned by the Data API.
	KindSource
	// KindTransport means no response was received.
	KindTransport
	// KindRequest means the request could not be built.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindSource:
		return "source"
	case KindTransport:
		return "transport"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Error is returned by every Client method on failure.
type Error struct {
	Kind    Kind
	Op      string // client operation, e.g. "login", "fetch cursor"
	Status  int    // HTTP status, 0 when no response was received
	Code    string // Data API message code, when an envelope was returned
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("filemaker %s: %s (code %s)", e.Op, msg, e.Code)
	}
	if e.Status != 0 {
		return fmt.Sprintf("filemaker %s: %s (status %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("filemaker %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsUnauthorized reports whether err is an expired or rejected session.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}

// Message returns the human readable part of err: the Data API message for
// classified errors, err.Error() otherwise.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
