package fmextractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kataras/filemaker-extractor/pkg/config"
	"github.com/kataras/filemaker-extractor/pkg/extractor"
	"github.com/kataras/filemaker-extractor/pkg/filemaker"
	"github.com/kataras/filemaker-extractor/pkg/pager"
)

// Messages are the user facing error prefixes. Replace them to localize
// the reports; empty fields fall back to the English defaults.
type Messages struct {
	MissingInput     string `json:"errorMissingInput"`
	LoginFailed      string `json:"errorLoginFailed"`
	LogoutFailed     string `json:"errorLogoutFailed"`
	ConnectionFailed string `json:"errorConnectionFailed"`
	NoDatabase       string `json:"errorNoDatabase"`
	NoLayout         string `json:"errorNoLayout"`
	GetMetaData      string `json:"errorGetMetaData"`
	CreateCursor     string `json:"errorCreateCursor"`
	ResetCursor      string `json:"errorResetCursor"`
	FailedToFetch    string `json:"errorFailedToFetch"`
	NoResults        string `json:"errorNoResults"`
}

// DefaultMessages returns the English messages.
func DefaultMessages() Messages {
	return Messages{
		MissingInput:     "Missing input values",
		LoginFailed:      "Login failed",
		LogoutFailed:     "Logout failed",
		ConnectionFailed: "Fail to establish a connection to server.",
		NoDatabase:       "No database available for the given account",
		NoLayout:         "No layout available for the given account",
		GetMetaData:      "Fail to get FM meta Data",
		CreateCursor:     "FileMaker Create Cursor failed",
		ResetCursor:      "FileMaker Reset Cursor error",
		FailedToFetch:    "Failed to fetch Data",
		NoResults:        "No results found",
	}
}

// LoadMessages reads a JSON translation file. Keys missing from the file
// keep their English defaults.
func LoadMessages(path string) (Messages, error) {
	m := DefaultMessages()
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read messages: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode messages %s: %w", path, err)
	}
	return m, nil
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&m.MissingInput, d.MissingInput)
	fill(&m.LoginFailed, d.LoginFailed)
	fill(&m.LogoutFailed, d.LogoutFailed)
	fill(&m.ConnectionFailed, d.ConnectionFailed)
	fill(&m.NoDatabase, d.NoDatabase)
	fill(&m.NoLayout, d.NoLayout)
	fill(&m.GetMetaData, d.GetMetaData)
	fill(&m.CreateCursor, d.CreateCursor)
	fill(&m.ResetCursor, d.ResetCursor)
	fill(&m.FailedToFetch, d.FailedToFetch)
	fill(&m.NoResults, d.NoResults)
	return m
}

// TableError is an error reported to the host: the localized message of
// the failing step followed by the cause. Table is empty for failures that
// are not bound to a single table (configuration, login, logout).
type TableError struct {
	Table   string
	Message string
	Err     error
}

func (e *TableError) Error() string {
	msg := e.Message
	if e.Err != nil && !errors.Is(e.Err, pager.ErrNoResults) {
		msg += ": " + filemaker.Message(cause(e.Err))
	}
	if e.Table != "" {
		return e.Table + ": " + msg
	}
	return msg
}

func (e *TableError) Unwrap() error { return e.Err }

// cause strips the layout and step context, already part of the message.
func cause(err error) error {
	var (
		pe *pager.Error
		me *extractor.MetadataError
	)
	switch {
	case errors.As(err, &pe):
		return pe.Err
	case errors.As(err, &me):
		return me.Err
	}
	return err
}

// describe wraps err into a TableError carrying the message of the step
// it failed at.
func (m Messages) describe(table string, err error) *TableError {
	var (
		ce *config.ConfigurationError
		me *extractor.MetadataError
		pe *pager.Error
	)
	msg := m.FailedToFetch
	switch {
	case errors.As(err, &ce):
		msg = m.MissingInput
	case errors.As(err, &me):
		msg = m.GetMetaData
		if table == "" {
			table = me.Layout
		}
	case errors.Is(err, pager.ErrNoResults):
		msg = m.NoResults
	case errors.As(err, &pe):
		switch pe.Step {
		case pager.StepCreateCursor:
			msg = m.CreateCursor
		case pager.StepResetCursor:
			msg = m.ResetCursor
		}
	}
	return &TableError{Table: table, Message: msg, Err: err}
}

// loginError describes a failed login; transport failures mean the server
// was never reached.
func (m Messages) loginError(err error) *TableError {
	msg := m.LoginFailed
	if filemaker.KindOf(err) == filemaker.KindTransport {
		msg = m.ConnectionFailed
	}
	return &TableError{Message: msg, Err: err}
}
