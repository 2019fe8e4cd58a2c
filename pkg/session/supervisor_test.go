package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kataras/filemaker-extractor/pkg/filemaker"
)

type fakeRenewer struct {
	token  string
	renews int
	stale  []string
	err    error
}

func (f *fakeRenewer) Token() string { return f.token }

func (f *fakeRenewer) Renew(ctx context.Context, stale string) (string, error) {
	f.renews++
	f.stale = append(f.stale, stale)
	if f.err != nil {
		return "", f.err
	}
	f.token = "fresh"
	return f.token, nil
}

// errAny marks a case where any error is expected.
var errAny = errors.New("any")

func unauthorized() error {
	return &filemaker.Error{Kind: filemaker.KindUnauthorized, Op: "fetch cursor", Status: 401, Code: "952", Message: "Invalid FileMaker Data API token (*)"}
}

// recorder counts calls of an Op and fails according to results.
type recorder struct {
	tokens  []string
	results []error
}

func (r *recorder) op(ctx context.Context, token string) error {
	i := len(r.tokens)
	r.tokens = append(r.tokens, token)
	if i < len(r.results) {
		return r.results[i]
	}
	return nil
}

func TestSupervisor_Do(t *testing.T) {
	sourceErr := &filemaker.Error{Kind: filemaker.KindSource, Op: "fetch cursor", Code: "401", Message: "No records match the request"}
	renewErr := errors.New("renew failed")
	restoreErr := unauthorized()

	tests := []struct {
		name        string
		intent      Intent
		opResults   []error
		restoreErr  error
		renewErr    error
		wantErr     error
		wantOps     int
		wantRenews  int
		wantRestore int
	}{
		{name: "success", intent: IntentFetchPage, wantOps: 1},
		{name: "source error not retried", intent: IntentFetchPage, opResults: []error{sourceErr}, wantErr: sourceErr, wantOps: 1},
		{name: "call renewed and retried", intent: IntentCall, opResults: []error{unauthorized()}, wantOps: 2, wantRenews: 1},
		{name: "create cursor retried without restore", intent: IntentCreateCursor, opResults: []error{unauthorized()}, wantOps: 2, wantRenews: 1},
		{name: "reset restores first", intent: IntentResetCursor, opResults: []error{unauthorized()}, wantOps: 2, wantRenews: 1, wantRestore: 1},
		{name: "fetch restores first", intent: IntentFetchPage, opResults: []error{unauthorized()}, wantOps: 2, wantRenews: 1, wantRestore: 1},
		{name: "second unauthorized is fatal", intent: IntentFetchPage, opResults: []error{unauthorized(), unauthorized()}, wantErr: errAny, wantOps: 2, wantRenews: 1, wantRestore: 1},
		{name: "renew failure propagates", intent: IntentFetchPage, opResults: []error{unauthorized()}, renewErr: renewErr, wantErr: renewErr, wantOps: 1, wantRenews: 1},
		{name: "restore failure propagates", intent: IntentFetchPage, opResults: []error{unauthorized()}, restoreErr: restoreErr, wantErr: restoreErr, wantOps: 1, wantRenews: 1, wantRestore: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRenewer{token: "stale", err: tt.renewErr}
			op := &recorder{results: tt.opResults}
			restores := 0
			restore := func(ctx context.Context, token string) error {
				restores++
				assert.Equal(t, "fresh", token)
				return tt.restoreErr
			}

			err := NewSupervisor(r).Do(context.Background(), tt.intent, op.op, restore)

			switch {
			case tt.wantErr == errAny:
				assert.Error(t, err)
			case tt.wantErr != nil:
				assert.Same(t, tt.wantErr, err)
			default:
				assert.NoError(t, err)
			}
			assert.Len(t, op.tokens, tt.wantOps)
			assert.Equal(t, tt.wantRenews, r.renews)
			assert.Equal(t, tt.wantRestore, restores)
			if tt.wantRenews > 0 {
				assert.Equal(t, []string{"stale"}, r.stale)
			}
			if tt.wantOps == 2 {
				assert.Equal(t, []string{"stale", "fresh"}, op.tokens)
			}
		})
	}
}

func TestSupervisor_NilRestore(t *testing.T) {
	r := &fakeRenewer{token: "stale"}
	op := &recorder{results: []error{unauthorized()}}
	err := NewSupervisor(r).Do(context.Background(), IntentResetCursor, op.op, nil)
	assert.NoError(t, err)
	assert.Len(t, op.tokens, 2)
}

func TestIntent(t *testing.T) {
	assert.False(t, IntentCall.CursorDependent())
	assert.False(t, IntentCreateCursor.CursorDependent())
	assert.True(t, IntentResetCursor.CursorDependent())
	assert.True(t, IntentFetchPage.CursorDependent())
	assert.Equal(t, "fetch page", IntentFetchPage.String())
	assert.Equal(t, "unknown", Intent(42).String())
}
