// Package sessiontest provides an in-memory session.Client for tests.
package sessiontest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/michaelbrown/sessionflow/internal/session"
)

// Call is one recorded protocol operation.
type Call struct {
	Op          string
	SessionID   string
	FileName    string
	ContentType string
	Content     string
	Request     any
}

// Fake scripts session service behaviour and records every call.
// Statuses are returned by successive GetExecutionStatus calls; the last one
// repeats once the script is exhausted.
type Fake struct {
	mu sync.Mutex

	NewSessionID string
	StartStatus  string
	Statuses     []string
	Files        map[string][]byte

	EnsureErr   error
	UploadErr   map[string]error
	ExecuteErr  error
	StatusErr   error
	DownloadErr error

	calls    []Call
	statusIx int
}

var _ session.Client = (*Fake)(nil)

// New returns a fake that creates sessions named id and reports statuses.
func New(id string, statuses ...string) *Fake {
	return &Fake{
		NewSessionID: id,
		StartStatus:  "Running",
		Statuses:     statuses,
		Files:        map[string][]byte{},
	}
}

func (f *Fake) record(c Call) {
	f.calls = append(f.calls, c)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the recorded operation names in order.
func (f *Fake) Ops() []string {
	var ops []string
	for _, c := range f.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) EnsureSession(ctx context.Context, req session.SessionRequest) (session.Descriptor, error) {
	if req.SessionID != "" {
		return session.Descriptor{ID: req.SessionID}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "ensure", Request: req})
	if f.EnsureErr != nil {
		return session.Descriptor{}, f.EnsureErr
	}
	id := f.NewSessionID
	if id == "" {
		id = req.PreferredSessionID
	}
	return session.Descriptor{ID: id, Created: true}, nil
}

func (f *Fake) UploadFile(ctx context.Context, sessionID, fileName string, content io.Reader, contentType string) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "upload", SessionID: sessionID, FileName: fileName, ContentType: contentType, Content: string(data)})
	if err := f.UploadErr[fileName]; err != nil {
		return err
	}
	f.Files[fileName] = data
	return nil
}

func (f *Fake) ExecuteCode(ctx context.Context, sessionID string, req session.ExecutionStartRequest) (session.ExecutionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "execute", SessionID: sessionID, Request: req})
	if f.ExecuteErr != nil {
		return session.ExecutionDescriptor{}, f.ExecuteErr
	}
	return session.ExecutionDescriptor{
		ID:            "exec-1",
		SessionID:     sessionID,
		ExecutionType: req.ExecutionType,
		Status:        f.StartStatus,
	}, nil
}

func (f *Fake) GetExecutionStatus(ctx context.Context, sessionID, executionID string) (session.ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return session.ExecutionState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "status", SessionID: sessionID, Request: executionID})
	if f.StatusErr != nil {
		return session.ExecutionState{}, f.StatusErr
	}
	if len(f.Statuses) == 0 {
		return session.ExecutionState{}, fmt.Errorf("no scripted status")
	}
	ix := f.statusIx
	if ix >= len(f.Statuses) {
		ix = len(f.Statuses) - 1
	} else {
		f.statusIx++
	}
	return session.ExecutionState{ID: executionID, SessionID: sessionID, Status: f.Statuses[ix]}, nil
}

func (f *Fake) DownloadFile(ctx context.Context, sessionID, fileName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "download", SessionID: sessionID, FileName: fileName})
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	data, ok := f.Files[fileName]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileName)
	}
	return data, nil
}
