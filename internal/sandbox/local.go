package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/sessionflow/internal/runscript"
	"github.com/michaelbrown/sessionflow/internal/session"
)

// Local execution statuses.
const (
	StatusRunning   = "Running"
	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
)

// LocalSessions implements session.Client on the local machine: every session
// is a directory under Root, and executions run through a Sandbox with that
// directory mounted at /mnt/data. Execution state is also written next to the
// session files so a restarted host can still answer status queries.
type LocalSessions struct {
	Root    string
	Image   string
	Sandbox Sandbox
	Timeout time.Duration
	Logger  *slog.Logger

	mu    sync.Mutex
	execs map[string]*localExec
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

type localExec struct {
	state session.ExecutionState
	dir   string
	done  chan struct{}
}

// interruptedMessage is reported for executions whose host process went away
// before they finished.
const interruptedMessage = "execution interrupted: the host stopped before it finished"

var _ session.Client = (*LocalSessions)(nil)

// NewLocalSessions returns a local backend rooted at root.
func NewLocalSessions(root, image string, sb Sandbox, logger *slog.Logger) (*LocalSessions, error) {
	if root == "" {
		return nil, errors.New("local sessions: root directory is required")
	}
	if sb == nil {
		return nil, errors.New("local sessions: sandbox is required")
	}
	if image == "" {
		image = "python:3.12-slim"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating session root: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &LocalSessions{
		Root:    root,
		Image:   image,
		Sandbox: sb,
		Logger:  logger,
		execs:   make(map[string]*localExec),
		ctx:     ctx,
		stop:    stop,
	}, nil
}

// Close stops running executions and waits for them.
func (l *LocalSessions) Close() error {
	l.stop()
	l.wg.Wait()
	return nil
}

func (l *LocalSessions) EnsureSession(ctx context.Context, req session.SessionRequest) (session.Descriptor, error) {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return session.Descriptor{ID: id}, nil
	}

	id := req.PreferredSessionID
	if id == "" {
		id = uuid.NewString()
	}
	dir, err := l.sessionDir(id)
	if err != nil {
		return session.Descriptor{}, err
	}
	_, statErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return session.Descriptor{}, fmt.Errorf("creating session directory: %w", err)
	}
	l.Logger.Debug("local session ready", "session_id", id, "dir", dir)
	return session.Descriptor{ID: id, Created: errors.Is(statErr, fs.ErrNotExist)}, nil
}

func (l *LocalSessions) UploadFile(ctx context.Context, sessionID, fileName string, content io.Reader, contentType string) error {
	path, err := l.filePath(sessionID, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", fileName, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", fileName, err)
	}
	return f.Close()
}

func (l *LocalSessions) ExecuteCode(ctx context.Context, sessionID string, req session.ExecutionStartRequest) (session.ExecutionDescriptor, error) {
	if err := req.Validate(); err != nil {
		return session.ExecutionDescriptor{}, &session.ProtocolError{Op: "execute-code", Status: http.StatusBadRequest, Body: err.Error(), Err: err}
	}
	if req.CodeInputType != session.CodeInputInline {
		return session.ExecutionDescriptor{}, &session.ProtocolError{Op: "execute-code", Status: http.StatusBadRequest,
			Body: "local backend only runs inline code"}
	}
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return session.ExecutionDescriptor{}, err
	}

	id := uuid.NewString()
	script := ".exec-" + id + ".py"
	if err := os.WriteFile(filepath.Join(dir, script), []byte(*req.Code), 0o644); err != nil {
		return session.ExecutionDescriptor{}, fmt.Errorf("writing execution script: %w", err)
	}

	timeout := l.Timeout
	if req.TimeoutInSeconds != nil {
		timeout = time.Duration(*req.TimeoutInSeconds) * time.Second
	}
	workdir := runscript.DataDir
	if req.WorkingDirectory != nil && *req.WorkingDirectory != "" {
		workdir = *req.WorkingDirectory
	}
	opts := ExecOpts{
		Image:   l.Image,
		Command: []string{"python", runscript.DataDir + "/" + script},
		DataDir: dir,
		Env:     req.EnvironmentVariables,
		Workdir: workdir,
		Timeout: timeout,
	}

	ex := &localExec{
		state: session.ExecutionState{
			ID:            id,
			SessionID:     sessionID,
			ExecutionType: req.ExecutionType,
			Status:        StatusRunning,
		},
		dir:  dir,
		done: make(chan struct{}),
	}
	if err := writeExecState(dir, ex.state); err != nil {
		os.Remove(filepath.Join(dir, script))
		return session.ExecutionDescriptor{}, err
	}
	l.mu.Lock()
	l.execs[id] = ex
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ex, opts, filepath.Join(dir, script))

	if req.ExecutionType == session.ExecutionSynchronous {
		select {
		case <-ex.done:
		case <-ctx.Done():
			return session.ExecutionDescriptor{}, ctx.Err()
		}
	}
	return l.snapshot(id), nil
}

func (l *LocalSessions) run(ex *localExec, opts ExecOpts, script string) {
	defer l.wg.Done()
	defer close(ex.done)

	log := l.Logger.With("execution_id", ex.state.ID, "session_id", ex.state.SessionID)
	res, err := l.Sandbox.Exec(l.ctx, opts)
	os.Remove(script)

	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		if err := writeExecState(ex.dir, ex.state); err != nil {
			log.Warn("saving execution state", "error", err)
		}
	}()
	if err != nil {
		log.Warn("local execution failed", "error", err)
		ex.state.Status = StatusFailed
		msg := err.Error()
		if l.ctx.Err() != nil {
			msg = interruptedMessage
		}
		ex.state.Result = &session.ExecutionResult{Stderr: msg}
		return
	}
	ex.state.Status = StatusSucceeded
	if res.ExitCode != 0 {
		ex.state.Status = StatusFailed
	}
	ex.state.Result = &session.ExecutionResult{
		Stdout:                      res.Stdout,
		Stderr:                      res.Stderr,
		ExecutionTimeInMilliseconds: res.Duration.Milliseconds(),
	}
	log.Info("local execution finished", "status", ex.state.Status, "exit_code", res.ExitCode)
}

func (l *LocalSessions) snapshot(id string) session.ExecutionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.execs[id].state
	if st.Result != nil {
		r := *st.Result
		st.Result = &r
	}
	return st
}

func (l *LocalSessions) GetExecutionStatus(ctx context.Context, sessionID, executionID string) (session.ExecutionState, error) {
	notFound := &session.ProtocolError{
		Op: "get-status", Status: http.StatusNotFound, Body: "execution " + executionID + " not found",
	}

	l.mu.Lock()
	ex, ok := l.execs[executionID]
	l.mu.Unlock()
	if ok {
		if ex.state.SessionID != sessionID {
			return session.ExecutionState{}, notFound
		}
		return l.snapshot(executionID), nil
	}

	// Started by an earlier process
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return session.ExecutionState{}, err
	}
	if executionID == "" || executionID != filepath.Base(executionID) {
		return session.ExecutionState{}, notFound
	}
	st, err := readExecState(dir, executionID)
	if errors.Is(err, fs.ErrNotExist) {
		return session.ExecutionState{}, notFound
	}
	if err != nil {
		return session.ExecutionState{}, err
	}
	if st.SessionID != sessionID {
		return session.ExecutionState{}, notFound
	}
	if st.Status == StatusRunning {
		st.Status = StatusFailed
		st.Result = &session.ExecutionResult{Stderr: interruptedMessage}
	}
	return st, nil
}

func execStatePath(dir, id string) string {
	return filepath.Join(dir, ".exec-"+id+".json")
}

func writeExecState(dir string, st session.ExecutionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding execution state: %w", err)
	}
	path := execStatePath(dir, st.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing execution state: %w", err)
	}
	return os.Rename(tmp, path)
}

func readExecState(dir, id string) (session.ExecutionState, error) {
	var st session.ExecutionState
	data, err := os.ReadFile(execStatePath(dir, id))
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decoding execution state: %w", err)
	}
	return st, nil
}

func (l *LocalSessions) DownloadFile(ctx context.Context, sessionID, fileName string) ([]byte, error) {
	path, err := l.filePath(sessionID, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &session.ProtocolError{Op: "download-file", Status: http.StatusNotFound, Body: fileName + " not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fileName, err)
	}
	return data, nil
}

func (l *LocalSessions) sessionDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", &session.ProtocolError{Op: "ensure-session", Status: http.StatusBadRequest, Body: fmt.Sprintf("invalid session id %q", id)}
	}
	return filepath.Join(l.Root, id), nil
}

func (l *LocalSessions) filePath(sessionID, fileName string) (string, error) {
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return "", &session.ProtocolError{Op: "upload-file", Status: http.StatusBadRequest, Body: fmt.Sprintf("invalid file name %q", fileName)}
	}
	return filepath.Join(dir, fileName), nil
}
