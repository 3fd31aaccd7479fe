// Package workflow implements the sandbox execution state machine: ensure a
// session, upload the workflow, runner and input, start the runner, poll until
// it finishes and download the output.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/sessionflow/internal/runscript"
	"github.com/michaelbrown/sessionflow/internal/session"
)

// SessionIDPrefix prefixes session ids derived from run ids.
const SessionIDPrefix = "sf-"

// Content types used for uploads.
const (
	ContentTypePython = "text/x-python-script"
	ContentTypeJSON   = "application/json"
)

// Workflow drives one run against a session client. It holds no per-run
// state and is safe to share between runs.
type Workflow struct {
	client session.Client
}

// New returns a workflow that talks to client.
func New(client session.Client) *Workflow {
	return &Workflow{client: client}
}

// PreferredSessionID is the session id requested for a run that did not name one.
func PreferredSessionID(runID string) string {
	return SessionIDPrefix + runID
}

type startRecord struct {
	Execution session.ExecutionDescriptor `json:"execution"`
	StartedAt time.Time                   `json:"startedAt"`
}

type artifact struct {
	name        string
	content     string
	contentType string
}

// Run executes the state machine. The returned error is one of the typed
// errors in this package, or wraps ErrCancelled when ctx was cancelled.
func (w *Workflow) Run(ctx context.Context, wc Context, in Input) (Result, error) {
	log := wc.Logger().With("run_id", wc.RunID())

	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	wc.SetPhase(ctx, Progress{Phase: PhaseInit})

	sess, err := Call(ctx, wc, "ensure-session", func(ctx context.Context) (session.Descriptor, error) {
		return w.client.EnsureSession(ctx, session.SessionRequest{
			SessionID:          strings.TrimSpace(in.SessionID),
			PreferredSessionID: PreferredSessionID(wc.RunID()),
		})
	})
	if err != nil {
		return Result{}, fail(ctx, &SessionError{Err: err})
	}
	log = log.With("session_id", sess.ID)
	log.Info("session ready", "created", sess.Created)
	wc.SetPhase(ctx, Progress{Phase: PhaseSessionEnsured, SessionID: sess.ID})

	artifacts := []artifact{
		{in.WorkflowFileName, in.WorkflowCode, ContentTypePython},
		{in.RunnerFileName, in.RunnerCode, ContentTypePython},
		{in.InputFileName, in.InputJSON, ContentTypeJSON},
	}
	for _, a := range artifacts {
		_, err := Call(ctx, wc, "upload:"+a.name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.client.UploadFile(ctx, sess.ID, a.name, strings.NewReader(a.content), a.contentType)
		})
		if err != nil {
			return Result{}, fail(ctx, &ArtifactError{FileName: a.name, Err: err})
		}
		log.Debug("uploaded", "file", a.name, "bytes", len(a.content))
	}
	wc.SetPhase(ctx, Progress{Phase: PhaseArtifactsUploaded, SessionID: sess.ID})

	started, err := Call(ctx, wc, "start-execution", func(ctx context.Context) (startRecord, error) {
		desc, err := w.client.ExecuteCode(ctx, sess.ID, in.startRequest())
		if err != nil {
			return startRecord{}, err
		}
		return startRecord{Execution: desc, StartedAt: wc.Now()}, nil
	})
	if err != nil {
		return Result{}, fail(ctx, &ExecutionStartError{Err: err})
	}
	execID := started.Execution.ID
	log = log.With("execution_id", execID)
	log.Info("execution started", "status", started.Execution.Status)
	wc.SetPhase(ctx, Progress{Phase: PhaseExecutionStarted, SessionID: sess.ID, ExecutionID: execID})

	status, err := w.poll(ctx, wc, in, sess.ID, started)
	if err != nil {
		return Result{}, err
	}
	wc.SetPhase(ctx, Progress{Phase: PhaseTerminal, SessionID: sess.ID, ExecutionID: execID})

	if !IsSuccessful(status) {
		log.Warn("execution failed", "status", status)
		return Result{}, &ExecutionFailedError{ExecutionID: execID, Status: status}
	}

	output, err := Call(ctx, wc, "download-output", func(ctx context.Context) (string, error) {
		data, err := w.client.DownloadFile(ctx, sess.ID, in.OutputFileName)
		return string(data), err
	})
	if err != nil {
		return Result{}, fail(ctx, &OutputRetrievalError{FileName: in.OutputFileName, Err: err})
	}
	if !json.Valid([]byte(output)) {
		return Result{}, &OutputRetrievalError{FileName: in.OutputFileName, Err: errors.New("output is not valid JSON")}
	}
	wc.SetPhase(ctx, Progress{Phase: PhaseOutputRetrieved, SessionID: sess.ID, ExecutionID: execID})
	log.Info("output retrieved", "bytes", len(output))

	return Result{SessionID: sess.ID, OutputJSON: output}, nil
}

// poll queries the execution until it reaches a terminal status. The first
// query happens right after the start; later ones are spaced by the poll
// interval.
func (w *Workflow) poll(ctx context.Context, wc Context, in Input, sessionID string, started startRecord) (string, error) {
	log := wc.Logger().With("run_id", wc.RunID(), "execution_id", started.Execution.ID)
	execID := started.Execution.ID
	interval := time.Duration(in.PollIntervalSeconds) * time.Second

	var deadline time.Time
	if in.MaxRunSeconds > 0 {
		deadline = started.StartedAt.Add(time.Duration(in.MaxRunSeconds) * time.Second)
	}

	status := started.Execution.Status
	polls := 0
	for !IsTerminal(status) {
		if polls > 0 {
			if in.MaxPollCount > 0 && polls >= in.MaxPollCount {
				return "", &TimeoutError{ExecutionID: execID, Polls: polls, Reason: fmt.Sprintf("poll limit %d reached", in.MaxPollCount)}
			}
			if !deadline.IsZero() && !wc.Now().Before(deadline) {
				return "", &TimeoutError{ExecutionID: execID, Polls: polls, Reason: fmt.Sprintf("run exceeded %ds", in.MaxRunSeconds)}
			}
			if err := wc.Sleep(ctx, fmt.Sprintf("poll-wait-%d", polls), interval); err != nil {
				return "", fail(ctx, err)
			}
		}

		polls++
		wc.SetPhase(ctx, Progress{Phase: PhasePolling, PollCount: polls, SessionID: sessionID, ExecutionID: execID})
		state, err := Call(ctx, wc, fmt.Sprintf("poll-%d", polls), func(ctx context.Context) (session.ExecutionState, error) {
			return w.client.GetExecutionStatus(ctx, sessionID, execID)
		})
		if err != nil {
			return "", fail(ctx, &StatusError{ExecutionID: execID, Poll: polls, Err: err})
		}
		status = state.Status
		log.Info("execution status", "poll", polls, "status", status)
	}
	return status, nil
}

// fail reports any error seen after ctx was cancelled as ErrCancelled.
func fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return err
}
