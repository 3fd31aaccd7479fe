package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Client is the remote sandbox-session protocol. Implementations must not
// retry internally; callers own the retry policy.
type Client interface {
	// EnsureSession returns the session to run in, creating one only when the
	// request carries no existing session id.
	EnsureSession(ctx context.Context, req SessionRequest) (Descriptor, error)

	// UploadFile stores content as fileName in the session's data directory.
	UploadFile(ctx context.Context, sessionID, fileName string, content io.Reader, contentType string) error

	// ExecuteCode submits an execution and returns its initial descriptor.
	ExecuteCode(ctx context.Context, sessionID string, req ExecutionStartRequest) (ExecutionDescriptor, error)

	// GetExecutionStatus fetches the current state of an execution.
	GetExecutionStatus(ctx context.Context, sessionID, executionID string) (ExecutionState, error)

	// DownloadFile returns the full content of fileName.
	DownloadFile(ctx context.Context, sessionID, fileName string) ([]byte, error)
}

// SessionRequest asks for a session. A non-empty SessionID reuses that session.
type SessionRequest struct {
	SessionID          string `json:"sessionId,omitempty"`
	PreferredSessionID string `json:"preferredSessionId,omitempty"`
	ExpirationSeconds  *int   `json:"expirationSeconds,omitempty"`
	MaxExecutions      *int   `json:"maxExecutions,omitempty"`
}

// Descriptor is a sandbox session handle. Created is true only when this
// request caused the session to be created.
type Descriptor struct {
	ID      string `json:"sessionId"`
	Created bool   `json:"created"`
}

// CodeInputType tells the service where the code to execute comes from.
type CodeInputType string

const (
	CodeInputInline CodeInputType = "inline"
	CodeInputFiles  CodeInputType = "files"
)

// ExecutionType selects blocking or fire-and-poll execution.
type ExecutionType string

const (
	ExecutionSynchronous  ExecutionType = "Synchronous"
	ExecutionAsynchronous ExecutionType = "Asynchronous"
)

// ExecutionStartRequest is the body of an execution submission.
type ExecutionStartRequest struct {
	CodeInputType        CodeInputType     `json:"codeInputType"`
	ExecutionType        ExecutionType     `json:"executionType"`
	Code                 *string           `json:"code,omitempty"`
	TimeoutInSeconds     *int              `json:"timeoutInSeconds,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	WorkingDirectory     *string           `json:"workingDirectory,omitempty"`
}

// Validate checks the request before it is sent.
func (r ExecutionStartRequest) Validate() error {
	switch r.CodeInputType {
	case CodeInputInline:
		if r.Code == nil || *r.Code == "" {
			return errors.New("code is required for inline executions")
		}
	case CodeInputFiles:
	default:
		return errors.New("codeInputType must be inline or files")
	}
	switch r.ExecutionType {
	case ExecutionSynchronous, ExecutionAsynchronous:
	default:
		return errors.New("executionType must be Synchronous or Asynchronous")
	}
	return nil
}

// ExecutionResult is only populated once an execution finished successfully.
type ExecutionResult struct {
	Stdout                      string `json:"stdout"`
	Stderr                      string `json:"stderr"`
	ExecutionResultText         string `json:"executionResult"`
	ExecutionTimeInMilliseconds int64  `json:"executionTimeInMilliseconds"`
}

// ExecutionState is the service's view of an execution.
type ExecutionState struct {
	ID            string           `json:"id"`
	Identifier    string           `json:"identifier,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	ExecutionType ExecutionType    `json:"executionType,omitempty"`
	Status        string           `json:"status"`
	Result        *ExecutionResult `json:"result,omitempty"`
	RawResult     json.RawMessage  `json:"rawResult,omitempty"`
}

// ExecutionDescriptor is returned right after an execution starts.
type ExecutionDescriptor = ExecutionState
