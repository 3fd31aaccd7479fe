package workflow

import (
	"errors"
	"fmt"

	"github.com/michaelbrown/sessionflow/internal/session"
)

// ErrCancelled marks a run stopped by a cancellation request.
var ErrCancelled = errors.New("run cancelled")

// ValidationError rejects a submission before anything is scheduled.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Kind() string  { return "ValidationError" }

// SessionError means the sandbox session could not be ensured.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return "ensuring session: " + e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }
func (e *SessionError) Kind() string  { return "SessionError" }

// ArtifactError means one of the uploads failed.
type ArtifactError struct {
	FileName string
	Err      error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("uploading %s: %v", e.FileName, e.Err)
}
func (e *ArtifactError) Unwrap() error { return e.Err }
func (e *ArtifactError) Kind() string  { return "ArtifactError" }

// ExecutionStartError means the execution could not be submitted.
type ExecutionStartError struct {
	Err error
}

func (e *ExecutionStartError) Error() string { return "starting execution: " + e.Err.Error() }
func (e *ExecutionStartError) Unwrap() error { return e.Err }
func (e *ExecutionStartError) Kind() string  { return "ExecutionStartError" }

// ExecutionFailedError is a legitimate run outcome: the remote execution
// reached a terminal status other than success.
type ExecutionFailedError struct {
	ExecutionID string
	Status      string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution %s did not succeed: status %s", e.ExecutionID, e.Status)
}
func (e *ExecutionFailedError) Kind() string { return "ExecutionFailedError" }

// StatusError means polling the execution status failed.
type StatusError struct {
	ExecutionID string
	Poll        int
	Err         error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("polling execution %s (poll %d): %v", e.ExecutionID, e.Poll, e.Err)
}
func (e *StatusError) Unwrap() error { return e.Err }
func (e *StatusError) Kind() string  { return "ProtocolError" }

// OutputRetrievalError means the output could not be downloaded or decoded
// after a successful execution.
type OutputRetrievalError struct {
	FileName string
	Err      error
}

func (e *OutputRetrievalError) Error() string {
	return fmt.Sprintf("retrieving output %s: %v", e.FileName, e.Err)
}
func (e *OutputRetrievalError) Unwrap() error { return e.Err }
func (e *OutputRetrievalError) Kind() string  { return "OutputRetrievalError" }

// TimeoutError means the poll budget or the run deadline ran out before the
// execution reached a terminal status.
type TimeoutError struct {
	ExecutionID string
	Polls       int
	Reason      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution %s timed out after %d polls: %s", e.ExecutionID, e.Polls, e.Reason)
}
func (e *TimeoutError) Kind() string { return "TimeoutError" }

type kinded interface {
	Kind() string
}

// KindOf returns the error class recorded in run state.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) {
		return "Cancelled"
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	var pe *session.ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	return "InternalError"
}
