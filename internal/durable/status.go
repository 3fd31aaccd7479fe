package durable

import (
	"encoding/json"
	"time"

	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// RunStatus is the externally visible state of a run.
type RunStatus struct {
	ID          string            `json:"id"`
	Status      storage.RunStatus `json:"status"`
	Phase       workflow.Phase    `json:"phase"`
	PollCount   int               `json:"pollCount"`
	SessionID   string            `json:"sessionId,omitempty"`
	ExecutionID string            `json:"executionId,omitempty"`
	Output      *workflow.Result  `json:"output,omitempty"`
	Error       *RunError         `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// RunError describes why a run failed or was cancelled.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Terminal reports whether the run has ended.
func (s *RunStatus) Terminal() bool {
	return s.Status.Terminal()
}

func newRunStatus(r *storage.Run) *RunStatus {
	st := &RunStatus{
		ID:          r.ID,
		Status:      r.Status,
		Phase:       workflow.Phase(r.Phase),
		PollCount:   r.PollCount,
		SessionID:   r.SessionID,
		ExecutionID: r.ExecutionID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	if len(r.Output) > 0 {
		var res workflow.Result
		if err := json.Unmarshal(r.Output, &res); err == nil {
			st.Output = &res
		}
	}
	if r.ErrorKind != "" {
		st.Error = &RunError{Kind: r.ErrorKind, Message: r.ErrorMessage}
	}
	return st
}
