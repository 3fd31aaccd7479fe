package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no run matches an ID or prefix.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous is returned when an ID prefix matches more than one run.
	ErrAmbiguous = errors.New("ambiguous id prefix")
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is the persisted state of one workflow execution.
type Run struct {
	ID              string          `json:"id"`
	Status          RunStatus       `json:"status"`
	Phase           string          `json:"phase"`
	PollCount       int             `json:"poll_count"`
	SessionID       string          `json:"session_id,omitempty"`
	ExecutionID     string          `json:"execution_id,omitempty"`
	Input           json.RawMessage `json:"input"`
	Output          json.RawMessage `json:"output,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// StepKind distinguishes remote calls from durable timers in the journal.
type StepKind string

const (
	StepActivity StepKind = "activity"
	StepTimer    StepKind = "timer"
)

// StepStatus is the state of a journal entry.
type StepStatus string

const (
	StepScheduled StepStatus = "scheduled"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one journal entry of a run, unique by (RunID, Name).
type Step struct {
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Seq       int             `json:"seq"`
	Kind      StepKind        `json:"kind"`
	Status    StepStatus      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	FireAt    *time.Time      `json:"fire_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// Store is the persistence interface for runs and their step journals.
type Store interface {
	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by updated_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates mutable fields and bumps updated_at.
	UpdateRun(ctx context.Context, r *Run) error

	// RequestCancel flags a pending or running run for cancellation. It
	// reports false when the run has already finished.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// DeleteRun removes a run and its journal.
	DeleteRun(ctx context.Context, id string) error

	// SaveStep inserts or replaces the journal entry (RunID, Name).
	SaveStep(ctx context.Context, st *Step) error

	// LoadSteps returns the journal of a run ordered by seq.
	LoadSteps(ctx context.Context, runID string) ([]Step, error)

	// Close releases resources.
	Close() error
}
