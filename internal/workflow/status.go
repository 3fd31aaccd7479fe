package workflow

import "strings"

// Remote execution statuses that end polling.
const (
	StatusSucceeded = "Succeeded"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// IsTerminal reports whether status ends polling. Comparison is case-insensitive;
// anything unrecognised is treated as still running.
func IsTerminal(status string) bool {
	return IsSuccessful(status) ||
		strings.EqualFold(status, StatusFailed) ||
		strings.EqualFold(status, StatusCancelled)
}

// IsSuccessful reports whether status is a successful terminal status.
func IsSuccessful(status string) bool {
	return strings.EqualFold(status, StatusSucceeded) ||
		strings.EqualFold(status, StatusCompleted)
}

// Phase is the position of a run in the execution lifecycle.
type Phase string

const (
	PhaseInit              Phase = "init"
	PhaseSessionEnsured    Phase = "session_ensured"
	PhaseArtifactsUploaded Phase = "artifacts_uploaded"
	PhaseExecutionStarted  Phase = "execution_started"
	PhasePolling           Phase = "polling"
	PhaseTerminal          Phase = "terminal"
	PhaseOutputRetrieved   Phase = "output_retrieved"
)
