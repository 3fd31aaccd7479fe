package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/sessionflow/internal/durable"
	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

const maxSubmissionBytes = 8 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Responses ---

type startResponse struct {
	InstanceID string  `json:"instanceId"`
	SessionID  *string `json:"sessionId"`
}

// customStatus is the progress a run reports while it is in flight.
type customStatus struct {
	Phase       workflow.Phase `json:"phase"`
	PollCount   int            `json:"pollCount"`
	SessionID   string         `json:"sessionId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
}

type statusResponse struct {
	InstanceID    string            `json:"instanceId"`
	RuntimeStatus string            `json:"runtimeStatus"`
	Phase         workflow.Phase    `json:"phase"`
	PollCount     int               `json:"pollCount"`
	Output        *workflow.Result  `json:"output"`
	Error         *durable.RunError `json:"error"`
	CustomStatus  customStatus      `json:"customStatus"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// runtimeStatus names run states the way orchestration status endpoints do.
func runtimeStatus(s storage.RunStatus) string {
	switch s {
	case storage.StatusPending:
		return "Pending"
	case storage.StatusRunning:
		return "Running"
	case storage.StatusSucceeded:
		return "Completed"
	case storage.StatusFailed:
		return "Failed"
	case storage.StatusCancelled:
		return "Terminated"
	default:
		return string(s)
	}
}

func newStatusResponse(st *durable.RunStatus) statusResponse {
	return statusResponse{
		InstanceID:    st.ID,
		RuntimeStatus: runtimeStatus(st.Status),
		Phase:         st.Phase,
		PollCount:     st.PollCount,
		Output:        st.Output,
		Error:         st.Error,
		CustomStatus: customStatus{
			Phase:       st.Phase,
			PollCount:   st.PollCount,
			SessionID:   st.SessionID,
			ExecutionID: st.ExecutionID,
		},
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
		CompletedAt: st.CompletedAt,
	}
}

// --- Workflow handlers ---

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	sub, err := workflow.ParseSubmission(body)
	if err != nil {
		s.writeSubmissionError(w, err)
		return
	}
	in, err := workflow.NewInput(sub, s.settings)
	if err != nil {
		s.writeSubmissionError(w, err)
		return
	}

	id, err := s.host.ScheduleRun(r.Context(), in)
	if err != nil {
		s.writeSubmissionError(w, err)
		return
	}
	s.log.Info("started workflow", "instance_id", id)

	resp := startResponse{InstanceID: id}
	if sub.SessionID != "" {
		resp.SessionID = &sub.SessionID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) writeSubmissionError(w http.ResponseWriter, err error) {
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Message)
		return
	}
	s.log.Error("scheduling workflow", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.log.Debug("retrieved status", "instance_id", st.ID, "runtime_status", runtimeStatus(st.Status))
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

// lookup resolves the {id} URL parameter, writing the error response itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*durable.RunStatus, bool) {
	st, err := s.host.GetRunStatus(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, durable.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "Instance not found.")
		return nil, false
	case errors.Is(err, storage.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return st, true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts := storage.RunListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.host.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]statusResponse, 0, len(runs))
	for _, st := range runs {
		out = append(out, newStatusResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}

	err := s.host.CancelRun(r.Context(), st.ID)
	switch {
	case errors.Is(err, durable.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, durable.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "Instance not found.")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": st.ID})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !st.Terminal() {
		writeError(w, http.StatusConflict, "run "+st.ID+" is still "+string(st.Status))
		return
	}

	s.watchers.Remove(st.ID)

	if err := s.store.DeleteRun(r.Context(), st.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Instance not found.")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
