// Package client talks to a running sessionflow server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// DefaultBaseURL is where `sessionflow serve` listens by default.
const DefaultBaseURL = "http://localhost:8080"

// Started is the response to a submission.
type Started struct {
	InstanceID string  `json:"instanceId"`
	SessionID  *string `json:"sessionId"`
}

// Progress mirrors the in-flight fields of a run.
type Progress struct {
	Phase       string `json:"phase"`
	PollCount   int    `json:"pollCount"`
	SessionID   string `json:"sessionId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
}

// RunError describes why a run did not succeed.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Status is a run as reported by the status endpoint.
type Status struct {
	InstanceID    string           `json:"instanceId"`
	RuntimeStatus string           `json:"runtimeStatus"`
	Phase         string           `json:"phase"`
	PollCount     int              `json:"pollCount"`
	Output        *workflow.Result `json:"output"`
	Error         *RunError        `json:"error"`
	CustomStatus  Progress         `json:"customStatus"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// Done reports whether the run has reached a final state.
func (s *Status) Done() bool {
	switch s.RuntimeStatus {
	case "Completed", "Failed", "Terminated":
		return true
	}
	return false
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

// Client is a small JSON client for the workflow API.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for baseURL. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit schedules a workflow run.
func (c *Client) Submit(ctx context.Context, sub workflow.Submission) (*Started, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encoding submission: %w", err)
	}
	var out Started
	if err := c.do(ctx, http.MethodPost, "/api/workflows", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a run by id or unique prefix.
func (c *Client) Status(ctx context.Context, id string) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/workflowStatus/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns runs, optionally filtered by store status (pending, running, ...).
func (c *Client) List(ctx context.Context, status string, limit int) ([]Status, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []Status
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Wait polls Status every interval until the run is done or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Done() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
