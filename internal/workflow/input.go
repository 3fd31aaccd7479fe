package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/sessionflow/internal/runscript"
	"github.com/michaelbrown/sessionflow/internal/session"
)

// Input is everything a run needs. It is persisted with the run and never
// changed after scheduling.
type Input struct {
	SessionID            string            `json:"sessionId,omitempty"`
	WorkflowCode         string            `json:"workflowCode"`
	RunnerCode           string            `json:"runnerCode"`
	InputJSON            string            `json:"inputJson"`
	PollIntervalSeconds  int               `json:"pollIntervalSeconds"`
	WorkflowFileName     string            `json:"workflowFileName"`
	RunnerFileName       string            `json:"runnerFileName"`
	InputFileName        string            `json:"inputFileName"`
	OutputFileName       string            `json:"outputFileName"`
	Command              string            `json:"command"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`

	MaxPollCount            int `json:"maxPollCount,omitempty"`
	MaxRunSeconds           int `json:"maxRunSeconds,omitempty"`
	ExecutionTimeoutSeconds int `json:"executionTimeoutSeconds,omitempty"`
}

// Result is the outcome of a successful run.
type Result struct {
	SessionID  string `json:"sessionId"`
	OutputJSON string `json:"outputJson"`
}

// Validate checks an input before it is run.
func (in Input) Validate() error {
	if strings.TrimSpace(in.WorkflowCode) == "" {
		return &ValidationError{Message: "workflowCode is required."}
	}
	if strings.TrimSpace(in.RunnerCode) == "" {
		return &ValidationError{Message: "runnerCode is required."}
	}
	if strings.TrimSpace(in.Command) == "" {
		return &ValidationError{Message: "command is required."}
	}
	if in.PollIntervalSeconds < 0 {
		return &ValidationError{Message: "pollIntervalSeconds must not be negative."}
	}
	if !json.Valid([]byte(in.InputJSON)) {
		return &ValidationError{Message: "inputJson must be valid JSON."}
	}

	seen := map[string]bool{}
	for _, name := range []string{in.WorkflowFileName, in.RunnerFileName, in.InputFileName, in.OutputFileName} {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Message: "file names must not be empty."}
		}
		if strings.ContainsAny(name, "/\\") {
			return &ValidationError{Message: fmt.Sprintf("file name %q must not contain a path separator.", name)}
		}
		if seen[name] {
			return &ValidationError{Message: fmt.Sprintf("file name %q is used twice.", name)}
		}
		seen[name] = true
	}
	return nil
}

func (in Input) startRequest() session.ExecutionStartRequest {
	code := runscript.Launcher(in.Command)
	dir := runscript.DataDir
	req := session.ExecutionStartRequest{
		CodeInputType:        session.CodeInputInline,
		ExecutionType:        session.ExecutionAsynchronous,
		Code:                 &code,
		EnvironmentVariables: in.EnvironmentVariables,
		WorkingDirectory:     &dir,
	}
	if in.ExecutionTimeoutSeconds > 0 {
		t := in.ExecutionTimeoutSeconds
		req.TimeoutInSeconds = &t
	}
	return req
}

// Settings are the configured defaults a submission is completed with.
type Settings struct {
	PollIntervalSeconds     int
	MaxPollCount            int
	MaxRunSeconds           int
	ExecutionTimeoutSeconds int
	WorkflowFileName        string
	RunnerFileName          string
	InputFileName           string
	OutputFileName          string
	Command                 string
}

// DefaultSettings matches the session service's conventional layout.
func DefaultSettings() Settings {
	return Settings{
		PollIntervalSeconds: 10,
		WorkflowFileName:    "workflow.py",
		RunnerFileName:      "run.py",
		InputFileName:       "input.json",
		OutputFileName:      "output.json",
		Command:             "python /mnt/data/run.py",
	}
}

// Submission is the client-facing request to run a workflow.
type Submission struct {
	SessionID            string            `json:"sessionId,omitempty"`
	WorkflowCode         string            `json:"workflowCode"`
	Input                json.RawMessage   `json:"input,omitempty"`
	RunnerPreamble       string            `json:"runnerPreamble,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	CommandOverride      string            `json:"commandOverride,omitempty"`
}

// ParseSubmission decodes and validates a JSON submission body.
func ParseSubmission(body []byte) (Submission, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Submission{}, &ValidationError{Message: "Request body is required."}
	}
	var sub Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return Submission{}, &ValidationError{Message: "Invalid JSON payload."}
	}
	if err := sub.Validate(); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// yamlSubmission mirrors Submission with a free-form input document.
type yamlSubmission struct {
	SessionID            string            `yaml:"sessionId"`
	WorkflowCode         string            `yaml:"workflowCode"`
	WorkflowFile         string            `yaml:"workflowFile"`
	Input                any               `yaml:"input"`
	RunnerPreamble       string            `yaml:"runnerPreamble"`
	EnvironmentVariables map[string]string `yaml:"environmentVariables"`
	CommandOverride      string            `yaml:"commandOverride"`
}

// FromYAML decodes a submission written as YAML. The input field may be any
// YAML value; it is re-encoded as JSON. When workflowFile is set instead of
// workflowCode, readFile loads it.
func FromYAML(data []byte, readFile func(string) ([]byte, error)) (Submission, error) {
	var ys yamlSubmission
	if err := yaml.Unmarshal(data, &ys); err != nil {
		return Submission{}, &ValidationError{Message: "Invalid YAML payload: " + err.Error()}
	}

	sub := Submission{
		SessionID:            ys.SessionID,
		WorkflowCode:         ys.WorkflowCode,
		RunnerPreamble:       ys.RunnerPreamble,
		EnvironmentVariables: ys.EnvironmentVariables,
		CommandOverride:      ys.CommandOverride,
	}
	if sub.WorkflowCode == "" && ys.WorkflowFile != "" && readFile != nil {
		code, err := readFile(ys.WorkflowFile)
		if err != nil {
			return Submission{}, fmt.Errorf("reading workflow file: %w", err)
		}
		sub.WorkflowCode = string(code)
	}
	if ys.Input != nil {
		raw, err := json.Marshal(ys.Input)
		if err != nil {
			return Submission{}, &ValidationError{Message: "input cannot be represented as JSON: " + err.Error()}
		}
		sub.Input = raw
	}

	if err := sub.Validate(); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// Validate checks the fields every submission must carry.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.WorkflowCode) == "" {
		return &ValidationError{Message: "workflowCode is required."}
	}
	return nil
}

// InputText is the JSON payload handed to the workflow, "{}" when absent.
func (s Submission) InputText() string {
	raw := bytes.TrimSpace(s.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "{}"
	}
	return string(raw)
}

// NewInput completes a validated submission with configured settings and
// generates the runner script.
func NewInput(sub Submission, s Settings) (Input, error) {
	if err := sub.Validate(); err != nil {
		return Input{}, err
	}

	command := s.Command
	if strings.TrimSpace(sub.CommandOverride) != "" {
		command = sub.CommandOverride
	}

	in := Input{
		SessionID:               strings.TrimSpace(sub.SessionID),
		WorkflowCode:            sub.WorkflowCode,
		RunnerCode:              runscript.Generate(s.WorkflowFileName, s.InputFileName, s.OutputFileName, sub.RunnerPreamble),
		InputJSON:               sub.InputText(),
		PollIntervalSeconds:     s.PollIntervalSeconds,
		WorkflowFileName:        s.WorkflowFileName,
		RunnerFileName:          s.RunnerFileName,
		InputFileName:           s.InputFileName,
		OutputFileName:          s.OutputFileName,
		Command:                 command,
		EnvironmentVariables:    sub.EnvironmentVariables,
		MaxPollCount:            s.MaxPollCount,
		MaxRunSeconds:           s.MaxRunSeconds,
		ExecutionTimeoutSeconds: s.ExecutionTimeoutSeconds,
	}
	if err := in.Validate(); err != nil {
		return Input{}, err
	}
	return in, nil
}
