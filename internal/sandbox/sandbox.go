package sandbox

import (
	"context"
	"time"
)

// ExecOpts describes a code execution request.
type ExecOpts struct {
	Image   string // Docker image (e.g. "python:3.12-slim")
	Command []string
	DataDir string            // host directory mounted read-write at /mnt/data
	Env     map[string]string // extra environment variables
	Workdir string
	Timeout time.Duration // zero means the policy maximum
}

// ExecResult is the output of a sandboxed execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Sandbox runs code in an isolated environment.
type Sandbox interface {
	Exec(ctx context.Context, opts ExecOpts) (*ExecResult, error)
}
