package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/michaelbrown/sessionflow/internal/runscript"
)

// DockerSandbox runs code in Docker containers.
type DockerSandbox struct {
	Policy Policy
}

// NewDockerSandbox creates a sandbox with the given policy.
func NewDockerSandbox(policy Policy) *DockerSandbox {
	return &DockerSandbox{Policy: policy}
}

func (d *DockerSandbox) Exec(ctx context.Context, opts ExecOpts) (*ExecResult, error) {
	if !d.Policy.IsImageAllowed(opts.Image) {
		return nil, fmt.Errorf("image %q not in allowlist", opts.Image)
	}

	timeout := d.Policy.Timeout(opts.Timeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "docker", d.args(opts)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("running docker: %w", ctx.Err())
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running docker: %w", err)
		}
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

func (d *DockerSandbox) args(opts ExecOpts) []string {
	workdir := opts.Workdir
	if workdir == "" {
		workdir = runscript.DataDir
	}

	args := []string{
		"run", "--rm",
		"--memory", d.Policy.MaxMemory,
		"-w", workdir,
	}
	if opts.DataDir != "" {
		abs, err := filepath.Abs(opts.DataDir)
		if err != nil {
			abs = opts.DataDir
		}
		args = append(args, "-v", abs+":"+runscript.DataDir)
	}

	if !d.Policy.Network {
		args = append(args, "--network=none")
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args
}
