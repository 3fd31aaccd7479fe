package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultScope is the audience of the sandbox session service.
const DefaultScope = "https://dynamicsessions.io/.default"

// TokenProvider returns a bearer token for scope. It is called once per request.
type TokenProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context, scope string) (string, error)

func (f TokenFunc) Token(ctx context.Context, scope string) (string, error) { return f(ctx, scope) }

// StaticToken always returns the same token. A value of the form ${VAR} is
// read from the environment on every call.
type StaticToken string

func (s StaticToken) Token(_ context.Context, _ string) (string, error) {
	v := string(s)
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		v = os.Getenv(v[2 : len(v)-1])
	}
	if v == "" {
		return "", errors.New("no session token configured")
	}
	return v, nil
}

// CommandToken runs an external command and uses its trimmed stdout as the
// token, e.g. "az account get-access-token --resource https://dynamicsessions.io --query accessToken -o tsv".
// The literal {scope} in the command is replaced with the requested scope.
type CommandToken struct {
	Command string
}

func (c CommandToken) Token(ctx context.Context, scope string) (string, error) {
	args := strings.Fields(strings.ReplaceAll(c.Command, "{scope}", scope))
	if len(args) == 0 {
		return "", errors.New("token command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running token command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return "", errors.New("token command produced no output")
	}
	return token, nil
}
