package workflow

import (
	"context"
	"log/slog"
	"time"
)

// Context is what the durable host hands a running workflow. Remote side
// effects go through Step so a replayed run returns recorded results instead
// of repeating the call; waits go through Sleep so they survive restarts.
type Context interface {
	// RunID is the durable run identifier.
	RunID() string

	// Step runs fn once per run under name and decodes its result into out.
	// On replay the recorded result is decoded and fn is not called.
	Step(ctx context.Context, name string, out any, fn func(ctx context.Context) (any, error)) error

	// Sleep waits d on the durable clock. A timer that was already armed
	// before a restart only waits for its remaining time.
	Sleep(ctx context.Context, name string, d time.Duration) error

	// Now is the host's clock.
	Now() time.Time

	// SetPhase records progress for status queries.
	SetPhase(ctx context.Context, p Progress)

	Logger() *slog.Logger
}

// Progress is the externally visible position of a run.
type Progress struct {
	Phase       Phase
	PollCount   int
	SessionID   string
	ExecutionID string
}

// Call is a typed wrapper around Context.Step.
func Call[T any](ctx context.Context, wc Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := wc.Step(ctx, name, &out, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	return out, err
}
