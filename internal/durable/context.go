package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// runContext is the workflow.Context for one run. It is only used from the
// goroutine driving the run.
type runContext struct {
	e       *Engine
	run     *storage.Run
	journal map[string]storage.Step
	seq     int
	cancel  context.CancelCauseFunc
	log     *slog.Logger
}

var _ workflow.Context = (*runContext)(nil)

func newRunContext(e *Engine, run *storage.Run, steps []storage.Step, cancel context.CancelCauseFunc, log *slog.Logger) *runContext {
	rc := &runContext{
		e:       e,
		run:     run,
		journal: make(map[string]storage.Step, len(steps)),
		cancel:  cancel,
		log:     log,
	}
	for _, st := range steps {
		rc.journal[st.Name] = st
		if st.Seq > rc.seq {
			rc.seq = st.Seq
		}
	}
	return rc
}

func (rc *runContext) RunID() string        { return rc.run.ID }
func (rc *runContext) Now() time.Time       { return rc.e.clock.Now() }
func (rc *runContext) Logger() *slog.Logger { return rc.log }

func (rc *runContext) SetPhase(ctx context.Context, p workflow.Progress) {
	r := rc.run
	if r.Phase == string(p.Phase) &&
		(p.PollCount == 0 || r.PollCount == p.PollCount) &&
		(p.SessionID == "" || r.SessionID == p.SessionID) &&
		(p.ExecutionID == "" || r.ExecutionID == p.ExecutionID) {
		return
	}
	r.Phase = string(p.Phase)
	if p.PollCount > 0 {
		r.PollCount = p.PollCount
	}
	if p.SessionID != "" {
		r.SessionID = p.SessionID
	}
	if p.ExecutionID != "" {
		r.ExecutionID = p.ExecutionID
	}
	rc.save(context.WithoutCancel(ctx))
}

func (rc *runContext) save(ctx context.Context) {
	if err := rc.e.store.UpdateRun(ctx, rc.run); err != nil {
		rc.log.Error("saving run state", "error", err)
		return
	}
	rc.e.publish(ctx, rc.run)
}

func (rc *runContext) Step(ctx context.Context, name string, out any, fn func(ctx context.Context) (any, error)) error {
	prev, seen := rc.journal[name]
	if seen && prev.Kind == storage.StepActivity && prev.Status == storage.StepCompleted {
		rc.log.Debug("replaying step", "step", name)
		return decodeStep(name, prev.Output, out)
	}
	if err := rc.checkCancel(ctx); err != nil {
		return err
	}

	var v any
	attempts := 0
	err := rc.e.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		var err error
		v, err = fn(ctx)
		if err != nil {
			rc.log.Warn("step attempt failed", "step", name, "attempt", attempts, "error", err)
		}
		return err
	})

	st := storage.Step{
		RunID:    rc.run.ID,
		Name:     name,
		Seq:      rc.seqFor(name),
		Kind:     storage.StepActivity,
		Attempts: attempts,
	}
	if seen {
		st.CreatedAt = prev.CreatedAt
	}
	if err != nil {
		st.Status = storage.StepFailed
		st.Error = err.Error()
		rc.record(ctx, st)
		return err
	}

	data, merr := json.Marshal(v)
	if merr != nil {
		return fmt.Errorf("encoding result of %s: %w", name, merr)
	}
	st.Status = storage.StepCompleted
	st.Output = data
	if err := rc.record(ctx, st); err != nil {
		return err
	}
	return decodeStep(name, data, out)
}

func (rc *runContext) Sleep(ctx context.Context, name string, d time.Duration) error {
	st, seen := rc.journal[name]
	if seen && st.Status == storage.StepCompleted {
		return nil
	}
	if err := rc.checkCancel(ctx); err != nil {
		return err
	}

	if !seen || st.FireAt == nil {
		fireAt := rc.e.clock.Now().Add(d)
		st = storage.Step{
			RunID:  rc.run.ID,
			Name:   name,
			Seq:    rc.seqFor(name),
			Kind:   storage.StepTimer,
			Status: storage.StepScheduled,
			FireAt: &fireAt,
		}
		if err := rc.record(ctx, st); err != nil {
			return err
		}
	}

	if wait := st.FireAt.Sub(rc.e.clock.Now()); wait > 0 {
		rc.log.Debug("waiting", "timer", name, "for", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rc.e.clock.After(wait):
		}
	}

	st.Status = storage.StepCompleted
	return rc.record(ctx, st)
}

func (rc *runContext) record(ctx context.Context, st storage.Step) error {
	if err := rc.e.store.SaveStep(context.WithoutCancel(ctx), &st); err != nil {
		return fmt.Errorf("recording step %s: %w", st.Name, err)
	}
	rc.journal[st.Name] = st
	return nil
}

func (rc *runContext) seqFor(name string) int {
	if st, ok := rc.journal[name]; ok {
		return st.Seq
	}
	rc.seq++
	return rc.seq
}

// checkCancel picks up cancellations requested through another process.
func (rc *runContext) checkCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, err := rc.e.store.GetRun(ctx, rc.run.ID)
	if err == nil && run.CancelRequested {
		rc.cancel(workflow.ErrCancelled)
	}
	return ctx.Err()
}

func decodeStep(name string, data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding result of %s: %w", name, err)
	}
	return nil
}
