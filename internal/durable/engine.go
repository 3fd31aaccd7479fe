// Package durable hosts workflow runs: it persists every run, journals each
// remote step and timer, replays the journal after a restart and enforces
// cancellation.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/sessionflow/internal/events"
	"github.com/michaelbrown/sessionflow/internal/lease"
	"github.com/michaelbrown/sessionflow/internal/logging"
	"github.com/michaelbrown/sessionflow/internal/retry"
	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")

	errShutdown  = errors.New("engine stopped")
	errLeaseLost = errors.New("run lease lost")
)

// Runner executes one workflow run. *workflow.Workflow implements it.
type Runner interface {
	Run(ctx context.Context, wc workflow.Context, in workflow.Input) (workflow.Result, error)
}

// Options configures an Engine. Store and Runner are required.
type Options struct {
	Store     storage.Store
	Runner    Runner
	Workers   int
	Retry     retry.Policy
	Clock     Clock
	Publisher events.Publisher
	Locker    lease.Locker
	LeaseTTL  time.Duration
	Logger    *slog.Logger
}

// Engine schedules runs onto a fixed pool of workers.
type Engine struct {
	store    storage.Store
	runner   Runner
	workers  int
	retry    retry.Policy
	clock    Clock
	pub      events.Publisher
	locker   lease.Locker
	leaseTTL time.Duration
	log      *slog.Logger

	queue   chan string
	ctx     context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// New returns an engine. Call Start to begin executing runs.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("durable: store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("durable: runner is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Locker == nil {
		opts.Locker = lease.Noop{}
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, stop := context.WithCancelCause(context.Background())
	return &Engine{
		store:    opts.Store,
		runner:   opts.Runner,
		workers:  opts.Workers,
		retry:    opts.Retry,
		clock:    opts.Clock,
		pub:      opts.Publisher,
		locker:   opts.Locker,
		leaseTTL: opts.LeaseTTL,
		log:      opts.Logger,
		queue:    make(chan string, 256),
		ctx:      ctx,
		stop:     stop,
		active:   make(map[string]context.CancelCauseFunc),
	}, nil
}

// Start launches the workers and resumes every run that was pending or
// running when the previous process stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return errors.New("durable: engine already started")
	}
	e.started = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	resumed, err := e.Recover(ctx)
	if err != nil {
		return err
	}
	e.log.Info("engine started", "workers", e.workers, "resumed", resumed)
	return nil
}

// Recover queues every pending or running run this engine is not already
// driving. Start calls it once; a standalone worker calls it periodically to
// pick up runs scheduled by other processes.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	queued := 0
	for _, status := range []storage.RunStatus{storage.StatusRunning, storage.StatusPending} {
		for offset := 0; ; offset += 100 {
			runs, err := e.store.ListRuns(ctx, storage.RunListOptions{Status: status, Limit: 100, Offset: offset})
			if err != nil {
				return queued, fmt.Errorf("listing %s runs: %w", status, err)
			}
			for _, r := range runs {
				e.mu.Lock()
				_, driving := e.active[r.ID]
				e.mu.Unlock()
				if driving {
					continue
				}
				e.enqueue(r.ID)
				queued++
			}
			if len(runs) < 100 {
				break
			}
		}
	}
	return queued, nil
}

// Stop interrupts in-flight runs, leaving them resumable, and waits for the
// workers to exit.
func (e *Engine) Stop() {
	e.stop(errShutdown)
	e.wg.Wait()
}

// ScheduleRun persists a new run and queues it.
func (e *Engine) ScheduleRun(ctx context.Context, in workflow.Input) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encoding input: %w", err)
	}

	run := &storage.Run{
		ID:        uuid.NewString(),
		Status:    storage.StatusPending,
		Phase:     string(workflow.PhaseInit),
		SessionID: in.SessionID,
		Input:     data,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	e.publish(ctx, run)
	e.log.Info("run scheduled", "run_id", run.ID)

	e.enqueue(run.ID)
	return run.ID, nil
}

// GetRunStatus returns the current state of a run by id or unique prefix.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return newRunStatus(run), nil
}

// ListRuns returns runs, most recently updated first.
func (e *Engine) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]*RunStatus, error) {
	runs, err := e.store.ListRuns(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*RunStatus, 0, len(runs))
	for i := range runs {
		out = append(out, newRunStatus(&runs[i]))
	}
	return out, nil
}

// CancelRun requests cancellation. A run driven by this engine stops at
// once; a run driven elsewhere stops at its next step.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, run.ID, run.Status)
	}

	ok, err := e.store.RequestCancel(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("recording cancellation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunFinished, run.ID)
	}
	run.CancelRequested = true

	e.mu.Lock()
	cancel, driving := e.active[run.ID]
	e.mu.Unlock()

	switch {
	case driving:
		cancel(workflow.ErrCancelled)
	case run.Status == storage.StatusPending:
		e.complete(ctx, run, storage.StatusCancelled, nil, fmt.Errorf("%w before start", workflow.ErrCancelled))
	}
	e.log.Info("run cancellation requested", "run_id", run.ID, "driving", driving)
	return nil
}

func (e *Engine) getRun(ctx context.Context, runID string) (*storage.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (e *Engine) enqueue(runID string) {
	select {
	case e.queue <- runID:
	default:
		go func() {
			select {
			case e.queue <- runID:
			case <-e.ctx.Done():
			}
		}()
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.drive(id)
		}
	}
}

// drive executes one run to completion, suspension or cancellation.
func (e *Engine) drive(runID string) {
	log := e.log.With("run_id", runID)
	parent := e.ctx
	persist := context.WithoutCancel(parent)

	run, err := e.store.GetRun(parent, runID)
	if err != nil {
		log.Error("loading run", "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	if run.CancelRequested {
		e.complete(persist, run, storage.StatusCancelled, nil, fmt.Errorf("%w before start", workflow.ErrCancelled))
		return
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	e.mu.Lock()
	if _, dup := e.active[runID]; dup {
		e.mu.Unlock()
		return
	}
	e.active[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	l, ok, err := e.locker.Acquire(ctx, runID, e.leaseTTL)
	if err != nil {
		log.Error("acquiring run lease", "error", err)
		return
	}
	if !ok {
		log.Debug("run is driven by another process")
		return
	}
	defer func() {
		cancel(nil)
		if err := l.Release(persist); err != nil {
			log.Warn("releasing run lease", "error", err)
		}
	}()
	go lease.KeepAlive(ctx, l, e.leaseTTL/3, func(err error) {
		log.Error("run lease lost", "error", err)
		cancel(errLeaseLost)
	})

	var in workflow.Input
	if err := json.Unmarshal(run.Input, &in); err != nil {
		e.complete(persist, run, storage.StatusFailed, nil, fmt.Errorf("decoding run input: %w", err))
		return
	}

	steps, err := e.store.LoadSteps(ctx, runID)
	if err != nil {
		log.Error("loading journal", "error", err)
		return
	}

	rc := newRunContext(e, run, steps, cancel, log)
	if run.Status != storage.StatusRunning {
		run.Status = storage.StatusRunning
		rc.save(persist)
	}
	if len(steps) > 0 {
		log.Info("resuming run", "journal_entries", len(steps))
	} else {
		log.Info("starting run")
	}

	res, runErr := e.runner.Run(logging.WithLogger(ctx, log), rc, in)

	switch cause := context.Cause(ctx); {
	case runErr == nil:
		out, err := json.Marshal(res)
		if err != nil {
			e.complete(persist, run, storage.StatusFailed, nil, fmt.Errorf("encoding result: %w", err))
			return
		}
		e.complete(persist, run, storage.StatusSucceeded, out, nil)
	case errors.Is(cause, errShutdown), errors.Is(cause, errLeaseLost):
		log.Info("run suspended", "reason", cause)
	case errors.Is(cause, workflow.ErrCancelled), errors.Is(runErr, workflow.ErrCancelled):
		e.complete(persist, run, storage.StatusCancelled, nil, runErr)
	default:
		e.complete(persist, run, storage.StatusFailed, nil, runErr)
	}
}

// complete records a terminal status.
func (e *Engine) complete(ctx context.Context, run *storage.Run, status storage.RunStatus, output []byte, runErr error) {
	now := e.clock.Now()
	run.Status = status
	run.Output = output
	run.CompletedAt = &now
	if runErr != nil {
		run.ErrorKind = workflow.KindOf(runErr)
		run.ErrorMessage = runErr.Error()
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.log.Error("recording run outcome", "run_id", run.ID, "error", err)
		return
	}
	e.publish(ctx, run)

	attrs := []any{"run_id", run.ID, "status", status}
	if runErr != nil {
		attrs = append(attrs, "kind", run.ErrorKind, "error", runErr)
	}
	e.log.Info("run finished", attrs...)
}

func (e *Engine) publish(ctx context.Context, run *storage.Run) {
	ev := events.Event{
		RunID:       run.ID,
		Status:      string(run.Status),
		Phase:       run.Phase,
		PollCount:   run.PollCount,
		SessionID:   run.SessionID,
		ExecutionID: run.ExecutionID,
		ErrorKind:   run.ErrorKind,
		Time:        e.clock.Now(),
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("publishing run event", "run_id", run.ID, "error", err)
	}
}
