// Package orchestrator is the reference host for the strategy driver. It
// persists executions in a stores.Store, begins each workflow step, feeds
// task results back through Driver.Resume, performs the element writes of
// every outcome and runs the rollback section when a step fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/kdeploy/pkg/config"
	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/stores"
	"github.com/openfroyo/kdeploy/pkg/strategy"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
)

// Canceller stops a task on the executor. *client.Client implements it.
type Canceller interface {
	Cancel(ctx context.Context, correlationID, reason string) error
}

// Config configures an Orchestrator.
type Config struct {
	Store  stores.Store
	Driver *strategy.Driver

	// Canceller is optional; without it Abort only updates the store.
	Canceller Canceller

	// Concurrency bounds RunAll. Defaults to 4.
	Concurrency int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Orchestrator runs workflow executions. All mutations of one execution
// are serialized; different executions proceed independently.
type Orchestrator struct {
	store       stores.Store
	driver      *strategy.Driver
	canceller   Canceller
	concurrency int
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	newID func() string
	now   func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	waiters map[string]chan struct{}
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &Orchestrator{
		store:       cfg.Store,
		driver:      cfg.Driver,
		canceller:   cfg.Canceller,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		newID:       func() string { return uuid.New().String() },
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		waiters:     make(map[string]chan struct{}),
	}, nil
}

// run is the in-memory view of an execution while it is being advanced.
type run struct {
	exec     *stores.Execution
	workflow *config.Workflow
	scope    strategy.Scope
	logger   zerolog.Logger
}

// Start creates an execution for wf and runs its steps until one suspends
// or the execution finishes.
func (o *Orchestrator) Start(ctx context.Context, wf *config.Workflow) (*stores.Execution, error) {
	if wf == nil {
		return nil, engine.NewValidationError("workflow is required", nil)
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}

	id := o.newID()
	unlock := o.lock(id)
	defer unlock()

	ctx, span := o.tracer.Start(ctx, "execution.start", telemetry.AttrExecutionID.String(id))
	defer span.End()

	now := o.now().UTC()
	exec := &stores.Execution{
		ID:         id,
		Workflow:   wf.Name,
		Status:     engine.ExecutionStatusRunning,
		Phase:      stores.PhaseSteps,
		Definition: string(definition),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	o.metrics.ExecutionStarted()

	r := o.newRun(exec, wf)
	r.logger.Info().Str("workflow", wf.Name).Int("steps", len(wf.Steps)).Msg("Execution started")

	if err := o.advance(ctx, r); err != nil {
		telemetry.RecordError(span, err)
		return exec, err
	}
	return exec, nil
}

// Deliver hands a task result to the execution waiting for it. Results for
// tasks that are unknown or no longer awaited are logged and dropped.
// A result that breaks the continuation contract is returned as an
// *engine.ContractViolationError and leaves the execution suspended.
func (o *Orchestrator) Deliver(ctx context.Context, result *engine.TaskResult) error {
	if result == nil {
		return engine.NewValidationError("task result is required", nil)
	}

	task, err := o.store.GetTask(ctx, result.CorrelationID)
	if errors.Is(err, stores.ErrNotFound) {
		o.logger.Warn().Str("correlation_id", result.CorrelationID).Msg("Dropping result for unknown task")
		return nil
	}
	if err != nil {
		return err
	}

	unlock := o.lock(task.ExecutionID)
	defer unlock()

	ctx, span := o.tracer.Start(ctx, "execution.deliver",
		telemetry.AttrExecutionID.String(task.ExecutionID),
		telemetry.AttrCorrelationID.String(result.CorrelationID),
	)
	defer span.End()

	if task.State != stores.TaskStatePending {
		o.logger.Warn().
			Str("correlation_id", result.CorrelationID).
			Str("state", string(task.State)).
			Msg("Dropping result for task that is no longer pending")
		return nil
	}

	r, cont, err := o.load(ctx, task.ExecutionID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if cont == nil && o.dispatchedByCurrentStep(r, task) {
		return o.failUnsuspendedStep(ctx, r, task, result)
	}
	if cont == nil || cont.CorrelationID != result.CorrelationID {
		r.logger.Warn().Str("correlation_id", result.CorrelationID).Msg("Dropping result the execution is not waiting for")
		return o.completeTask(ctx, result, stores.TaskStateCancelled)
	}

	start := o.now()
	step, err := o.driver.Resume(ctx, r.scope, cont, result)
	if err != nil {
		var cv *engine.ContractViolationError
		if errors.As(err, &cv) {
			r.logger.Error().Err(err).Str("correlation_id", result.CorrelationID).Msg("Rejected task result")
		}
		telemetry.RecordError(span, err)
		return err
	}
	if err := o.completeTask(ctx, result, stores.TaskStateCompleted); err != nil {
		return err
	}
	r.logger.Debug().
		Str("correlation_id", result.CorrelationID).
		Dur("resume", o.now().Sub(start)).
		Msg("Resumed step")

	if step.Suspended() {
		return o.suspend(ctx, r, step)
	}
	if err := o.recordOutcome(ctx, r, cont.StateName, step.Outcome); err != nil {
		return err
	}
	o.afterOutcome(r, step.Outcome)
	return o.advance(ctx, r)
}

// Abort stops an execution. A suspended step is given the chance to clean
// up and its task is cancelled.
func (o *Orchestrator) Abort(ctx context.Context, executionID, reason string) error {
	unlock := o.lock(executionID)
	defer unlock()

	r, cont, err := o.load(ctx, executionID)
	if err != nil {
		return err
	}
	if r.exec.Status.IsTerminal() {
		return engine.NewConflictError(fmt.Sprintf("execution %s already %s", executionID, r.exec.Status), nil)
	}

	if cont != nil {
		if err := o.driver.Abort(ctx, r.scope, cont); err != nil {
			r.logger.Warn().Err(err).Msg("Step cleanup failed")
		}
		if o.canceller != nil {
			if err := o.canceller.Cancel(ctx, cont.CorrelationID, reason); err != nil {
				r.logger.Debug().Err(err).Str("correlation_id", cont.CorrelationID).Msg("Executor cancel failed")
			}
		}
		if err := o.store.CompleteTask(ctx, cont.CorrelationID, stores.TaskStateCancelled, nil); err != nil && !errors.Is(err, stores.ErrNotFound) {
			return err
		}
	}

	r.logger.Info().Str("reason", reason).Msg("Aborting execution")
	return o.finish(ctx, r, engine.ExecutionStatusAborted, "aborted: "+reason)
}

// Recover fails every task left pending by a previous host process so the
// executions waiting on them move on, usually into their rollback section.
// It returns the ids of the affected executions.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	tasks, err := o.store.ListPendingTasks(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, task := range tasks {
		o.logger.Info().
			Str("execution_id", task.ExecutionID).
			Str("correlation_id", task.CorrelationID).
			Msg("Failing task orphaned by host restart")

		err := o.Deliver(ctx, &engine.TaskResult{
			CorrelationID: task.CorrelationID,
			Kind:          task.Kind,
			Status:        engine.TaskStatusFailure,
			ErrorMessage:  "task lost across host restart",
			CompletedAt:   o.now().UTC(),
		})
		if err != nil {
			return ids, fmt.Errorf("failed to recover execution %s: %w", task.ExecutionID, err)
		}
		ids = append(ids, task.ExecutionID)
	}
	return ids, nil
}

// Run delivers results until the channel closes or ctx ends. Delivery
// errors are logged; one bad result does not stop the others.
func (o *Orchestrator) Run(ctx context.Context, results <-chan *engine.TaskResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if err := o.Deliver(ctx, res); err != nil {
				o.logger.Error().Err(err).Str("correlation_id", res.CorrelationID).Msg("Failed to deliver result")
			}
		}
	}
}

// Wait blocks until the execution reaches a terminal status.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*stores.Execution, error) {
	ch := o.waiter(executionID)

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		o.dropWaiter(executionID, ch)
		return nil, err
	}
	if exec.Status.IsTerminal() {
		o.dropWaiter(executionID, ch)
		return exec, nil
	}

	select {
	case <-ch:
		return o.store.GetExecution(ctx, executionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunAll starts every workflow and waits for all of them, with at most
// Concurrency executions in flight. Results must be delivered concurrently
// (see Run). The returned executions are in workflow order.
func (o *Orchestrator) RunAll(ctx context.Context, workflows []*config.Workflow) ([]*stores.Execution, error) {
	out := make([]*stores.Execution, len(workflows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, wf := range workflows {
		g.Go(func() error {
			exec, err := o.Start(gctx, wf)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", wf.Name, err)
			}
			final, err := o.Wait(gctx, exec.ID)
			if err != nil {
				return fmt.Errorf("workflow %s: %w", wf.Name, err)
			}
			out[i] = final
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// advance begins steps from the current position until one suspends or
// the execution finishes.
func (o *Orchestrator) advance(ctx context.Context, r *run) error {
	for {
		states := r.states()
		if r.exec.StepIndex >= len(states) {
			if r.exec.Phase == stores.PhaseRollback {
				return o.finish(ctx, r, engine.ExecutionStatusFailed, errorOf(r.exec))
			}
			return o.finish(ctx, r, engine.ExecutionStatusSucceeded, "")
		}

		state := states[r.exec.StepIndex]
		step, err := o.driver.Begin(ctx, r.scope, state)
		if err != nil {
			r.logger.Error().Err(err).Str("state", state.Name).Msg("Step could not begin")
			return o.finish(ctx, r, engine.ExecutionStatusFailed, err.Error())
		}
		if step.Suspended() {
			return o.suspend(ctx, r, step)
		}

		if err := o.recordOutcome(ctx, r, state.Name, step.Outcome); err != nil {
			return err
		}
		o.afterOutcome(r, step.Outcome)
	}
}

// dispatchedByCurrentStep reports whether task was sent by the step the
// execution is positioned on. With no continuation saved this means the host
// stopped between dispatch and suspension.
func (o *Orchestrator) dispatchedByCurrentStep(r *run, task *stores.Task) bool {
	if r.exec.Status.IsTerminal() {
		return false
	}
	states := r.states()
	return r.exec.StepIndex < len(states) && states[r.exec.StepIndex].Name == task.StateName
}

// failUnsuspendedStep fails a step whose continuation was never saved. The
// result cannot be interpreted without it, so the step fails whatever the
// executor reported and the execution moves on.
func (o *Orchestrator) failUnsuspendedStep(ctx context.Context, r *run, task *stores.Task, result *engine.TaskResult) error {
	state := r.states()[r.exec.StepIndex]

	op := task.Operation
	if s, ok := o.driver.Strategy(state.Strategy); ok && op == "" {
		op = s.Operation()
	}
	msg := "step was not suspended when its task completed"
	if result.ErrorMessage != "" {
		msg += ": " + result.ErrorMessage
	}
	outcome := &engine.Outcome{
		Status:      engine.OutcomeFailed,
		Strategy:    state.Strategy,
		Operation:   op,
		Message:     engine.ReleaseContext(msg, op, ""),
		CompletedAt: o.now().UTC(),
	}

	r.logger.Warn().
		Str("correlation_id", task.CorrelationID).
		Str("state", state.Name).
		Msg("Failing step that has no saved continuation")

	if err := o.completeTask(ctx, result, stores.TaskStateCompleted); err != nil {
		return err
	}
	if err := o.recordOutcome(ctx, r, state.Name, outcome); err != nil {
		return err
	}
	o.afterOutcome(r, outcome)
	return o.advance(ctx, r)
}

// afterOutcome moves the position past a finished step. A failure in the
// main section switches to the rollback section; a failure during
// rollback stops it.
func (o *Orchestrator) afterOutcome(r *run, outcome *engine.Outcome) {
	if outcome.Status != engine.OutcomeFailed {
		r.exec.StepIndex++
		return
	}

	if r.exec.Error == nil {
		msg := outcome.Message
		r.exec.Error = &msg
	}

	switch r.exec.Phase {
	case stores.PhaseSteps:
		r.exec.Phase = stores.PhaseRollback
		r.exec.Status = engine.ExecutionStatusRollingBack
		r.exec.StepIndex = 0
		r.logger.Warn().
			Str("error", outcome.Message).
			Int("rollback_steps", len(r.workflow.RollbackSteps)).
			Msg("Step failed, rolling back")
	default:
		r.logger.Error().Str("error", outcome.Message).Msg("Rollback step failed")
		r.exec.StepIndex = len(r.workflow.RollbackSteps)
	}
}

func (o *Orchestrator) suspend(ctx context.Context, r *run, step *strategy.Step) error {
	data, err := step.Continuation.Marshal()
	if err != nil {
		return err
	}
	err = o.store.SaveContinuation(ctx, &stores.Continuation{
		ExecutionID:     r.exec.ID,
		StateName:       step.Continuation.StateName,
		CorrelationID:   step.Continuation.CorrelationID,
		AwaitedTaskKind: step.Continuation.AwaitedTaskKind,
		Data:            data,
		CreatedAt:       o.now().UTC(),
	})
	if err != nil {
		return err
	}
	return o.save(ctx, r)
}

func (o *Orchestrator) recordOutcome(ctx context.Context, r *run, stateName string, outcome *engine.Outcome) error {
	blob, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	err = o.store.AppendStepOutcome(ctx, &stores.StepOutcome{
		ExecutionID: r.exec.ID,
		Phase:       r.exec.Phase,
		StepIndex:   r.exec.StepIndex,
		StateName:   stateName,
		Strategy:    outcome.Strategy,
		Status:      outcome.Status,
		Message:     outcome.Message,
		Outcome:     string(blob),
		CompletedAt: outcome.CompletedAt,
	})
	if err != nil {
		return err
	}

	for _, w := range outcome.Elements {
		written, err := o.store.PutElement(ctx, r.exec.ID, w)
		if err != nil {
			return fmt.Errorf("failed to write element %s: %w", w.Name, err)
		}
		result := "written"
		if !written {
			result = "skipped"
		}
		o.metrics.RecordElementWrite(w.Name, result)
		r.logger.Debug().Str("element", w.Name).Str("result", result).Msg("Element write")
	}

	if err := o.store.DeleteContinuation(ctx, r.exec.ID); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run, status engine.ExecutionStatus, msg string) error {
	now := o.now().UTC()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	if msg != "" && r.exec.Error == nil {
		r.exec.Error = &msg
	}

	if err := o.store.DeleteContinuation(ctx, r.exec.ID); err != nil {
		return err
	}
	if err := o.save(ctx, r); err != nil {
		return err
	}

	o.metrics.ExecutionFinished()
	r.logger.Info().
		Str("status", string(status)).
		Dur("duration", now.Sub(r.exec.StartedAt)).
		Msg("Execution finished")

	o.mu.Lock()
	if ch, ok := o.waiters[r.exec.ID]; ok {
		close(ch)
		delete(o.waiters, r.exec.ID)
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) save(ctx context.Context, r *run) error {
	r.exec.UpdatedAt = o.now().UTC()
	return o.store.UpdateExecution(ctx, r.exec)
}

// load restores an execution and its pending continuation, if any.
func (o *Orchestrator) load(ctx context.Context, executionID string) (*run, *strategy.Continuation, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	var wf config.Workflow
	dec := json.NewDecoder(strings.NewReader(exec.Definition))
	dec.UseNumber()
	if err := dec.Decode(&wf); err != nil {
		return nil, nil, fmt.Errorf("failed to decode workflow of execution %s: %w", executionID, err)
	}
	r := o.newRun(exec, &wf)

	stored, err := o.store.GetContinuation(ctx, executionID)
	if errors.Is(err, stores.ErrNotFound) {
		return r, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	cont, err := strategy.UnmarshalContinuation(stored.Data)
	if err != nil {
		return nil, nil, err
	}
	return r, cont, nil
}

func (o *Orchestrator) newRun(exec *stores.Execution, wf *config.Workflow) *run {
	return &run{
		exec:     exec,
		workflow: wf,
		scope: strategy.Scope{
			ExecutionID: exec.ID,
			Variables:   wf.Scope(exec.ID),
			Elements:    o.store,
		},
		logger: o.logger.With().Str("execution_id", exec.ID).Logger(),
	}
}

func (o *Orchestrator) completeTask(ctx context.Context, result *engine.TaskResult, state stores.TaskState) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	s := string(blob)
	if err := o.store.CompleteTask(ctx, result.CorrelationID, state, &s); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	return nil
}

// lock serializes work on one execution and returns the unlock func.
func (o *Orchestrator) lock(executionID string) func() {
	o.mu.Lock()
	l, ok := o.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[executionID] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) waiter(executionID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch, ok := o.waiters[executionID]
	if !ok {
		ch = make(chan struct{})
		o.waiters[executionID] = ch
	}
	return ch
}

func (o *Orchestrator) dropWaiter(executionID string, ch chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.waiters[executionID]; ok && cur == ch {
		delete(o.waiters, executionID)
	}
}

func (r *run) states() []strategy.State {
	if r.exec.Phase == stores.PhaseRollback {
		return r.workflow.RollbackStates()
	}
	return r.workflow.States()
}

func errorOf(exec *stores.Execution) string {
	if exec.Error == nil {
		return ""
	}
	return *exec.Error
}
