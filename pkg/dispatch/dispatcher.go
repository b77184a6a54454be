package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/policy"
	"github.com/openfroyo/kdeploy/pkg/stores"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
)

// Sender delivers an accepted task to the executor.
type Sender interface {
	Send(ctx context.Context, correlationID string, req *engine.TaskRequest) error
}

// Ledger records dispatched tasks so results can be matched after a restart.
type Ledger interface {
	RecordTask(ctx context.Context, task *stores.Task) error
	CompleteTask(ctx context.Context, correlationID string, state stores.TaskState, result *string) error
}

// Config configures a Dispatcher.
type Config struct {
	Sender Sender
	Ledger Ledger

	// Policy is optional. Without it every valid request is accepted.
	Policy *policy.Engine

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Dispatcher is the host's engine.TaskDispatcher. Submit validates the
// request, checks policies, records the task and hands it to the Sender.
// It never waits for the task to run.
type Dispatcher struct {
	sender    Sender
	ledger    Ledger
	policy    *policy.Engine
	validator *validator.Validate
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer

	newID func() string
	now   func() time.Time
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	return &Dispatcher{
		sender:    cfg.Sender,
		ledger:    cfg.Ledger,
		policy:    cfg.Policy,
		validator: validator.New(),
		logger:    cfg.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}, nil
}

// Submit implements engine.TaskDispatcher.
func (d *Dispatcher) Submit(ctx context.Context, req *engine.TaskRequest) (string, error) {
	if req == nil {
		return "", engine.NewValidationError("task request is required", nil)
	}

	ctx, span := d.tracer.StartDispatchSpan(ctx, string(req.Kind), string(req.Operation))
	defer span.End()

	id, err := d.submit(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	telemetry.RecordSuccess(span)
	return id, nil
}

func (d *Dispatcher) submit(ctx context.Context, req *engine.TaskRequest) (string, error) {
	op := string(req.Operation)

	if err := d.validator.Struct(req); err != nil {
		d.metrics.RecordDispatchRejected("validation")
		return "", engine.NewValidationError("invalid task request", err).
			WithOperation(op).
			WithRelease(req.ReleaseName)
	}

	if d.policy != nil {
		result, err := d.policy.EvaluateRequest(ctx, req)
		if err != nil {
			d.metrics.RecordDispatchRejected("policy_error")
			return "", engine.NewTransientError("policy evaluation failed", err).WithOperation(op)
		}
		for _, w := range result.Warnings {
			d.logger.Warn().Str("execution_id", req.ExecutionID).Str("state", req.StateName).Msg(w)
		}
		if !result.Allowed {
			d.metrics.RecordDispatchRejected("policy")
			return "", rejection(req, result.Blocking())
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", engine.NewPermanentError("failed to encode task request", err).WithOperation(op)
	}

	id := d.newID()
	task := &stores.Task{
		CorrelationID: id,
		ExecutionID:   req.ExecutionID,
		StateName:     req.StateName,
		Kind:          req.Kind,
		Operation:     req.Operation,
		State:         stores.TaskStatePending,
		Request:       string(payload),
		SubmittedAt:   d.now(),
	}
	if err := d.ledger.RecordTask(ctx, task); err != nil {
		d.metrics.RecordDispatchRejected("ledger")
		return "", engine.NewTransientError("failed to record task", err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithOperation(op)
	}

	if err := d.sender.Send(ctx, id, req); err != nil {
		d.metrics.RecordDispatchRejected("send")
		if cerr := d.ledger.CompleteTask(ctx, id, stores.TaskStateCancelled, nil); cerr != nil {
			d.logger.Error().Err(cerr).Str("correlation_id", id).Msg("Failed to cancel unsent task")
		}
		return "", engine.NewTransientError("failed to send task", err).
			WithCode(engine.ErrCodeDispatchFailed).
			WithOperation(op)
	}

	d.metrics.RecordDispatch(string(req.Kind), op)
	d.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("state", req.StateName).
		Str("correlation_id", id).
		Str("kind", string(req.Kind)).
		Str("operation", op).
		Str("release", req.ReleaseName).
		Msg("Task dispatched")

	return id, nil
}

func rejection(req *engine.TaskRequest, violations []policy.Violation) *engine.EngineError {
	msgs := make([]string, 0, len(violations))
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
		names = append(names, v.Policy)
	}
	err := engine.NewPermanentError("rejected by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodeDispatchRejected).
		WithOperation(string(req.Operation)).
		WithRelease(req.ReleaseName)
	err.Policies = names
	return err
}

var _ engine.TaskDispatcher = (*Dispatcher)(nil)
