package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/expression"
	"github.com/openfroyo/kdeploy/pkg/manifest"
	"github.com/openfroyo/kdeploy/pkg/telemetry"
)

// Driver runs strategies through validate, fetch, dispatch and interpret.
// It keeps no per-invocation state between calls.
type Driver struct {
	dispatcher engine.TaskDispatcher
	resolver   *manifest.Resolver
	renderer   engine.Renderer
	strategies map[engine.StrategyKind]Strategy
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	now        func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithRenderer sets the expression renderer. The default renders nothing.
func WithRenderer(r engine.Renderer) Option {
	return func(d *Driver) { d.renderer = r }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger.With().Str("component", "strategy").Logger() }
}

// WithMetrics records outcomes and contract violations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracer wraps Begin and Resume in spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Driver) { d.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithStrategy registers or replaces a strategy.
func WithStrategy(s Strategy) Option {
	return func(d *Driver) { d.strategies[s.Kind()] = s }
}

// NewDriver creates a driver with every built-in strategy registered.
func NewDriver(dispatcher engine.TaskDispatcher, resolver *manifest.Resolver, opts ...Option) *Driver {
	d := &Driver{
		dispatcher: dispatcher,
		resolver:   resolver,
		renderer:   engine.NopRenderer{},
		strategies: make(map[engine.StrategyKind]Strategy),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, s := range Builtins() {
		d.strategies[s.Kind()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Strategy returns the registered strategy for kind.
func (d *Driver) Strategy(kind engine.StrategyKind) (Strategy, bool) {
	s, ok := d.strategies[kind]
	return s, ok
}

// Begin starts a strategy invocation. It either suspends on a dispatched
// task or finishes immediately (validation or dispatch failure, skip).
// The returned error is reserved for host-side failures such as an
// unreadable element store.
func (d *Driver) Begin(ctx context.Context, scope Scope, state State) (step *Step, err error) {
	ctx, span := d.tracer.StartStrategySpan(ctx, "begin", scope.ExecutionID, state.Name, string(state.Strategy))
	defer func() { endStepSpan(span, step) }()

	cont := newContinuation(scope, state, d.now())
	call := &Call{Scope: scope, Cont: cont, renderer: d.renderer}
	logger := d.callLogger(cont)

	s, ok := d.strategies[state.Strategy]
	if !ok {
		return d.finish(call, d.failed(call, "", fmt.Sprintf("unknown strategy %q", state.Strategy))), nil
	}

	if err := d.validateCommon(ctx, call); err != nil {
		logger.Warn().Err(err).Msg("Step validation failed")
		return d.finish(call, d.failed(call, s.Operation(), err.Error())), nil
	}
	if err := s.Validate(ctx, call); err != nil {
		logger.Warn().Err(err).Msg("Step validation failed")
		return d.finish(call, d.failed(call, s.Operation(), err.Error())), nil
	}

	if p, ok := s.(Preparer); ok {
		outcome, err := p.Prepare(ctx, call)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if outcome != nil {
			return d.finish(call, d.stamp(call, s.Operation(), outcome)), nil
		}
	}

	var manifests engine.ManifestSet
	if mc, ok := s.(ManifestConsumer); ok && mc.ConsumesManifests() {
		res, err := d.resolver.Resolve(ctx, state.Manifests)
		if err != nil {
			logger.Warn().Err(err).Msg("Manifest resolution failed")
			return d.finish(call, d.failed(call, s.Operation(), err.Error())), nil
		}
		if res.NeedsFetch() {
			cont.Manifests = res.Manifests
			cont.PendingFetch = res.Fetch
			return d.dispatchFetch(ctx, call, s)
		}
		manifests = res.Manifests
	}

	return d.dispatchCluster(ctx, call, s, manifests)
}

// Resume continues a suspended invocation with the result of its task.
// A result that does not match the continuation returns a
// *engine.ContractViolationError and no step.
func (d *Driver) Resume(ctx context.Context, scope Scope, cont *Continuation, result *engine.TaskResult) (step *Step, err error) {
	if cont == nil {
		return nil, &engine.ContractViolationError{Reason: "no continuation to resume"}
	}
	ctx, span := d.tracer.StartStrategySpan(ctx, "resume", cont.ExecutionID, cont.StateName, string(cont.Strategy))
	defer func() { endStepSpan(span, step) }()

	if err := d.checkContract(cont, result); err != nil {
		d.metrics.RecordContractViolation(string(cont.Strategy))
		telemetry.RecordError(span, err)
		return nil, err
	}

	s, ok := d.strategies[cont.Strategy]
	if !ok {
		return nil, &engine.ContractViolationError{
			CorrelationID: cont.CorrelationID,
			Reason:        fmt.Sprintf("continuation names unknown strategy %q", cont.Strategy),
		}
	}

	call := &Call{Scope: scope, Cont: cont, renderer: d.renderer}
	logger := d.callLogger(cont)

	switch cont.AwaitedTaskKind {
	case engine.TaskKindManifestFetch:
		if !result.Succeeded() {
			msg := "manifest fetch failed"
			if result.TimedOut {
				msg = "manifest fetch timed out"
			}
			if result.ErrorMessage != "" {
				msg = msg + ": " + result.ErrorMessage
			}
			logger.Warn().Str("correlation_id", result.CorrelationID).Msg(msg)
			return d.finish(call, d.failed(call, s.Operation(), msg)), nil
		}
		manifests, err := d.resolver.Complete(cont.Manifests, cont.PendingFetch, result.Fetch)
		if err != nil {
			logger.Warn().Err(err).Msg("Fetched manifests rejected")
			return d.finish(call, d.failed(call, s.Operation(), err.Error())), nil
		}
		cont.Manifests = engine.ManifestSet{}
		cont.PendingFetch = nil
		return d.dispatchCluster(ctx, call, s, manifests)

	case engine.TaskKindClusterOperation:
		if !result.Succeeded() {
			outcome := d.failed(call, s.Operation(), clusterFailureMessage(result))
			if fh, ok := s.(FailureHandler); ok {
				if err := fh.OnFailure(ctx, call, result, outcome); err != nil {
					telemetry.RecordError(span, err)
					return nil, err
				}
			}
			logger.Warn().Bool("timed_out", result.TimedOut).Str("error", result.ErrorMessage).Msg("Cluster operation failed")
			return d.finish(call, outcome), nil
		}
		cluster := result.Cluster
		if cluster == nil {
			cluster = &engine.ClusterResult{}
		}
		if cluster.ReleaseNumber != nil {
			cont.ReleaseNumber = cluster.ReleaseNumber
		}
		outcome, err := s.Interpret(ctx, call, cluster)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		return d.finish(call, d.stamp(call, s.Operation(), outcome)), nil

	default:
		return nil, &engine.ContractViolationError{
			CorrelationID: cont.CorrelationID,
			Reason:        fmt.Sprintf("continuation awaits unknown task kind %q", cont.AwaitedTaskKind),
		}
	}
}

// Abort runs strategy cleanup for a suspended invocation.
func (d *Driver) Abort(ctx context.Context, scope Scope, cont *Continuation) error {
	if cont == nil {
		return nil
	}
	s, ok := d.strategies[cont.Strategy]
	if !ok {
		return nil
	}
	d.callLogger(cont).Info().Msg("Aborting suspended step")
	if a, ok := s.(Aborter); ok {
		return a.Abort(ctx, &Call{Scope: scope, Cont: cont, renderer: d.renderer})
	}
	return nil
}

func (d *Driver) checkContract(cont *Continuation, result *engine.TaskResult) error {
	if result == nil {
		return &engine.ContractViolationError{CorrelationID: cont.CorrelationID, Reason: "nil result"}
	}
	if result.CorrelationID != cont.CorrelationID {
		return &engine.ContractViolationError{
			CorrelationID: cont.CorrelationID,
			Reason:        fmt.Sprintf("result belongs to task %s", result.CorrelationID),
		}
	}
	if result.Kind != cont.AwaitedTaskKind {
		return &engine.ContractViolationError{
			CorrelationID: cont.CorrelationID,
			Expected:      cont.AwaitedTaskKind,
			Got:           result.Kind,
		}
	}
	return nil
}

func (d *Driver) validateCommon(ctx context.Context, call *Call) error {
	w := call.Cont.Workload
	if !strings.EqualFold(strings.TrimSpace(w.DeploymentType), engine.DeploymentTypeKubernetes) {
		return fmt.Errorf("workload %s has deployment type %q, only %q is supported",
			w.ID, w.DeploymentType, engine.DeploymentTypeKubernetes)
	}
	if strings.TrimSpace(w.Namespace) == "" {
		return fmt.Errorf("namespace is required")
	}

	name := strings.TrimSpace(w.ReleaseName)
	if name != "" {
		rendered, err := call.Render(ctx, name)
		if err != nil && !expression.ContainsExpression(name) {
			return fmt.Errorf("release name: %w", err)
		}
		if err == nil {
			name = rendered
		}
	} else {
		derived, err := DeriveReleaseName(w.InfraID)
		if err != nil {
			return err
		}
		name = derived
	}
	if err := ValidateReleaseName(name); err != nil {
		return err
	}
	call.Cont.ReleaseName = name
	return nil
}

func (d *Driver) dispatchFetch(ctx context.Context, call *Call, s Strategy) (*Step, error) {
	req := &engine.TaskRequest{
		Kind:           engine.TaskKindManifestFetch,
		ExecutionID:    call.Cont.ExecutionID,
		StateName:      call.Cont.StateName,
		Strategy:       call.Cont.Strategy,
		FetchFiles:     call.Cont.PendingFetch,
		TimeoutMinutes: NormalizeTimeout(call.timeout()),
	}
	return d.submit(ctx, call, s, req)
}

func (d *Driver) dispatchCluster(ctx context.Context, call *Call, s Strategy, manifests engine.ManifestSet) (*Step, error) {
	req, err := s.BuildRequest(ctx, call, manifests)
	if err != nil {
		d.callLogger(call.Cont).Warn().Err(err).Msg("Failed to build task request")
		return d.finish(call, d.failed(call, s.Operation(), err.Error())), nil
	}
	return d.submit(ctx, call, s, req)
}

func (d *Driver) submit(ctx context.Context, call *Call, s Strategy, req *engine.TaskRequest) (*Step, error) {
	ctx, span := d.tracer.StartDispatchSpan(ctx, string(req.Kind), string(req.Operation))
	defer span.End()

	id, err := d.dispatcher.Submit(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		d.callLogger(call.Cont).Error().Err(err).Str("task_kind", string(req.Kind)).Msg("Task dispatch failed")
		return d.finish(call, d.failed(call, s.Operation(), "dispatch failed: "+err.Error())), nil
	}
	if id == "" {
		return nil, errors.New("dispatcher returned an empty correlation id")
	}

	call.Cont.CorrelationID = id
	call.Cont.AwaitedTaskKind = req.Kind
	span.SetAttributes(telemetry.AttrCorrelationID.String(id))

	d.callLogger(call.Cont).Info().
		Str("task_kind", string(req.Kind)).
		Str("operation", string(req.Operation)).
		Int("timeout_minutes", req.TimeoutMinutes).
		Msg("Suspended awaiting task result")

	return &Step{Continuation: call.Cont}, nil
}

func (d *Driver) failed(call *Call, op engine.OperationKind, msg string) *engine.Outcome {
	return &engine.Outcome{
		Status:    engine.OutcomeFailed,
		Message:   engine.ReleaseContext(msg, op, call.Cont.ReleaseName),
		Operation: op,
	}
}

// stamp fills the common outcome fields a strategy did not set.
func (d *Driver) stamp(call *Call, op engine.OperationKind, o *engine.Outcome) *engine.Outcome {
	if o == nil {
		o = &engine.Outcome{}
	}
	if o.Status == "" {
		o.Status = engine.OutcomeSucceeded
	}
	if o.Operation == "" {
		o.Operation = op
	}
	if o.ReleaseNumber == nil {
		o.ReleaseNumber = call.Cont.ReleaseNumber
	}
	return o
}

func (d *Driver) finish(call *Call, o *engine.Outcome) *Step {
	o.Strategy = call.Cont.Strategy
	if o.ReleaseName == "" {
		o.ReleaseName = call.Cont.ReleaseName
	}
	o.CompletedAt = d.now().UTC()

	d.metrics.RecordOutcome(string(o.Strategy), string(o.Status), o.CompletedAt.Sub(call.Cont.StartedAt))
	d.callLogger(call.Cont).Info().
		Str("status", string(o.Status)).
		Str("message", o.Message).
		Int("instances", len(o.Instances)).
		Msg("Step finished")

	step := &Step{Outcome: o}
	if call.Cont.CorrelationID != "" {
		step.Continuation = call.Cont
	}
	return step
}

func endStepSpan(span trace.Span, step *Step) {
	if step != nil && step.Outcome != nil {
		telemetry.RecordOutcome(span, string(step.Outcome.Status), step.Outcome.ReleaseName)
	}
	span.End()
}

func (d *Driver) callLogger(cont *Continuation) *zerolog.Logger {
	logger := d.logger.With().
		Str("execution_id", cont.ExecutionID).
		Str("state", cont.StateName).
		Str("strategy", string(cont.Strategy)).
		Str("release", cont.ReleaseName).
		Logger()
	return &logger
}

func clusterFailureMessage(result *engine.TaskResult) string {
	if result.TimedOut {
		return "task timed out"
	}
	if result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return "cluster operation failed"
}
