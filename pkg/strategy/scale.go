package strategy

import (
	"context"
	"fmt"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// ScaleConfig configures a scale step.
type ScaleConfig struct {
	commonConfig
	WorkloadName   string              `json:"workload"`
	InstanceCount  Text                `json:"instanceCount"`
	InstanceUnit   engine.InstanceUnit `json:"instanceUnit,omitempty"`
	SkipSteadyWait bool                `json:"skipSteadyStateCheck,omitempty"`
}

func (c ScaleConfig) unit() engine.InstanceUnit {
	if c.InstanceUnit == "" {
		return engine.InstanceUnitCount
	}
	return c.InstanceUnit
}

// Scale changes the replica count of a named workload. Percentages are
// sent as-is and resolved by the executor against the workload's replicas.
type Scale struct{}

func (*Scale) Kind() engine.StrategyKind       { return engine.StrategyScale }
func (*Scale) Operation() engine.OperationKind { return engine.OperationScale }

func (*Scale) Validate(ctx context.Context, call *Call) error {
	_, err := scaleTarget(ctx, call)
	return err
}

// Prepare picks up the release number of a release deployed earlier in
// the execution. Scaling without one is allowed.
func (*Scale) Prepare(ctx context.Context, call *Call) (*engine.Outcome, error) {
	rel, err := call.ReleaseElement(ctx)
	if err != nil {
		return nil, err
	}
	if rel != nil {
		call.Cont.ReleaseNumber = rel.ReleaseNumber
	}
	return nil, nil
}

func (s *Scale) BuildRequest(ctx context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	t, err := scaleTarget(ctx, call)
	if err != nil {
		return nil, err
	}

	req := call.newRequest(s.Operation(), t.cfg.TimeoutMinutes)
	req.ReleaseNumber = call.Cont.ReleaseNumber
	req.WorkloadName = t.workload
	req.InstanceCount = &t.count
	req.InstanceUnit = t.cfg.unit()
	req.SkipSteadyWait = t.cfg.SkipSteadyWait
	return req, nil
}

func (*Scale) Interpret(_ context.Context, _ *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	outcome := &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Instances: InstanceSummaries(result.Pods, true),
	}
	if result.CurrentReplicas != nil {
		outcome.Message = fmt.Sprintf("Scaled to %d replicas", *result.CurrentReplicas)
		outcome.Data = map[string]interface{}{"replicas": *result.CurrentReplicas}
	}
	return outcome, nil
}

type scaleRequest struct {
	cfg      ScaleConfig
	workload string
	count    int
}

func scaleTarget(ctx context.Context, call *Call) (*scaleRequest, error) {
	var cfg ScaleConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.unit().Validate(); err != nil {
		return nil, err
	}
	workload, err := call.RenderRequired(ctx, "workload", cfg.WorkloadName)
	if err != nil {
		return nil, err
	}
	raw, err := call.RenderRequired(ctx, "instance count", string(cfg.InstanceCount))
	if err != nil {
		return nil, err
	}
	count, err := ParseInstanceCount(raw, cfg.unit())
	if err != nil {
		return nil, err
	}
	return &scaleRequest{cfg: cfg, workload: workload, count: count}, nil
}
