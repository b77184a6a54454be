package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// CanarySetupConfig configures a canary setup step.
type CanarySetupConfig struct {
	commonConfig

	// TargetInstances is the pod count the canary is measured against.
	// When blank the running replica count is used.
	TargetInstances Text `json:"targetInstances,omitempty"`
	SkipDryRun      bool `json:"skipDryRun,omitempty"`
}

// CanarySetup creates the canary workload and publishes the target
// instance count that Canary Deploy scales against.
type CanarySetup struct{}

func (*CanarySetup) Kind() engine.StrategyKind       { return engine.StrategyCanarySetup }
func (*CanarySetup) Operation() engine.OperationKind { return engine.OperationCanarySetup }
func (*CanarySetup) ConsumesManifests() bool         { return true }

func (*CanarySetup) Validate(ctx context.Context, call *Call) error {
	var cfg CanarySetupConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return err
	}
	if strings.TrimSpace(string(cfg.TargetInstances)) == "" {
		return nil
	}
	raw, err := call.Render(ctx, string(cfg.TargetInstances))
	if err != nil {
		return fmt.Errorf("target instances: %w", err)
	}
	n, err := ParseInstanceCount(raw, engine.InstanceUnitCount)
	if err != nil {
		return fmt.Errorf("target instances: %w", err)
	}
	call.Cont.TargetInstanceCount = &n
	return nil
}

func (c *CanarySetup) BuildRequest(_ context.Context, call *Call, manifests engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg CanarySetupConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	req := call.newRequest(c.Operation(), cfg.TimeoutMinutes)
	req.Manifests = manifests
	req.SkipDryRun = cfg.SkipDryRun
	req.InstanceCount = call.Cont.TargetInstanceCount
	if req.InstanceCount != nil {
		req.InstanceUnit = engine.InstanceUnitCount
	}
	return req, nil
}

func (*CanarySetup) Interpret(ctx context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	target := CanaryTargetInstances(call.Cont.TargetInstanceCount, result.CurrentReplicas)
	call.Cont.TargetInstanceCount = &target
	call.Cont.CanaryWorkload = result.CanaryWorkload

	write, err := call.PublishReleaseIfAbsent(ctx, engine.ReleaseElement{
		ReleaseName:     call.Cont.ReleaseName,
		ReleaseNumber:   call.Cont.ReleaseNumber,
		TargetInstances: &target,
		CanaryWorkload:  result.CanaryWorkload,
	})
	if err != nil {
		return nil, err
	}

	outcome := &engine.Outcome{
		Status:  engine.OutcomeSucceeded,
		Message: fmt.Sprintf("Canary workload %s ready, target instances %d", result.CanaryWorkload, target),
		Data: map[string]interface{}{
			"targetInstances": target,
			"canaryWorkload":  result.CanaryWorkload,
		},
	}
	if write != nil {
		outcome.Elements = append(outcome.Elements, *write)
	}
	return outcome, nil
}

// OnFailure publishes whatever canary workload the executor created before
// failing, so a later Canary Rollback can still clean it up.
func (*CanarySetup) OnFailure(ctx context.Context, call *Call, result *engine.TaskResult, outcome *engine.Outcome) error {
	if result.Cluster == nil || strings.TrimSpace(result.Cluster.CanaryWorkload) == "" {
		return nil
	}
	call.Cont.CanaryWorkload = result.Cluster.CanaryWorkload
	if result.Cluster.ReleaseNumber != nil {
		call.Cont.ReleaseNumber = result.Cluster.ReleaseNumber
	}

	write, err := call.PublishReleaseIfAbsent(ctx, engine.ReleaseElement{
		ReleaseName:    call.Cont.ReleaseName,
		ReleaseNumber:  call.Cont.ReleaseNumber,
		CanaryWorkload: call.Cont.CanaryWorkload,
	})
	if err != nil {
		return err
	}
	if write != nil {
		outcome.Elements = append(outcome.Elements, *write)
	}
	return nil
}

// CanaryDeployConfig configures a canary deploy step.
type CanaryDeployConfig struct {
	commonConfig
	InstanceCount Text                `json:"instanceCount"`
	InstanceUnit  engine.InstanceUnit `json:"instanceUnit,omitempty"`
}

func (c CanaryDeployConfig) unit() engine.InstanceUnit {
	if c.InstanceUnit == "" {
		return engine.InstanceUnitCount
	}
	return c.InstanceUnit
}

// CanaryDeploy scales the canary workload created by Canary Setup.
type CanaryDeploy struct{}

func (*CanaryDeploy) Kind() engine.StrategyKind       { return engine.StrategyCanaryDeploy }
func (*CanaryDeploy) Operation() engine.OperationKind { return engine.OperationCanaryDeploy }

func (*CanaryDeploy) Validate(ctx context.Context, call *Call) error {
	var cfg CanaryDeployConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return err
	}
	if err := cfg.unit().Validate(); err != nil {
		return err
	}
	raw, err := call.RenderRequired(ctx, "instance count", string(cfg.InstanceCount))
	if err != nil {
		return err
	}
	if _, err := ParseInstanceCount(raw, cfg.unit()); err != nil {
		return err
	}
	return nil
}

// Prepare loads the canary published by Canary Setup.
func (c *CanaryDeploy) Prepare(ctx context.Context, call *Call) (*engine.Outcome, error) {
	rel, err := call.ReleaseElement(ctx)
	if err != nil {
		return nil, err
	}
	if rel == nil || rel.CanaryWorkload == "" {
		return &engine.Outcome{
			Status: engine.OutcomeFailed,
			Message: engine.ReleaseContext("No canary workload published in this execution, run Canary Setup first",
				c.Operation(), call.Cont.ReleaseName),
		}, nil
	}
	adoptRelease(call, rel)
	return nil, nil
}

func (c *CanaryDeploy) BuildRequest(ctx context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg CanaryDeployConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	raw, err := call.RenderRequired(ctx, "instance count", string(cfg.InstanceCount))
	if err != nil {
		return nil, err
	}
	n, err := ParseInstanceCount(raw, cfg.unit())
	if err != nil {
		return nil, err
	}

	target := DefaultCanaryTargetInstances
	if call.Cont.TargetInstanceCount != nil {
		target = *call.Cont.TargetInstanceCount
	}
	count := ResolveInstances(n, cfg.unit(), target)

	req := call.newRequest(c.Operation(), cfg.TimeoutMinutes)
	req.ReleaseNumber = call.Cont.ReleaseNumber
	req.WorkloadName = call.Cont.CanaryWorkload
	req.InstanceCount = &count
	req.InstanceUnit = engine.InstanceUnitCount
	return req, nil
}

func (*CanaryDeploy) Interpret(_ context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	marker, err := json.Marshal(engine.CanaryRunElement{
		ReleaseName:    call.Cont.ReleaseName,
		CanaryWorkload: call.Cont.CanaryWorkload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s element: %w", engine.ElementCanaryRun, err)
	}
	return &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Instances: InstanceSummaries(result.Pods, true),
		Elements:  []engine.ElementWrite{{Name: engine.ElementCanaryRun, Value: marker}},
	}, nil
}

// CanaryRollback removes the canary and reverts the release.
type CanaryRollback struct{}

func (*CanaryRollback) Kind() engine.StrategyKind       { return engine.StrategyCanaryRollback }
func (*CanaryRollback) Operation() engine.OperationKind { return engine.OperationCanaryRollback }

func (*CanaryRollback) Validate(_ context.Context, call *Call) error {
	var cfg RollbackConfig
	return call.DecodeConfig(&cfg)
}

// Prepare skips the rollback when no canary was published. The release
// element of a rolling or blue/green step carries no canary workload; the
// partial element of a failed setup does and is enough to proceed.
func (*CanaryRollback) Prepare(ctx context.Context, call *Call) (*engine.Outcome, error) {
	rel, err := call.ReleaseElement(ctx)
	if err != nil {
		return nil, err
	}
	if rel == nil || rel.CanaryWorkload == "" {
		return &engine.Outcome{
			Status:  engine.OutcomeSkipped,
			Message: "No canary deploy found in this execution, skipping rollback",
		}, nil
	}
	adoptRelease(call, rel)
	return nil, nil
}

func (c *CanaryRollback) BuildRequest(_ context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg RollbackConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	req := call.newRequest(c.Operation(), cfg.TimeoutMinutes)
	req.ReleaseNumber = call.Cont.ReleaseNumber
	req.WorkloadName = call.Cont.CanaryWorkload
	return req, nil
}

func (*CanaryRollback) Interpret(_ context.Context, call *Call, _ *engine.ClusterResult) (*engine.Outcome, error) {
	return &engine.Outcome{
		Status:  engine.OutcomeSucceeded,
		Message: fmt.Sprintf("Rolled back canary %s of release %s", call.Cont.CanaryWorkload, call.Cont.ReleaseName),
	}, nil
}
