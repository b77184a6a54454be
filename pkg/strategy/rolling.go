package strategy

import (
	"context"
	"fmt"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// RollingDeployConfig configures a rolling deploy step.
type RollingDeployConfig struct {
	commonConfig
	SkipDryRun bool `json:"skipDryRun,omitempty"`
}

// RollingDeploy applies manifests with a rolling update of the release.
type RollingDeploy struct{}

func (*RollingDeploy) Kind() engine.StrategyKind       { return engine.StrategyRollingDeploy }
func (*RollingDeploy) Operation() engine.OperationKind { return engine.OperationRollingDeploy }
func (*RollingDeploy) ConsumesManifests() bool         { return true }

func (*RollingDeploy) Validate(_ context.Context, call *Call) error {
	var cfg RollingDeployConfig
	return call.DecodeConfig(&cfg)
}

func (r *RollingDeploy) BuildRequest(_ context.Context, call *Call, manifests engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg RollingDeployConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	req := call.newRequest(r.Operation(), cfg.TimeoutMinutes)
	req.Manifests = manifests
	req.SkipDryRun = cfg.SkipDryRun
	return req, nil
}

// Interpret reports the new pods and publishes the release unless an
// earlier step in the execution already did.
func (*RollingDeploy) Interpret(ctx context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	write, err := call.PublishReleaseIfAbsent(ctx, engine.ReleaseElement{
		ReleaseName:   call.Cont.ReleaseName,
		ReleaseNumber: call.Cont.ReleaseNumber,
	})
	if err != nil {
		return nil, err
	}

	outcome := &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Instances: InstanceSummaries(result.Pods, true),
	}
	if write != nil {
		outcome.Elements = append(outcome.Elements, *write)
	}
	return outcome, nil
}

// RollbackConfig configures rollback steps.
type RollbackConfig struct {
	commonConfig
}

// RollingRollback reverts the release deployed earlier in the execution.
type RollingRollback struct{}

func (*RollingRollback) Kind() engine.StrategyKind       { return engine.StrategyRollingRollback }
func (*RollingRollback) Operation() engine.OperationKind { return engine.OperationRollingRollback }

func (*RollingRollback) Validate(_ context.Context, call *Call) error {
	var cfg RollbackConfig
	return call.DecodeConfig(&cfg)
}

// Prepare skips the rollback when nothing was deployed in this execution.
func (*RollingRollback) Prepare(ctx context.Context, call *Call) (*engine.Outcome, error) {
	rel, err := call.ReleaseElement(ctx)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return &engine.Outcome{
			Status:  engine.OutcomeSkipped,
			Message: "No rolling deploy found in this execution, skipping rollback",
		}, nil
	}
	adoptRelease(call, rel)
	return nil, nil
}

func (r *RollingRollback) BuildRequest(_ context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg RollbackConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	req := call.newRequest(r.Operation(), cfg.TimeoutMinutes)
	req.ReleaseNumber = call.Cont.ReleaseNumber
	return req, nil
}

func (*RollingRollback) Interpret(_ context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	return &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Message:   fmt.Sprintf("Rolled back release %s", call.Cont.ReleaseName),
		Instances: InstanceSummaries(result.Pods, false),
	}, nil
}

// adoptRelease copies the published release into the continuation.
func adoptRelease(call *Call, rel *engine.ReleaseElement) {
	if rel.ReleaseName != "" {
		call.Cont.ReleaseName = rel.ReleaseName
	}
	call.Cont.ReleaseNumber = rel.ReleaseNumber
	call.Cont.TargetInstanceCount = rel.TargetInstances
	call.Cont.CanaryWorkload = rel.CanaryWorkload
	call.Cont.PrimaryService = rel.PrimaryService
	call.Cont.StageService = rel.StageService
}
