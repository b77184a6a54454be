package strategy

import (
	"context"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// BlueGreenDeployConfig configures a blue/green deploy step.
type BlueGreenDeployConfig struct {
	commonConfig
	SkipDryRun bool `json:"skipDryRun,omitempty"`
}

// BlueGreenDeploy deploys the new color behind the stage service.
type BlueGreenDeploy struct{}

func (*BlueGreenDeploy) Kind() engine.StrategyKind       { return engine.StrategyBlueGreenDeploy }
func (*BlueGreenDeploy) Operation() engine.OperationKind { return engine.OperationBlueGreenDeploy }
func (*BlueGreenDeploy) ConsumesManifests() bool         { return true }

func (*BlueGreenDeploy) Validate(_ context.Context, call *Call) error {
	var cfg BlueGreenDeployConfig
	return call.DecodeConfig(&cfg)
}

func (b *BlueGreenDeploy) BuildRequest(_ context.Context, call *Call, manifests engine.ManifestSet) (*engine.TaskRequest, error) {
	var cfg BlueGreenDeployConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	req := call.newRequest(b.Operation(), cfg.TimeoutMinutes)
	req.Manifests = manifests
	req.SkipDryRun = cfg.SkipDryRun
	return req, nil
}

func (*BlueGreenDeploy) Interpret(ctx context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	call.Cont.PrimaryService = result.PrimaryService
	call.Cont.StageService = result.StageService

	write, err := call.PublishReleaseIfAbsent(ctx, engine.ReleaseElement{
		ReleaseName:    call.Cont.ReleaseName,
		ReleaseNumber:  call.Cont.ReleaseNumber,
		PrimaryService: result.PrimaryService,
		StageService:   result.StageService,
	})
	if err != nil {
		return nil, err
	}

	outcome := &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Instances: InstanceSummaries(result.Pods, true),
		Data: map[string]interface{}{
			"primaryService": result.PrimaryService,
			"stageService":   result.StageService,
		},
	}
	if write != nil {
		outcome.Elements = append(outcome.Elements, *write)
	}
	return outcome, nil
}
