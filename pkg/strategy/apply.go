package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// ApplyConfig configures an apply step.
type ApplyConfig struct {
	commonConfig

	// FilePaths limits the apply to these rendered manifest files. Empty
	// applies every file.
	FilePaths      []string `json:"filePaths,omitempty"`
	SkipDryRun     bool     `json:"skipDryRun,omitempty"`
	SkipSteadyWait bool     `json:"skipSteadyStateCheck,omitempty"`
}

// Apply renders the manifests and applies them without release tracking.
type Apply struct{}

func (*Apply) Kind() engine.StrategyKind       { return engine.StrategyApply }
func (*Apply) Operation() engine.OperationKind { return engine.OperationApply }
func (*Apply) ConsumesManifests() bool         { return true }

func (*Apply) Validate(ctx context.Context, call *Call) error {
	_, _, err := applyPaths(ctx, call)
	return err
}

func (a *Apply) BuildRequest(ctx context.Context, call *Call, manifests engine.ManifestSet) (*engine.TaskRequest, error) {
	cfg, paths, err := applyPaths(ctx, call)
	if err != nil {
		return nil, err
	}
	req := call.newRequest(a.Operation(), cfg.TimeoutMinutes)
	req.Manifests = manifests
	req.FilePaths = paths
	req.SkipDryRun = cfg.SkipDryRun
	req.SkipSteadyWait = cfg.SkipSteadyWait
	return req, nil
}

func (*Apply) Interpret(_ context.Context, _ *Call, result *engine.ClusterResult) (*engine.Outcome, error) {
	return &engine.Outcome{
		Status:    engine.OutcomeSucceeded,
		Instances: InstanceSummaries(result.Pods, true),
	}, nil
}

func applyPaths(ctx context.Context, call *Call) (ApplyConfig, []string, error) {
	var cfg ApplyConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return cfg, nil, err
	}
	var paths []string
	for i, p := range cfg.FilePaths {
		rendered, err := call.Render(ctx, p)
		if err != nil {
			return cfg, nil, fmt.Errorf("filePaths[%d]: %w", i, err)
		}
		for _, path := range strings.Split(rendered, ",") {
			if path = strings.TrimSpace(path); path != "" {
				paths = append(paths, path)
			}
		}
	}
	return cfg, paths, nil
}
