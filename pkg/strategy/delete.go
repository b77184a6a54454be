package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// DeleteConfig configures a delete step. Each resource entry may hold
// several comma-separated names, e.g. "Deployment/web, Service/web".
type DeleteConfig struct {
	commonConfig
	Resources        []string `json:"resources"`
	DeleteNamespaces bool     `json:"deleteNamespaces,omitempty"`
}

// Delete removes named resources belonging to the current release.
type Delete struct{}

func (*Delete) Kind() engine.StrategyKind       { return engine.StrategyDelete }
func (*Delete) Operation() engine.OperationKind { return engine.OperationDelete }

func (*Delete) Validate(ctx context.Context, call *Call) error {
	_, _, err := deleteResources(ctx, call)
	return err
}

func (d *Delete) BuildRequest(ctx context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	cfg, resources, err := deleteResources(ctx, call)
	if err != nil {
		return nil, err
	}
	req := call.newRequest(d.Operation(), cfg.TimeoutMinutes)
	req.Resources = resources
	req.DeleteNS = cfg.DeleteNamespaces
	return req, nil
}

func (*Delete) Interpret(_ context.Context, call *Call, _ *engine.ClusterResult) (*engine.Outcome, error) {
	return &engine.Outcome{
		Status:  engine.OutcomeSucceeded,
		Message: fmt.Sprintf("Deleted resources of release %s", call.Cont.ReleaseName),
	}, nil
}

func deleteResources(ctx context.Context, call *Call) (DeleteConfig, []string, error) {
	var cfg DeleteConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return cfg, nil, err
	}
	var resources []string
	for i, entry := range cfg.Resources {
		rendered, err := call.Render(ctx, entry)
		if err != nil {
			return cfg, nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		for _, name := range strings.Split(rendered, ",") {
			if name = strings.TrimSpace(name); name != "" {
				resources = append(resources, name)
			}
		}
	}
	if len(resources) == 0 {
		return cfg, nil, fmt.Errorf("at least one resource to delete is required")
	}
	return cfg, resources, nil
}
