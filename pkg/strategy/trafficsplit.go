package strategy

import (
	"context"
	"fmt"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// DestinationConfig is one route of a traffic split.
type DestinationConfig struct {
	Host   string `json:"host"`
	Subset string `json:"subset,omitempty"`
	Weight Text   `json:"weight"`
}

// TrafficSplitConfig configures a traffic-split step.
type TrafficSplitConfig struct {
	commonConfig
	VirtualServiceName string              `json:"virtualServiceName"`
	Destinations       []DestinationConfig `json:"destinations"`
}

// TrafficSplit rewrites the weighted routes of a virtual service.
type TrafficSplit struct{}

func (*TrafficSplit) Kind() engine.StrategyKind       { return engine.StrategyTrafficSplit }
func (*TrafficSplit) Operation() engine.OperationKind { return engine.OperationTrafficSplit }

func (*TrafficSplit) Validate(ctx context.Context, call *Call) error {
	_, _, _, err := trafficRoutes(ctx, call)
	return err
}

func (t *TrafficSplit) BuildRequest(ctx context.Context, call *Call, _ engine.ManifestSet) (*engine.TaskRequest, error) {
	cfg, vs, routes, err := trafficRoutes(ctx, call)
	if err != nil {
		return nil, err
	}
	req := call.newRequest(t.Operation(), cfg.TimeoutMinutes)
	req.VirtualService = vs
	req.Destinations = routes
	return req, nil
}

func (*TrafficSplit) Interpret(ctx context.Context, call *Call, _ *engine.ClusterResult) (*engine.Outcome, error) {
	_, vs, routes, err := trafficRoutes(ctx, call)
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{
		Status:  engine.OutcomeSucceeded,
		Message: fmt.Sprintf("Updated traffic split of %s", vs),
		Data: map[string]interface{}{
			"virtualService": vs,
			"destinations":   routes,
		},
	}, nil
}

func trafficRoutes(ctx context.Context, call *Call) (TrafficSplitConfig, string, []engine.WeightedDestination, error) {
	var cfg TrafficSplitConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return cfg, "", nil, err
	}
	vs, err := call.RenderRequired(ctx, "virtual service name", cfg.VirtualServiceName)
	if err != nil {
		return cfg, "", nil, err
	}
	if len(cfg.Destinations) == 0 {
		return cfg, "", nil, fmt.Errorf("at least one destination is required")
	}

	routes := make([]engine.WeightedDestination, 0, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		host, err := call.RenderRequired(ctx, fmt.Sprintf("destinations[%d].host", i), d.Host)
		if err != nil {
			return cfg, "", nil, err
		}
		weight, err := call.RenderRequired(ctx, fmt.Sprintf("destinations[%d].weight", i), string(d.Weight))
		if err != nil {
			return cfg, "", nil, err
		}
		subset, err := call.Render(ctx, d.Subset)
		if err != nil {
			return cfg, "", nil, fmt.Errorf("destinations[%d].subset: %w", i, err)
		}
		routes = append(routes, engine.WeightedDestination{Host: host, Subset: subset, Weight: weight})
	}
	return cfg, vs, routes, nil
}
