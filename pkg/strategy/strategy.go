package strategy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// Strategy is the per-strategy part of the state machine. The Driver owns
// sequencing, manifest fetching, dispatch and result routing.
type Strategy interface {
	// Kind names the strategy.
	Kind() engine.StrategyKind

	// Operation is the cluster operation the strategy dispatches.
	Operation() engine.OperationKind

	// Validate checks and records configuration before anything is dispatched.
	Validate(ctx context.Context, call *Call) error

	// BuildRequest builds the cluster-operation request. manifests is empty
	// for strategies that do not consume manifests.
	BuildRequest(ctx context.Context, call *Call, manifests engine.ManifestSet) (*engine.TaskRequest, error)

	// Interpret turns a successful cluster result into an outcome.
	Interpret(ctx context.Context, call *Call, result *engine.ClusterResult) (*engine.Outcome, error)
}

// ManifestConsumer is implemented by strategies that send a ManifestSet.
type ManifestConsumer interface {
	ConsumesManifests() bool
}

// Preparer is implemented by strategies that may finish before dispatching.
// A non-nil outcome ends the invocation.
type Preparer interface {
	Prepare(ctx context.Context, call *Call) (*engine.Outcome, error)
}

// FailureHandler is implemented by strategies that act on a failed cluster
// result. It may amend the FAILED outcome, e.g. to publish partial state.
type FailureHandler interface {
	OnFailure(ctx context.Context, call *Call, result *engine.TaskResult, outcome *engine.Outcome) error
}

// Aborter is implemented by strategies with cleanup on abort.
type Aborter interface {
	Abort(ctx context.Context, call *Call) error
}

// commonConfig holds fields every strategy accepts.
type commonConfig struct {
	TimeoutMinutes *int `json:"timeoutMinutes,omitempty"`
}

// Text is a configuration string that also accepts a bare JSON number, so
// `instanceCount: 3` and `instanceCount: "${vars.count}"` both decode.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

func (c *Call) timeout() *int {
	var cc commonConfig
	if len(c.Cont.Config) > 0 {
		_ = json.Unmarshal(c.Cont.Config, &cc)
	}
	return cc.TimeoutMinutes
}

// Builtins returns every built-in strategy.
func Builtins() []Strategy {
	return []Strategy{
		&Apply{},
		&RollingDeploy{},
		&RollingRollback{},
		&CanarySetup{},
		&CanaryDeploy{},
		&CanaryRollback{},
		&BlueGreenDeploy{},
		&Scale{},
		&Delete{},
		&TrafficSplit{},
	}
}
