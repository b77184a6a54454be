package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/manifest"
)

// Continuation is everything needed to resume a suspended invocation,
// possibly in another process. It round-trips through JSON unchanged.
type Continuation struct {
	ExecutionID     string              `json:"executionId"`
	StateName       string              `json:"stateName"`
	Strategy        engine.StrategyKind `json:"strategy"`
	CorrelationID   string              `json:"correlationId"`
	AwaitedTaskKind engine.TaskKind     `json:"awaitedTaskKind"`

	Workload engine.Workload `json:"workload"`
	Config   json.RawMessage `json:"config,omitempty"`

	ReleaseName         string `json:"releaseName,omitempty"`
	ReleaseNumber       *int   `json:"releaseNumber,omitempty"`
	TargetInstanceCount *int   `json:"targetInstanceCount,omitempty"`
	CanaryWorkload      string `json:"canaryWorkload,omitempty"`
	PrimaryService      string `json:"primaryService,omitempty"`
	StageService        string `json:"stageService,omitempty"`

	// Manifests holds documents resolved locally while remote ones are fetched.
	Manifests    engine.ManifestSet `json:"manifests,omitempty"`
	PendingFetch []engine.FetchFile `json:"pendingFetch,omitempty"`

	StartedAt time.Time `json:"startedAt"`
}

func newContinuation(scope Scope, state State, now time.Time) *Continuation {
	return &Continuation{
		ExecutionID: scope.ExecutionID,
		StateName:   state.Name,
		Strategy:    state.Strategy,
		Workload:    state.Workload,
		Config:      state.Config,
		StartedAt:   now.UTC(),
	}
}

// Release returns the release recorded so far.
func (c *Continuation) Release() engine.Release {
	return engine.Release{Name: c.ReleaseName, Number: c.ReleaseNumber}
}

// Marshal serializes the continuation for durable storage.
func (c *Continuation) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal continuation: %w", err)
	}
	return data, nil
}

// UnmarshalContinuation restores a continuation written by Marshal.
func UnmarshalContinuation(data []byte) (*Continuation, error) {
	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal continuation: %w", err)
	}
	if c.CorrelationID == "" {
		return nil, fmt.Errorf("continuation for state %s has no correlation id", c.StateName)
	}
	return &c, nil
}

// Scope is supplied by the host for every call within one execution.
type Scope struct {
	ExecutionID string
	Variables   map[string]interface{}
	Elements    engine.ElementReader
}

// State is one strategy step to begin.
type State struct {
	Name      string
	Strategy  engine.StrategyKind
	Workload  engine.Workload
	Manifests manifest.Source
	Config    json.RawMessage
}

// Step is what Begin and Resume return: either a suspension waiting for a
// result, or a terminal outcome.
type Step struct {
	// Outcome is set when the invocation finished.
	Outcome *engine.Outcome

	// Continuation is the state to persist while suspended. After a
	// finished resume it carries the final state for inspection.
	Continuation *Continuation
}

// Suspended returns true if the step is waiting for a task result.
func (s *Step) Suspended() bool {
	return s.Outcome == nil && s.Continuation != nil
}

// CorrelationID returns the id of the awaited task, or "" when finished.
func (s *Step) CorrelationID() string {
	if !s.Suspended() {
		return ""
	}
	return s.Continuation.CorrelationID
}
